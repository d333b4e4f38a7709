// Package notify sends operator alerts about sync jobs to Telegram chats.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"fixturesync/internal/config"
	"fixturesync/internal/domain"
	"fixturesync/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier alerts on failed jobs and on jobs that completed with
// chunk errors.
type TelegramNotifier struct {
	sender  domain.TelegramSender
	chatIDs []int64
	logger  *zerolog.Logger
}

func NewTelegramNotifier(sender domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ids := make([]int64, len(chatIDs))
	copy(ids, chatIDs)
	return &TelegramNotifier{sender: sender, chatIDs: ids, logger: logger}
}

// NewBotAPI connects to Telegram with the configured token.
func NewBotAPI(cfg config.NotifyConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

// Subscribe registers the notifier on the bus.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventJobFailed, n.handle)
	bus.Subscribe(events.EventJobCompleted, n.handle)
}

func (n *TelegramNotifier) handle(ev *events.Event) error {
	var payload events.JobEventPayload
	if err := ev.Decode(&payload); err != nil {
		n.logger.Error().Err(err).Str("event", ev.Type).Msg("event bus: decode payload")
		return nil
	}
	text, ok := FormatAlert(ev.Type, payload)
	if !ok {
		return nil
	}
	return n.broadcast(text)
}

func (n *TelegramNotifier) broadcast(text string) error {
	var errs []error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send telegram alert")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// FormatAlert renders the alert text for an event, or reports false when the
// event needs no alert.
func FormatAlert(eventType string, p events.JobEventPayload) (string, bool) {
	var b strings.Builder
	switch eventType {
	case events.EventJobFailed:
		fmt.Fprintf(&b, "*Sync job failed*\n")
	case events.EventJobCompleted:
		if p.ErrorCount == 0 {
			return "", false
		}
		fmt.Fprintf(&b, "*Sync job completed with errors*\n")
	default:
		return "", false
	}

	fmt.Fprintf(&b, "Source: `%s`\n", p.SourceKey)
	fmt.Fprintf(&b, "Job: `%s`\n", p.JobID)
	fmt.Fprintf(&b, "Chunks: %d/%d, errors: %d\n", p.ProcessedUnits, p.TotalUnits, p.ErrorCount)
	fmt.Fprintf(&b, "Items: %d fetched, %d new", p.TotalItems, p.NewItems)
	if p.Message != "" {
		fmt.Fprintf(&b, "\nReason: %s", escapeMarkdown(p.Message))
	}
	return b.String(), true
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
