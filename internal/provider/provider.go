// Package provider talks to the upstream fixtures service that fetches and
// stores matches for a date window.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"fixturesync/internal/config"
	"fixturesync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	syncPath     = "/api/v1/fixtures/sync"
	apiKeyHeader = "X-API-Key"
	userAgent    = "fixturesync/1.0"

	// maxErrorBody caps how much of a failed response ends up in the error.
	maxErrorBody = 512
	maxBody      = 1 << 20
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fixtures upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("fixtures upstream returned %d: %s", e.StatusCode, e.Body)
}

type syncRequest struct {
	SourceKey string `json:"source_key"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// HTTPFixtureSource fetches chunks from the upstream service. All calls
// share one token bucket.
type HTTPFixtureSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zerolog.Logger
}

func NewHTTPFixtureSource(cfg config.ProviderConfig, logger *zerolog.Logger) *HTTPFixtureSource {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPFixtureSource{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (p *HTTPFixtureSource) FetchChunk(ctx context.Context, sourceKey string, start, end time.Time) (models.ChunkResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.ChunkResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(syncRequest{
		SourceKey: sourceKey,
		From:      start.UTC().Format(models.DateLayout),
		To:        end.UTC().Format(models.DateLayout),
	})
	if err != nil {
		return models.ChunkResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+syncPath, bytes.NewReader(payload))
	if err != nil {
		return models.ChunkResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if p.apiKey != "" {
		req.Header.Set(apiKeyHeader, p.apiKey)
	}

	startedAt := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return models.ChunkResult{}, fmt.Errorf("fixtures request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return models.ChunkResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.ChunkResult{}, &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(body, maxErrorBody)}
	}

	var res models.ChunkResult
	if err := json.Unmarshal(body, &res); err != nil {
		return models.ChunkResult{}, fmt.Errorf("decode response: %w", err)
	}

	p.logger.Debug().
		Str("source_key", sourceKey).
		Str("from", start.Format(models.DateLayout)).
		Str("to", end.Format(models.DateLayout)).
		Int("total", res.TotalItems).
		Dur("took", time.Since(startedAt)).
		Msg("Fixtures chunk fetched")
	return res, nil
}

// truncateBody trims body to at most limit bytes without splitting a rune.
// Invalid sequences are replaced so the result is always valid UTF-8.
func truncateBody(body []byte, limit int) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return strings.ToValidUTF8(msg, string(utf8.RuneError))
}
