package repository

import (
	"context"
	"sync/atomic"
	"time"

	"fixturesync/internal/domain"

	"github.com/rs/zerolog"
)

const defaultRecoveryInterval = time.Minute

// FailoverBacklog prefers the primary backlog and switches to the fallback
// while the primary is failing. Ids pushed during an outage stay in the
// fallback and are drained before the primary.
type FailoverBacklog struct {
	primary          domain.Backlog
	fallback         domain.Backlog
	logger           *zerolog.Logger
	isDown           atomic.Bool
	lastCheck        atomic.Int64
	recoveryInterval time.Duration
	now              func() time.Time
}

func NewFailoverBacklog(primary, fallback domain.Backlog, logger *zerolog.Logger) *FailoverBacklog {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverBacklog{
		primary:          primary,
		fallback:         fallback,
		logger:           logger,
		recoveryInterval: defaultRecoveryInterval,
		now:              time.Now,
	}
}

// usePrimary reports whether the primary should be tried. While it is down
// one probe is let through per recovery interval.
func (r *FailoverBacklog) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	now := r.now().UnixNano()
	last := r.lastCheck.Load()
	if now-last < int64(r.recoveryInterval) {
		return false
	}
	return r.lastCheck.CompareAndSwap(last, now)
}

func (r *FailoverBacklog) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary backlog failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverBacklog) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary backlog recovered")
	}
}

// IsDown is true while calls are served by the fallback.
func (r *FailoverBacklog) IsDown() bool {
	return r.isDown.Load()
}

func (r *FailoverBacklog) Push(ctx context.Context, jobID string) error {
	if r.usePrimary() {
		err := r.primary.Push(ctx, jobID)
		if err == nil {
			r.markUp()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.markDown(err)
	}

	return r.fallback.Push(ctx, jobID)
}

func (r *FailoverBacklog) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	if id, ok, err := r.fallback.Pop(ctx, 0); err == nil && ok {
		return id, true, nil
	}

	if r.usePrimary() {
		id, ok, err := r.primary.Pop(ctx, timeout)
		if err == nil {
			r.markUp()
			return id, ok, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		r.markDown(err)
	}

	return r.fallback.Pop(ctx, timeout)
}

func (r *FailoverBacklog) Len(ctx context.Context) (int64, error) {
	n, err := r.fallback.Len(ctx)
	if err != nil {
		return 0, err
	}
	if r.isDown.Load() {
		return n, nil
	}
	p, err := r.primary.Len(ctx)
	if err != nil {
		r.markDown(err)
		return n, nil
	}
	return n + p, nil
}
