package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryBacklog is an in-process FIFO of job ids safe for many consumers.
type MemoryBacklog struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

func NewMemoryBacklog() *MemoryBacklog {
	return &MemoryBacklog{notify: make(chan struct{}, 1)}
}

func (b *MemoryBacklog) Push(_ context.Context, jobID string) error {
	b.mu.Lock()
	b.items = append(b.items, jobID)
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *MemoryBacklog) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBacklog) tryPop() (string, bool) {
	b.mu.Lock()
	if len(b.items) == 0 {
		b.mu.Unlock()
		return "", false
	}
	id := b.items[0]
	b.items[0] = ""
	b.items = b.items[1:]
	remaining := len(b.items) > 0
	b.mu.Unlock()

	// Pass the wakeup on so another waiting consumer sees the rest.
	if remaining {
		b.signal()
	}
	return id, true
}

// Pop returns the oldest id. A non-positive timeout does not wait.
func (b *MemoryBacklog) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	if id, ok := b.tryPop(); ok {
		return id, true, nil
	}
	if timeout <= 0 {
		return "", false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-timer.C:
			return "", false, nil
		case <-b.notify:
			if id, ok := b.tryPop(); ok {
				return id, true, nil
			}
		}
	}
}

func (b *MemoryBacklog) Len(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.items)), nil
}
