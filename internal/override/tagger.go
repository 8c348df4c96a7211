package override

import (
	"context"
	"strings"
	"sync"
	"time"

	"docflow.org/internal/obs"
)

const defaultTimeout = 30 * time.Second

// Marker flags rows attributable to a user. pg.Store and lifecycle.InMemory
// implement it.
type Marker interface {
	MarkOverride(ctx context.Context, userID, fullName string) error
}

// Tagger runs MarkOverride in the background for user-management events.
// Failures are logged and counted, never returned to the caller.
type Tagger struct {
	marker  Marker
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures Tagger.
type Option func(*Tagger)

func WithTimeout(d time.Duration) Option {
	return func(t *Tagger) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func New(marker Marker, opts ...Option) *Tagger {
	t := &Tagger{marker: marker, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tag schedules one sweep for the user and returns immediately. Calls after
// Close are dropped.
func (t *Tagger) Tag(userID, fullName string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		obs.Warn("override.dropped", map[string]any{"user_id": userID})
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		t.run(userID, strings.TrimSpace(fullName))
	}()
}

// TagNow runs one sweep synchronously, bounded by the tagger timeout.
func (t *Tagger) TagNow(ctx context.Context, userID, fullName string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	start := time.Now()
	err := t.marker.MarkOverride(ctx, userID, fullName)
	obs.ObserveOverride(err)
	fields := map[string]any{
		"user_id":     userID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err
		obs.Error("override.failed", fields)
		return err
	}
	obs.Info("override.applied", fields)
	return nil
}

func (t *Tagger) run(userID, fullName string) {
	defer func() {
		if r := recover(); r != nil {
			obs.ObserveOverride(errPanic)
			obs.Error("override.panic", map[string]any{"user_id": userID, "panic": r})
		}
	}()
	_ = t.TagNow(context.Background(), userID, fullName)
}

// Close stops accepting new tags and waits for in-flight sweeps, or until ctx ends.
func (t *Tagger) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every scheduled sweep has finished.
func (t *Tagger) Wait() { t.wg.Wait() }
