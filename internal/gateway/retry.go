package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bmwtx3/sol-basis-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	retryAttempts = 5
	retryBackoff  = 200 * time.Millisecond
)

// NewClientOrderID returns a fresh idempotency key for a submission.
func NewClientOrderID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Retrier wraps gateway submissions with bounded exponential backoff
// on transient failures and an idempotency cache keyed by client
// order id, persisted so a crash between fill and acknowledgement
// does not double-submit.
type Retrier struct {
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]PairedFill
}

func NewRetrier(store state.Store, log *zap.Logger) *Retrier {
	return &Retrier{store: store, log: log, cache: make(map[string]PairedFill)}
}

// Paired runs a paired submission under the given client order id.
// A previously completed submission with the same id returns the
// cached fill without hitting the gateway again.
func (r *Retrier) Paired(ctx context.Context, clientOrderID string, fn func() (PairedFill, error)) (PairedFill, error) {
	if clientOrderID == "" {
		return r.pairedWithRetry(ctx, fn)
	}
	cacheKey := "cloid:" + clientOrderID
	r.mu.Lock()
	if fill, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return fill, nil
	}
	r.mu.Unlock()
	if r.store != nil {
		if raw, ok, err := r.store.Get(ctx, cacheKey); err != nil {
			return PairedFill{}, err
		} else if ok {
			var fill PairedFill
			if err := json.Unmarshal([]byte(raw), &fill); err == nil {
				r.mu.Lock()
				r.cache[cacheKey] = fill
				r.mu.Unlock()
				return fill, nil
			}
		}
	}
	fill, err := r.pairedWithRetry(ctx, fn)
	if err != nil {
		return PairedFill{}, err
	}
	if r.store != nil {
		if raw, err := json.Marshal(fill); err == nil {
			if err := r.store.Set(ctx, cacheKey, string(raw)); err != nil && r.log != nil {
				r.log.Warn("failed to persist fill for client order id", zap.Error(err))
			}
		}
	}
	r.mu.Lock()
	r.cache[cacheKey] = fill
	r.mu.Unlock()
	return fill, nil
}

func (r *Retrier) pairedWithRetry(ctx context.Context, fn func() (PairedFill, error)) (PairedFill, error) {
	var fill PairedFill
	err := r.Do(ctx, func() error {
		var err error
		fill, err = fn()
		return err
	})
	return fill, err
}

// Do retries fn on Retryable and Timeout failures with doubling
// backoff. Fatal and leg failures surface immediately.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	backoff := retryBackoff
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var legErr *LegError
		if errors.As(err, &legErr) || errors.Is(err, ErrFatal) {
			return err
		}
		if !errors.Is(err, ErrRetryable) && !errors.Is(err, ErrTimeout) {
			return err
		}
		if attempt == retryAttempts-1 {
			return fmt.Errorf("retry exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
