package backoff

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/fifth-community/authgate/internal/config"
)

// ErrExhausted is returned by Wait once every retry has been used
var ErrExhausted = errors.New("retries exhausted")

// Backoff hands out jittered, exponentially growing retry delays for one
// operation, up to a fixed number of retries
type Backoff struct {
	mu              sync.Mutex
	currentInterval time.Duration
	attempts        int
	config          config.BackoffConfig

	// Callback for UI updates
	onWait func(attempt int, d time.Duration)
}

// New creates a backoff policy from cfg
func New(cfg config.BackoffConfig) *Backoff {
	return &Backoff{
		currentInterval: cfg.InitialInterval,
		config:          cfg,
	}
}

// SetCallback sets an optional callback invoked before each wait
func (b *Backoff) SetCallback(onWait func(attempt int, d time.Duration)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onWait = onWait
}

// Next returns the delay before the next retry and false once retries are exhausted
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.config.MaxRetries {
		return 0, false
	}
	b.attempts++

	// Calculate next interval with jitter
	jitter := b.config.RandomizationFactor * float64(b.currentInterval)
	d := b.currentInterval + time.Duration(rand.Float64()*jitter)

	// Increase interval for next time (exponential)
	next := time.Duration(float64(b.currentInterval) * b.config.Multiplier)
	if b.config.MaxInterval > 0 {
		next = min(next, b.config.MaxInterval)
	}
	b.currentInterval = next

	return d, true
}

// Wait blocks for the next retry delay. It returns ErrExhausted when no
// retries are left, or the context's error if it is done first.
func (b *Backoff) Wait(ctx context.Context) error {
	d, ok := b.Next()
	if !ok {
		return ErrExhausted
	}

	b.mu.Lock()
	onWait, attempt := b.onWait, b.attempts
	b.mu.Unlock()
	if onWait != nil {
		onWait(attempt, d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset starts the retry sequence over
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.currentInterval = b.config.InitialInterval
}

// Attempts returns how many retries have been handed out
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
