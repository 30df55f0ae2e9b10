package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the janitor evicts expired windows.
const DefaultSweepInterval = 60 * time.Second

// TickerFunc starts a ticker and returns its channel and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorClock overrides the time source used to judge expiry.
func WithJanitorClock(now func() time.Time) JanitorOption {
	return func(j *Janitor) {
		j.now = now
	}
}

// WithTicker overrides the ticker, mainly for tests.
func WithTicker(fn TickerFunc) JanitorOption {
	return func(j *Janitor) {
		j.ticker = fn
	}
}

// WithSweepHook is called after every sweep with the number of evicted windows.
func WithSweepHook(fn func(evicted int)) JanitorOption {
	return func(j *Janitor) {
		j.onSweep = fn
	}
}

// Janitor periodically removes expired windows from a MemoryStore.
type Janitor struct {
	store    *MemoryStore
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	ticker   TickerFunc
	onSweep  func(evicted int)
}

// NewJanitor creates a janitor. A non-positive interval uses DefaultSweepInterval.
func NewJanitor(store *MemoryStore, interval time.Duration, logger *zap.Logger, opts ...JanitorOption) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Janitor{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		ticker:   realTicker,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticks, stop := j.ticker(j.interval)
	defer stop()

	j.logger.Debug("Rate limit janitor started", zap.Duration("interval", j.interval))
	for {
		select {
		case <-ctx.Done():
			j.logger.Debug("Rate limit janitor stopped")
			return
		case <-ticks:
			j.Sweep()
		}
	}
}

// Sweep evicts every window whose reset time has passed. Keys are removed one
// at a time so admission checks are never blocked for the whole sweep.
// A panic during the sweep or in the sweep hook is logged and swallowed.
func (j *Janitor) Sweep() int {
	evicted := j.evict()
	j.notify(evicted)
	return evicted
}

func (j *Janitor) evict() (evicted int) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("Rate limit sweep failed",
				zap.String("panic", fmt.Sprint(r)),
				zap.Int("evicted", evicted))
		}
	}()

	now := j.now()
	for _, key := range j.store.Keys() {
		if j.store.DeleteIfExpired(key, now) {
			evicted++
		}
	}

	if evicted > 0 {
		j.logger.Debug("Evicted expired rate limit windows", zap.Int("count", evicted))
	}
	return evicted
}

func (j *Janitor) notify(evicted int) {
	if j.onSweep == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("Rate limit sweep hook failed",
				zap.String("panic", fmt.Sprint(r)),
				zap.Int("evicted", evicted))
		}
	}()
	j.onSweep(evicted)
}
