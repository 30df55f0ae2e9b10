package usage

import (
	"context"
	"sync"
	"time"

	"github.com/brandvoice/contentops/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds a single background persistence attempt.
const DefaultWriteTimeout = 10 * time.Second

// Sink persists usage records.
type Sink interface {
	SaveUsage(ctx context.Context, rec *models.UsageRecord) error
}

// Observer is notified about recorded usage and failed writes.
type Observer interface {
	UsageRecorded(rec *models.UsageRecord)
	UsageWriteFailed(rec *models.UsageRecord)
}

// Input describes one completed AI call.
type Input struct {
	Model            string
	Feature          string
	PromptTokens     int
	CompletionTokens int
	UserID           string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithObserver attaches an observer, typically metrics.
func WithObserver(o Observer) Option {
	return func(r *Recorder) {
		r.observer = o
	}
}

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// Recorder meters AI calls and persists them without blocking the caller.
type Recorder struct {
	sink         Sink
	pricing      PricingTable
	logger       *zap.Logger
	observer     Observer
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(sink Sink, pricing PricingTable, logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		sink:         sink,
		pricing:      pricing,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pricing returns the table used to price records.
func (r *Recorder) Pricing() PricingTable {
	return r.pricing
}

// Build prices in and returns the record without persisting it.
func (r *Recorder) Build(in Input) *models.UsageRecord {
	prompt := max(in.PromptTokens, 0)
	completion := max(in.CompletionTokens, 0)

	return &models.UsageRecord{
		ID:               uuid.NewString(),
		Model:            in.Model,
		Feature:          in.Feature,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		CostUSD:          r.pricing.Cost(in.Model, prompt, completion),
		UserID:           in.UserID,
		CreatedAt:        r.now().UTC(),
	}
}

// Record prices the call and hands it to a background writer. It returns
// immediately; persistence failures are logged and never reach the caller.
// Cancelling ctx after Record returns does not abort the write.
func (r *Recorder) Record(ctx context.Context, in Input) *models.UsageRecord {
	rec := r.Build(in)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("Usage recorder closed, dropping record",
			zap.String("feature", rec.Feature),
			zap.String("model", rec.Model))
		return rec
	}

	r.wg.Add(1)
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.UsageRecorded(rec)
	}

	go r.persist(context.WithoutCancel(ctx), rec)
	return rec
}

func (r *Recorder) persist(ctx context.Context, rec *models.UsageRecord) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Usage write panicked",
				zap.String("feature", rec.Feature),
				zap.String("model", rec.Model),
				zap.Any("panic", p))
			r.failed(rec)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	if err := r.sink.SaveUsage(ctx, rec); err != nil {
		r.logger.Error("Failed to record AI usage",
			zap.String("feature", rec.Feature),
			zap.String("model", rec.Model),
			zap.Error(err))
		r.failed(rec)
	}
}

func (r *Recorder) failed(rec *models.UsageRecord) {
	if r.observer != nil {
		r.observer.UsageWriteFailed(rec)
	}
}

// Close stops accepting records and waits for in-flight writes or ctx expiry.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
