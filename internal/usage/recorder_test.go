package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brandvoice/contentops/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type memorySink struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	err     error
	block   chan struct{}
	ctxErr  error
}

func (s *memorySink) SaveUsage(ctx context.Context, rec *models.UsageRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) saved() []*models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.UsageRecord(nil), s.records...)
}

type countingObserver struct {
	mu       sync.Mutex
	recorded int
	failed   int
}

func (o *countingObserver) UsageRecorded(*models.UsageRecord) {
	o.mu.Lock()
	o.recorded++
	o.mu.Unlock()
}

func (o *countingObserver) UsageWriteFailed(*models.UsageRecord) {
	o.mu.Lock()
	o.failed++
	o.mu.Unlock()
}

func TestRecord_PricesAndPersists(t *testing.T) {
	sink := &memorySink{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(sink, DefaultPricing(), zap.NewNop(), WithClock(func() time.Time { return now }))

	rec := r.Record(context.Background(), Input{
		Model:            "gpt-4o",
		Feature:          "content_generate",
		PromptTokens:     500,
		CompletionTokens: 300,
		UserID:           "user-1",
	})
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 800, rec.TotalTokens)
	assert.Equal(t, DefaultPricing().Cost("gpt-4o", 500, 300), rec.CostUSD)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, now, rec.CreatedAt)

	saved := sink.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "content_generate", saved[0].Feature)
	assert.Equal(t, "user-1", saved[0].UserID)
}

func TestRecord_DoesNotBlockOnSlowSink(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(sink, DefaultPricing(), zap.NewNop())

	start := time.Now()
	r.Record(context.Background(), Input{Model: "gpt-4o", Feature: "f", PromptTokens: 1})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, sink.saved())

	close(sink.block)
	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.saved(), 1)
}

func TestRecord_FailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	obs := &countingObserver{}
	sink := &memorySink{err: errors.New("connection refused")}
	r := NewRecorder(sink, DefaultPricing(), zap.New(core), WithObserver(obs))

	rec := r.Record(context.Background(), Input{Model: "gpt-4o-mini", Feature: "translate", PromptTokens: 10})
	require.NotNil(t, rec)
	require.NoError(t, r.Close(context.Background()))

	entries := logs.FilterMessage("Failed to record AI usage").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "translate", fields["feature"])
	assert.Equal(t, "gpt-4o-mini", fields["model"])
	assert.Equal(t, 1, obs.recorded)
	assert.Equal(t, 1, obs.failed)
}

func TestRecord_SurvivesCallerCancellation(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewRecorder(sink, DefaultPricing(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	r.Record(ctx, Input{Model: "gpt-4o", Feature: "f"})
	cancel()
	close(sink.block)

	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.saved(), 1)
	assert.NoError(t, sink.ctxErr)
}

func TestRecord_ClampsNegativeTokens(t *testing.T) {
	r := NewRecorder(&memorySink{}, DefaultPricing(), zap.NewNop())

	rec := r.Build(Input{Model: "gpt-4o", PromptTokens: -5, CompletionTokens: 10})
	assert.Equal(t, 0, rec.PromptTokens)
	assert.Equal(t, 10, rec.TotalTokens)
	assert.GreaterOrEqual(t, rec.CostUSD, 0.0)
}

func TestRecord_DropsAfterClose(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, DefaultPricing(), zap.NewNop())
	require.NoError(t, r.Close(context.Background()))

	r.Record(context.Background(), Input{Model: "gpt-4o", Feature: "f"})
	assert.Empty(t, sink.saved())
}

func TestClose_HonoursDeadline(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	defer close(sink.block)
	r := NewRecorder(sink, DefaultPricing(), zap.NewNop())
	r.Record(context.Background(), Input{Model: "gpt-4o", Feature: "f"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}

func TestRecord_ConcurrentCallers(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, DefaultPricing(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(context.Background(), Input{Model: "gpt-4o", Feature: "f", PromptTokens: 100})
		}()
	}
	wg.Wait()
	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.saved(), 50)
}
