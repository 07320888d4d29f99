package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/metering"
	"github.com/zapguard/guardrail/pkg/timeline"
	"github.com/zapguard/guardrail/pkg/transport"
)

type fakeSink struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSink) MarkSent(ctx context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, intentID)
	return nil
}

type fakeBanner struct{ banned []string }

func (f *fakeBanner) Ban(ctx context.Context, id, reason string) (*instance.Instance, error) {
	f.banned = append(f.banned, id)
	return &instance.Instance{ID: id, LifecycleStatus: instance.LifecycleBanned, BanReason: reason}, nil
}

type fakeSignals struct {
	mu       sync.Mutex
	ok, fail int
}

func (f *fakeSignals) RecordSend(id string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ok {
		f.ok++
	} else {
		f.fail++
	}
}

type harness struct {
	runner  *Runner
	store   *MemoryStore
	dry     *transport.DryRun
	sink    *fakeSink
	banner  *fakeBanner
	signals *fakeSignals
	meter   *metering.MemoryMeter
	events  *timeline.MemoryLog
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		dry:     transport.NewDryRun(),
		sink:    &fakeSink{},
		banner:  &fakeBanner{},
		signals: &fakeSignals{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.meter = metering.NewMemoryMeter(24 * time.Hour).WithClock(clock)
	h.events = timeline.NewMemoryLog().WithClock(clock)
	h.runner = NewRunner(h.store, h.dry, DefaultConfig()).
		WithClock(clock).
		WithIntentSink(h.sink).
		WithBanner(h.banner).
		WithSignals(h.signals).
		WithMeter(h.meter).
		WithTimeline(h.events)
	return h
}

func (h *harness) create(t *testing.T, intentID string) *Job {
	t.Helper()
	job, err := h.runner.Create(context.Background(), NewJob{
		IntentID:       intentID,
		OrganizationID: "org-1",
		InstanceID:     "i-1",
		Provider:       "TURBOZAP",
		Target:         transport.Target{Kind: transport.TargetPhone, Value: "+5511988887777"},
		Type:           transport.TypeText,
		Payload:        json.RawMessage(`{"text":"hello"}`),
	})
	require.NoError(t, err)
	return job
}

func TestRunner_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.create(t, "in-1")
	assert.Equal(t, StatusPending, job.Status)

	n, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, h.now, *got.ExecutedAt)
	assert.Equal(t, 0, got.Attempts)
	assert.NotEmpty(t, got.ProviderMessageID)
	assert.Equal(t, []string{"in-1"}, h.sink.sent)
	assert.Equal(t, 1, h.signals.ok)

	snap, err := h.meter.Snapshot(ctx, "org-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, metering.Counters{JobsCreated: 1, MessagesSent: 1}, snap.Totals)

	events, err := h.events.ForIntent(ctx, "in-1")
	require.NoError(t, err)
	kinds := make([]timeline.Kind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []timeline.Kind{timeline.KindJobCreated, timeline.KindJobAttempt, timeline.KindJobSent}, kinds)

	// Nothing left to do; SENT is terminal.
	n, err = h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunner_ExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dry.Fail("i-1", transport.Result{Error: "engine timeout"})
	job := h.create(t, "in-1")

	var lastNext time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)

		got, err := h.store.Get(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, StatusRetry, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		require.NotNil(t, got.NextAttemptAt)
		assert.True(t, got.NextAttemptAt.After(lastNext))
		lastNext = *got.NextAttemptAt

		// Not due yet.
		n, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		h.now = *got.NextAttemptAt
	}

	_, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)
	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "engine timeout", got.LastError)
	assert.Nil(t, got.ExecutedAt)
	assert.Nil(t, got.NextAttemptAt)
	assert.Empty(t, h.sink.sent)
	assert.Equal(t, 4, h.signals.fail)

	snap, err := h.meter.Snapshot(ctx, "org-1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, metering.Counters{JobsCreated: 1, FailedJobs: 1, Retries: 3}, snap.Totals)
}

func TestRunner_BackoffDoubles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dry.Fail("i-1", transport.Result{Error: "x"})
	job := h.create(t, "in-1")

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		_, err := h.runner.RunOnce(ctx)
		require.NoError(t, err)
		got, err := h.store.Get(ctx, job.ID)
		require.NoError(t, err)
		delays = append(delays, got.NextAttemptAt.Sub(h.now))
		h.now = *got.NextAttemptAt
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestRunner_BanSignalFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dry.Fail("i-1", transport.Result{Error: "number banned", Banned: true})
	job := h.create(t, "in-1")

	_, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, []string{"i-1"}, h.banner.banned)
}

func TestRunner_TransportErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runner.transport = transport.NewRouter(nil)
	job := h.create(t, "in-1")

	n, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, got.Status)
	assert.Contains(t, got.LastError, "no adapter")
}

func TestRunner_CancelStopsPendingRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dry.Fail("i-1", transport.Result{Error: "x"})
	job := h.create(t, "in-1")

	_, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)

	cancelled, err := h.runner.Cancel(ctx, job.ID, "operator override")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled: operator override", cancelled.LastError)

	h.now = h.now.Add(time.Hour)
	h.dry.Recover("i-1")
	n, err := h.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.dry.Sent())

	_, err = h.runner.Cancel(ctx, job.ID, "")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestRunner_DuplicateIntent(t *testing.T) {
	h := newHarness(t)
	h.create(t, "in-1")
	_, err := h.runner.Create(context.Background(), NewJob{IntentID: "in-1", InstanceID: "i-1", OrganizationID: "org-1"})
	assert.ErrorIs(t, err, ErrDuplicateIntent)
}

func TestRunner_ConcurrentRunnersSendOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "in-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.runner.RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, h.dry.Sent(), 1)
}

func TestMemoryStore_OpenLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "in-1")
	h.create(t, "in-2")

	n, err := h.store.OpenLoad(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.runner.RunOnce(ctx)
	require.NoError(t, err)
	n, err = h.store.OpenLoad(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
