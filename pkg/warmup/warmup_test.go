package warmup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/intent"
)

func TestContentProvider_RoundRobin(t *testing.T) {
	c := NewContentProvider([]string{"a", "  ", "b", "c"})
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, c.RandomText())
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b"}, got)
}

func TestContentProvider_DefaultsAndNFC(t *testing.T) {
	assert.Equal(t, len(DefaultTexts), len(NewContentProvider(nil).Texts()))

	// "e" + combining acute composes to a single rune.
	c := NewContentProvider([]string{"cafe\u0301"})
	assert.Equal(t, "caf\u00e9", c.RandomText())
}

func TestContentProvider_ConcurrentRotationIsFair(t *testing.T) {
	c := NewContentProvider([]string{"a", "b"})
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := c.RandomText()
			mu.Lock()
			counts[t]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 50, "b": 50}, counts)
}

func TestStaticTargets(t *testing.T) {
	s := NewStaticTargets([]string{"+1"})
	s.Set("i-2", []string{"+2", "+3"})

	got, err := s.ListTargets(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"+1"}, got)

	got, err = s.ListTargets(context.Background(), "i-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"+2", "+3"}, got)
}

func TestLoadPack_PicksNewestValid(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	write("a.yaml", "version: 1.2.0\ntexts: [\"old\"]\n")
	write("b.yml", "version: 1.10.0\ntexts: [\"new\"]\n")
	write("c.yaml", "version: not-a-version\ntexts: [\"bad\"]\n")
	write("d.yaml", "version: 9.0.0\ntexts: []\n")
	write("notes.txt", "version: 99.0.0\n")

	p, err := LoadPack(dir)
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", p.Version)
	assert.Equal(t, []string{"new"}, p.Texts)
	assert.Equal(t, filepath.Join(dir, "b.yml"), p.Source)

	_, err = LoadPack(filepath.Join(dir, "c.yaml"))
	assert.Error(t, err)

	_, err = LoadPack(t.TempDir())
	assert.ErrorIs(t, err, ErrNoPack)
}

type fakeLister []*instance.Instance

func (f fakeLister) List(ctx context.Context, orgID string) ([]*instance.Instance, error) {
	var out []*instance.Instance
	for _, i := range f {
		if orgID == "" || i.OrganizationID == orgID {
			out = append(out, i)
		}
	}
	return out, nil
}

type recordingSubmitter struct {
	reqs []intent.Request
}

func (r *recordingSubmitter) Decide(ctx context.Context, req intent.Request) (*intent.MessageIntent, error) {
	r.reqs = append(r.reqs, req)
	return &intent.MessageIntent{ID: "in", Status: intent.StatusApproved}, nil
}

func TestDriver_Tick(t *testing.T) {
	instances := fakeLister{
		{ID: "w1", OrganizationID: "org", Purpose: instance.PurposeWarmUp, LifecycleStatus: instance.LifecycleActive},
		{ID: "m1", OrganizationID: "org", Purpose: instance.PurposeMixed, LifecycleStatus: instance.LifecycleActive},
		{ID: "d1", OrganizationID: "org", Purpose: instance.PurposeDispatch, LifecycleStatus: instance.LifecycleActive},
		{ID: "w2", OrganizationID: "org", Purpose: instance.PurposeWarmUp, LifecycleStatus: instance.LifecycleCooldown},
		{ID: "w3", OrganizationID: "other", Purpose: instance.PurposeWarmUp, LifecycleStatus: instance.LifecycleActive},
	}
	targets := NewStaticTargets([]string{"+551100000001", "+551100000002"})
	targets.Set("m1", nil)
	sub := &recordingSubmitter{}
	d := NewDriver(instances, sub, NewContentProvider([]string{"oi"}), targets)

	n, err := d.Tick(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sub.reqs, 1)
	req := sub.reqs[0]
	assert.Equal(t, intent.PurposeWarmUp, req.Purpose)
	assert.Equal(t, "w1", req.InstanceID)
	assert.Equal(t, "+551100000001", req.Target.Value)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, "oi", payload["text"])

	_, err = d.Tick(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, "+551100000002", sub.reqs[1].Target.Value)
}

func TestDriver_TickStopsAtPhaseLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	policy := health.DefaultPolicy()

	instances := fakeLister{
		{ID: "fresh", OrganizationID: "org", Purpose: instance.PurposeWarmUp, LifecycleStatus: instance.LifecycleActive, WarmUpStartedAt: now.Add(-time.Hour)},
		{ID: "mature", OrganizationID: "org", Purpose: instance.PurposeWarmUp, LifecycleStatus: instance.LifecycleActive, WarmUpStartedAt: now.Add(-60 * 24 * time.Hour)},
	}
	signals := health.NewSignalCollector(24*time.Hour, 0).WithClock(clock)
	evaluator, err := health.NewEvaluator(nil, policy, signals)
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	d := NewDriver(instances, sub, nil, NewStaticTargets([]string{"+551100000001"})).
		WithPhaseLimit(evaluator.WithClock(clock), policy)

	limit := policy.PhaseFor(time.Hour).MaxDailySends
	require.Positive(t, limit)
	for i := 0; i < limit-1; i++ {
		signals.RecordSend("fresh", true)
	}
	for i := 0; i < 500; i++ {
		signals.RecordSend("mature", true)
	}

	n, err := d.Tick(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one send left in the NEW phase; MATURE is unlimited")

	signals.RecordSend("fresh", true)
	sub.reqs = nil
	n, err = d.Tick(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sub.reqs, 1)
	assert.Equal(t, "mature", sub.reqs[0].InstanceID)

	// The window slides: a day later the fresh instance warms up again.
	now = now.Add(25 * time.Hour)
	sub.reqs = nil
	n, err = d.Tick(context.Background(), "org")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
