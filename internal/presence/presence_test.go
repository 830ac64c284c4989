package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/wingdesk/internal/metrics"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFleetScenario(t *testing.T) {
	raw := []RawSession{
		{Key: "agent:main:infrastructure:w1", AgeMs: 5000},
		{Key: "agent:main:infrastructure:w2", AgeMs: 200000},
		{Key: "agent:main:ui:helper", AgeMs: 90000000},
	}
	got := Aggregate(raw, now, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "Nova", got[0].Name)
	assert.Equal(t, StatusActive, got[0].Status)
	assert.Equal(t, "agent:main:infrastructure:w1", got[0].Key)
}

func TestDeriveName(t *testing.T) {
	tests := []struct {
		name                string
		key, label, typ, id string
		want                string
	}{
		{"fleet keyword in key", "agent:main:research:x", "x", "research", "abc", "Atlas"},
		{"fleet keyword in label", "agent:main:foo", "Security review", "foo", "abc", "Orion"},
		{"fleet order wins", "agent:main:infrastructure:ui", "ui", "infrastructure", "abc", "Nova"},
		{"subagent", "agent:main:subagent:1", "1", "subagent", "abc", "Sub-Agent"},
		{"main key", "agent:main:main", "main", "main", "abc", "Cody"},
		{"bare main", "main", "agent", "agent", "abc", "Cody"},
		{"hub key", "agent:hubby:x", "x", "x", "abc", "Cody"},
		{"label", "agent:main:direct:deploybot", "deploybot", "direct", "abc", "Deploybot"},
		{"generic label falls to type", "agent:main:planner:main", "main", "planner", "abc", "Planner"},
		{"group channel", "agent:main:group:group", "group", "group", "abc", "Discord Node"},
		{"discord key", "agent:discord:agent", "agent", "agent", "abc", "Discord Node"},
		{"direct channel", "agent:main:direct", "direct", "direct", "abc", "Direct Node"},
		{"whatsapp key", "whatsapp:x:agent", "agent", "agent", "abc", "Direct Node"},
		{"id fallback", "agent:x:agent", "agent", "agent", "a1b2c3d4", "Node [a1b2]"},
		{"short id", "agent:x:agent", "agent", "agent", "z9", "Node [z9]"},
		{"no id", "agent:x:agent", "agent", "agent", "", "Node [????]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveName(tt.key, tt.label, tt.typ, tt.id))
		})
	}
}

func TestDerive(t *testing.T) {
	t.Run("fields from key", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent:main:planner:nightly", SessionID: "s1", ID: "i1", AgeMs: 1000, Model: "m-large"}, now)
		assert.Equal(t, "planner", r.Type)
		assert.Equal(t, "nightly", r.Label)
		assert.Equal(t, "s1", r.ID)
		assert.Equal(t, "Nightly", r.Name)
		assert.Equal(t, "Running m-large", r.LastTask)
		assert.Equal(t, StatusActive, r.Status)
	})
	t.Run("display name wins", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent:main:planner:nightly", DisplayName: "reviewer", ID: "i1"}, now)
		assert.Equal(t, "reviewer", r.Label)
		assert.Equal(t, "i1", r.ID)
	})
	t.Run("short key defaults", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent"}, now)
		assert.Equal(t, "agent", r.Type)
		assert.Equal(t, "agent", r.Label)
		assert.Equal(t, "unknown", r.ID)
		assert.Equal(t, "Node [unkn]", r.Name)
		assert.Empty(t, r.LastTask)
	})
	t.Run("age from updatedAt", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent:main:x", UpdatedAt: now.Add(-30 * time.Second).UnixMilli()}, now)
		assert.True(t, r.AgeKnown)
		assert.Equal(t, 30*time.Second, r.Age)
		assert.Equal(t, StatusActive, r.Status)
	})
	t.Run("aborted idle is error", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent:main:x", AgeMs: 130000, AbortedLastRun: true}, now)
		assert.Equal(t, StatusError, r.Status)
	})
	t.Run("aborted but active", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent:main:x", AgeMs: 1000, AbortedLastRun: true}, now)
		assert.Equal(t, StatusActive, r.Status)
	})
	t.Run("boundary is idle", func(t *testing.T) {
		r := Derive(RawSession{Key: "agent:main:x", AgeMs: 120000}, now)
		assert.Equal(t, StatusIdle, r.Status)
	})
}

func TestAggregateFilters(t *testing.T) {
	raw := []RawSession{
		{Key: "agent:main:cron:nightly", AgeMs: 1000},
		{Key: "agent:main:heartbeat", AgeMs: 1000},
		{Key: "agent:discord:channel:general", AgeMs: 1000},
		{Key: "agent:main:planner", AgeMs: 86400001},
		{Key: "agent:main:worker", AgeMs: 86400000},
		{Key: "agent:main:unknown-age"},
	}
	got := Aggregate(raw, now, 0)
	var names []string
	for _, r := range got {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"Unknown-age", "Worker"}, names)
}

func TestAggregateDedupeKeepsActive(t *testing.T) {
	raw := []RawSession{
		{Key: "agent:main:x:Alpha", SessionID: "idle-1", AgeMs: 500000},
		{Key: "agent:main:x:alpha", SessionID: "idle-2", AgeMs: 600000},
		{Key: "agent:main:x:ALPHA", SessionID: "live", AgeMs: 1000},
		{Key: "agent:main:x:alpha", SessionID: "live-2", AgeMs: 2000},
	}
	got := Aggregate(raw, now, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].ID)

	got = Aggregate(raw[:2], now, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "idle-1", got[0].ID, "first seen wins among non-active")
}

func TestAggregateRankAndLimit(t *testing.T) {
	var raw []RawSession
	for i := 0; i < 12; i++ {
		age := int64(1000)
		if i%2 == 0 {
			age = 300000
		}
		raw = append(raw, RawSession{Key: fmt.Sprintf("agent:main:x:node%02d", 11-i), AgeMs: age})
	}
	got := Aggregate(raw, now, 0)
	require.Len(t, got, DefaultMax)

	seen := map[string]bool{}
	activeDone := false
	for i, r := range got {
		k := strings.ToLower(r.Name)
		assert.False(t, seen[k], "duplicate %s", r.Name)
		seen[k] = true
		if r.Status != StatusActive {
			activeDone = true
		} else {
			assert.False(t, activeDone, "active after inactive at %d", i)
		}
		if i > 0 && got[i-1].Status == r.Status {
			assert.Less(t, strings.ToLower(got[i-1].Name), k)
		}
	}
	assert.Equal(t, StatusActive, got[0].Status)
	assert.Equal(t, "Node00", got[0].Name)

	assert.Len(t, Aggregate(raw, now, 3), 3)
}

func TestAggregatorPoll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fail := atomic.Bool{}
	src := SourceFunc(func(context.Context) ([]RawSession, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return []RawSession{{Key: "agent:main:infrastructure:w1", AgeMs: 1000}}, nil
	})
	a := NewAggregator(src, Options{Metrics: m, Now: func() time.Time { return now }})

	var got []Snapshot
	cancel := a.Subscribe(func(s Snapshot) { got = append(got, s) })

	require.NoError(t, a.Poll(context.Background()))
	snap := a.Snapshot()
	require.Len(t, snap.Records, 1)
	assert.Equal(t, now, snap.At)
	assert.Len(t, got, 1)

	fail.Store(true)
	assert.Error(t, a.Poll(context.Background()))
	snap = a.Snapshot()
	assert.Len(t, snap.Records, 1, "previous records kept")
	assert.Error(t, snap.Err)

	fail.Store(false)
	cancel()
	require.NoError(t, a.Poll(context.Background()))
	assert.NoError(t, a.Snapshot().Err)
	assert.Len(t, got, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PresencePolls.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PresencePolls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PresenceRecords))
}

func TestAggregatorRun(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(context.Context) ([]RawSession, error) {
		calls.Add(1)
		return nil, nil
	})
	a := NewAggregator(src, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
