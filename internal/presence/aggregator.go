package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/logger"
	"github.com/ehrlich-b/wingdesk/internal/metrics"
)

// Source lists the current agent sessions. Implemented by *api.Client.
type Source interface {
	Sessions(ctx context.Context) ([]RawSession, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]RawSession, error)

func (f SourceFunc) Sessions(ctx context.Context) ([]RawSession, error) { return f(ctx) }

type Options struct {
	Interval time.Duration
	Max      int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Snapshot is the result of the last successful poll.
type Snapshot struct {
	Records []Record
	At      time.Time
	Err     error // last poll error, cleared by the next success
}

// Aggregator polls a Source on a fixed interval and keeps the latest snapshot.
type Aggregator struct {
	src      Source
	interval time.Duration
	max      int
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	snap    Snapshot
	subs    map[int]func(Snapshot)
	nextSub int
}

func NewAggregator(src Source, opts Options) *Aggregator {
	a := &Aggregator{
		src:      src,
		interval: opts.Interval,
		max:      opts.Max,
		log:      logger.OrNop(opts.Logger).Named("presence"),
		metrics:  opts.Metrics,
		now:      opts.Now,
		subs:     make(map[int]func(Snapshot)),
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.max <= 0 {
		a.max = DefaultMax
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Run polls immediately and then every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.poll(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Aggregator) poll(ctx context.Context) {
	if err := a.Poll(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("presence poll failed", zap.Error(err))
	}
}

// Poll fetches once and replaces the snapshot. On failure the previous
// records are kept.
func (a *Aggregator) Poll(ctx context.Context) error {
	raw, err := a.src.Sessions(ctx)
	if err != nil {
		a.metrics.Presence(0, err)
		a.mu.Lock()
		a.snap.Err = err
		a.mu.Unlock()
		return fmt.Errorf("list sessions: %w", err)
	}

	now := a.now()
	records := Aggregate(raw, now, a.max)
	a.metrics.Presence(len(records), nil)
	a.log.Debug("presence updated", zap.Int("raw", len(raw)), zap.Int("records", len(records)))

	a.mu.Lock()
	a.snap = Snapshot{Records: records, At: now}
	snap := a.copyLocked()
	subs := make([]func(Snapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return nil
}

func (a *Aggregator) copyLocked() Snapshot {
	s := a.snap
	s.Records = append([]Record(nil), a.snap.Records...)
	return s
}

// Snapshot returns a copy of the latest snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocked()
}

// Subscribe calls fn after every successful poll.
func (a *Aggregator) Subscribe(fn func(Snapshot)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}
