package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/collector"
)

type fakeCollector struct {
	calls    int
	deadline bool
	err      error
}

func (f *fakeCollector) Collect(ctx context.Context, hostIDs []int64) ([]collector.HostResult, error) {
	f.calls++
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	return []collector.HostResult{
		{HostID: 1, Status: collector.StatusSuccess},
		{HostID: 2, Status: collector.StatusFailed},
	}, nil
}

type fakePruner struct {
	cutoffs []time.Time
}

func (f *fakePruner) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 4, nil
}

func newTestScheduler(t *testing.T, c Collector, p Pruner, opts Options) *Scheduler {
	t.Helper()
	if opts.Schedule == "" {
		opts.Schedule = "0 2 * * *"
	}
	s, err := New(context.Background(), c, p, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	tests := []string{"", "every night", "61 2 * * *"}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := New(context.Background(), &fakeCollector{}, nil, Options{Schedule: expr}, zap.NewNop()); err == nil {
				t.Errorf("schedule %q accepted", expr)
			}
		})
	}
}

func TestRunCollectionPrunesHistory(t *testing.T) {
	c := &fakeCollector{}
	p := &fakePruner{}
	s := newTestScheduler(t, c, p, Options{Timeout: time.Hour, Retention: 90 * 24 * time.Hour})

	now := time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.runCollection(context.Background())

	if c.calls != 1 || !c.deadline {
		t.Errorf("collector calls = %d, deadline = %v", c.calls, c.deadline)
	}
	if len(p.cutoffs) != 1 || !p.cutoffs[0].Equal(now.Add(-90*24*time.Hour)) {
		t.Errorf("prune cutoffs = %v", p.cutoffs)
	}
}

func TestRunCollectionWithoutRetention(t *testing.T) {
	c := &fakeCollector{}
	p := &fakePruner{}
	s := newTestScheduler(t, c, p, Options{})

	s.runCollection(context.Background())

	if c.calls != 1 || c.deadline {
		t.Errorf("collector calls = %d, deadline = %v", c.calls, c.deadline)
	}
	if len(p.cutoffs) != 0 {
		t.Errorf("pruned with zero retention: %v", p.cutoffs)
	}
}

func TestRunCollectionFailureSkipsPrune(t *testing.T) {
	c := &fakeCollector{err: errors.New("database is locked")}
	p := &fakePruner{}
	s := newTestScheduler(t, c, p, Options{Retention: time.Hour})

	s.runCollection(context.Background())

	if len(p.cutoffs) != 0 {
		t.Error("pruned after a failed collection")
	}
}

func TestRunCollectionAfterShutdown(t *testing.T) {
	c := &fakeCollector{}
	s := newTestScheduler(t, c, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.runCollection(ctx)

	if c.calls != 0 {
		t.Errorf("collected %d times with a cancelled context", c.calls)
	}
}
