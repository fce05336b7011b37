package deepscan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a Cache
type Options struct {
	// Freshness is the staleness horizon. Zero means data is fresh for the
	// rest of the calendar day it was collected on (in Location).
	Freshness time.Duration
	Location  *time.Location
	Workers   int
	QueueSize int
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Cache is the deep-scan cache. Entries are created lazily, one per key, and
// live for the life of the process. The map lock only guards lookup and
// insert; every state transition of an entry happens under that entry's own
// lock and never across remote I/O.
type Cache struct {
	logger  *zap.Logger
	scanner Scanner
	pool    *Pool
	fresh   func(collectedAt, now time.Time) bool
	now     func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	root    context.Context // parent of every scan, cancelled by Stop
	cancel  context.CancelFunc
}

type entry struct {
	mu          sync.Mutex
	items       Items
	collectedAt time.Time
	ready       bool
	inflight    *flight // latest scan for this key, nil when idle
	lastErr     error
}

// flight is one scan. Callers that arrive while it runs wait on done.
type flight struct {
	done  chan struct{}
	items Items
	at    time.Time
	err   error
}

// New creates a cache. Start must be called before stale entries can refresh.
func New(scanner Scanner, opts Options, logger *zap.Logger) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	c := &Cache{
		logger:  logger,
		scanner: scanner,
		pool:    NewPool(opts.Workers, opts.QueueSize, logger),
		now:     now,
		entries: make(map[Key]*entry),
		root:    context.Background(),
	}

	if opts.Freshness > 0 {
		horizon := opts.Freshness
		c.fresh = func(collectedAt, now time.Time) bool {
			return now.Sub(collectedAt) < horizon
		}
	} else {
		c.fresh = func(collectedAt, now time.Time) bool {
			y1, m1, d1 := collectedAt.In(loc).Date()
			y2, m2, d2 := now.In(loc).Date()
			return y1 == y2 && m1 == m2 && d1 == d2
		}
	}
	return c
}

// Start launches the background refresh workers. Every scan started from
// now on, waited-for or background, runs under ctx.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel == nil {
		c.root, c.cancel = context.WithCancel(ctx)
	}
	root := c.root
	c.mu.Unlock()

	c.pool.Start(root)
}

// Stop cancels running scans and waits for the background workers
func (c *Cache) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.pool.Stop()
}

func (c *Cache) rootContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

func (c *Cache) entry(key Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Get returns the analysis for key.
//
// An empty entry, or force, makes the caller wait for a fresh scan; callers
// arriving for an empty entry while a scan runs share it. Fresh data is
// served as is. Stale data is served immediately and at most one background
// refresh is queued. A forced scan supersedes, but does not cancel, a
// background refresh already running for the key.
func (c *Cache) Get(ctx context.Context, key Key, force bool) (Result, error) {
	e := c.entry(key)

	e.mu.Lock()
	switch {
	case force:
		f := c.launch(e, key)
		e.mu.Unlock()
		return c.wait(ctx, key, e, f)

	case !e.ready:
		f := e.inflight
		if f == nil {
			f = c.launch(e, key)
		}
		e.mu.Unlock()
		return c.wait(ctx, key, e, f)
	}
	defer e.mu.Unlock()

	now := c.now()
	if c.fresh(e.collectedAt, now) {
		return e.snapshot(key, false), nil
	}

	if e.inflight == nil {
		f := &flight{done: make(chan struct{})}
		submitted := c.pool.TrySubmit(func(ctx context.Context) {
			c.run(ctx, key, e, f)
		})
		if submitted {
			e.inflight = f
			c.logger.Debug("Queued background deep scan refresh", zap.Stringer("key", key))
		} else {
			c.logger.Warn("Deep scan refresh not queued, serving stale data",
				zap.Stringer("key", key))
		}
	}

	return e.snapshot(key, true), nil
}

// launch starts a scan in its own goroutine and makes it the entry's
// current flight. The scan runs under the cache's root context, not the
// caller's, so other waiters and the cache still get its result after the
// caller gives up. Must hold e.mu.
func (c *Cache) launch(e *entry, key Key) *flight {
	f := &flight{done: make(chan struct{})}
	e.inflight = f
	go c.run(c.rootContext(), key, e, f)
	return f
}

func (c *Cache) wait(ctx context.Context, key Key, e *entry, f *flight) (Result, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return Result{Key: key}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if f.err != nil {
		res := e.snapshot(key, e.ready && !c.fresh(e.collectedAt, c.now()))
		res.Error = f.err
		return res, f.err
	}
	return Result{
		Key:         key,
		Items:       f.items,
		CollectedAt: f.at,
		IsStale:     false,
		Refreshing:  e.inflight != nil,
	}, nil
}

// run executes the scan and installs the outcome
func (c *Cache) run(ctx context.Context, key Key, e *entry, f *flight) {
	start := time.Now()
	items, err := c.scan(ctx, key)

	e.mu.Lock()
	if err != nil {
		f.err = &RefreshError{Key: key, At: c.now(), Err: err}
		e.lastErr = f.err
		c.logger.Warn("Deep scan failed",
			zap.Stringer("key", key),
			zap.Bool("had_data", e.ready),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		at := c.now()
		// collected-at only moves forward, even with a coarse clock
		if !at.After(e.collectedAt) {
			at = e.collectedAt.Add(time.Nanosecond)
		}
		f.items, f.at = items, at
		e.items, e.collectedAt, e.ready, e.lastErr = items, at, true, nil
		c.logger.Debug("Deep scan installed",
			zap.Stringer("key", key),
			zap.Duration("duration", time.Since(start)))
	}
	if e.inflight == f {
		e.inflight = nil
	}
	e.mu.Unlock()

	close(f.done)
}

// scan calls the scanner, turning a panic into an error so the flight
// still completes
func (c *Cache) scan(ctx context.Context, key Key) (items Items, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Deep scan panicked",
				zap.Stringer("key", key),
				zap.Any("panic", r),
				zap.Stack("stack"))
			items, err = Items{}, fmt.Errorf("scan panicked: %v", r)
		}
	}()
	return c.scanner.Scan(ctx, key)
}

// snapshot copies the entry for a caller. Must hold e.mu.
func (e *entry) snapshot(key Key, stale bool) Result {
	return Result{
		Key:         key,
		Items:       e.items,
		CollectedAt: e.collectedAt,
		IsStale:     stale,
		Refreshing:  e.inflight != nil,
		Error:       e.lastErr,
	}
}

// Stats summarises the cache for monitoring
type Stats struct {
	Entries    map[Kind]int `json:"entries"`
	Refreshing int          `json:"refreshing"`
	Errored    int          `json:"errored"`
	Queued     int          `json:"queued"`
}

// Stats counts entries per kind plus refreshing and errored entries
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := make(map[Key]*entry, len(c.entries))
	for k, e := range c.entries {
		entries[k] = e
	}
	c.mu.Unlock()

	st := Stats{Entries: make(map[Kind]int), Queued: c.pool.Queued()}
	for k, e := range entries {
		e.mu.Lock()
		if e.ready {
			st.Entries[k.Kind]++
		}
		if e.inflight != nil {
			st.Refreshing++
		}
		if e.lastErr != nil {
			st.Errored++
		}
		e.mu.Unlock()
	}
	return st
}
