package work

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Schedule enqueues additional items into the run a worker belongs to.
type Schedule[In any] func(items ...In)

// MapFunc processes one item. It may call schedule to grow the set of items
// the current `Collect` has to drain.
type MapFunc[In, Out any] func(ctx context.Context, item In, schedule Schedule[In]) ([]Out, error)

// MapperOption tunes a `Mapper`.
type MapperOption func(*mapperConfig)

type mapperConfig struct {
	limit int64
}

// WithLimit caps how many workers run at the same time. Limited mappers
// dispatch items in the order they were added. Zero or a negative value
// means every pending item is dispatched as soon as it exists.
func WithLimit(n int) MapperOption {
	return func(c *mapperConfig) {
		c.limit = int64(n)
	}
}

// Mapper is a fan-out over a set of items which can grow while it is being
// drained.
//
// Termination uses an open count: `Collect` returns once nothing is pending
// and no worker is in flight, re-checking after every completion. There is no
// ordering guarantee, outputs are accumulated in completion order.
//
// A worker returning an error (or panicking) contributes no output; the error
// is kept and returned, combined with the others, by `Collect`.
type Mapper[In, Out any] struct {
	fn  MapFunc[In, Out]
	sem *semaphore.Weighted

	lk       sync.Mutex
	pending  []In
	inflight int
	results  []Out
	errs     error

	// wake is 1-buffered so a completion that happens between a check and
	// the wait is never missed.
	wake chan struct{}
}

func NewMapper[In, Out any](fn MapFunc[In, Out], opts ...MapperOption) *Mapper[In, Out] {
	cfg := mapperConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Mapper[In, Out]{
		fn:   fn,
		wake: make(chan struct{}, 1),
	}
	if cfg.limit > 0 {
		m.sem = semaphore.NewWeighted(cfg.limit)
	}
	return m
}

// Add appends items to the pending set. It is safe to call while `Collect`
// is running.
func (m *Mapper[In, Out]) Add(items ...In) {
	if len(items) == 0 {
		return
	}
	m.lk.Lock()
	m.pending = append(m.pending, items...)
	m.lk.Unlock()
	m.notify()
}

// Collect drains the pending set, including everything scheduled by workers
// while it runs, and returns all outputs.
//
// Once ctx is done, items which were not dispatched yet are dropped, but
// in-flight workers are still awaited so their outputs are merged.
func (m *Mapper[In, Out]) Collect(ctx context.Context) ([]Out, error) {
	for {
		m.lk.Lock()
		batch := m.pending
		m.pending = nil
		if len(batch) > 0 && ctx.Err() != nil {
			m.errs = multierr.Append(m.errs, fmt.Errorf("%d items dropped: %w", len(batch), ctx.Err()))
			batch = nil
		}
		if len(batch) == 0 && m.inflight == 0 {
			results, errs := m.results, m.errs
			m.results, m.errs = nil, nil
			m.lk.Unlock()
			return results, errs
		}
		m.inflight += len(batch)
		m.lk.Unlock()

		for i, item := range batch {
			if m.sem != nil {
				if err := m.sem.Acquire(ctx, 1); err != nil {
					m.drop(len(batch)-i, err)
					break
				}
			}
			go m.run(ctx, item)
		}

		if len(batch) == 0 {
			<-m.wake
		}
	}
}

func (m *Mapper[In, Out]) run(ctx context.Context, item In) {
	out, err := m.call(ctx, item)
	if m.sem != nil {
		m.sem.Release(1)
	}

	m.lk.Lock()
	if err != nil {
		m.errs = multierr.Append(m.errs, err)
	} else {
		m.results = append(m.results, out...)
	}
	m.inflight--
	m.lk.Unlock()
	m.notify()
}

// drop forgets n items of a batch which could not be dispatched.
func (m *Mapper[In, Out]) drop(n int, cause error) {
	m.lk.Lock()
	m.inflight -= n
	m.errs = multierr.Append(m.errs, fmt.Errorf("%d items dropped: %w", n, cause))
	m.lk.Unlock()
}

func (m *Mapper[In, Out]) call(ctx context.Context, item In) (out []Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("work: worker panicked: %v", r)
		}
	}()
	return m.fn(ctx, item, m.Add)
}

func (m *Mapper[In, Out]) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
