// Package batch coalesces appointment mutations and applies them to the
// backing store in periodic, bounded batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRetriesExhausted = errors.New("batch: retries exhausted")
	ErrClosed           = errors.New("batch: queue closed")
)

// Permanent marks an apply error that retrying cannot fix, such as a
// rejected validation. The update is resolved with err right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

// errDeferred marks an item skipped because an earlier update for the same
// id failed in this flush. It goes back on the queue without using an
// attempt.
var errDeferred = errors.New("batch: deferred")

func isPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// ApplyFunc writes one queued update. It must be idempotent for a given id:
// failed updates are retried.
type ApplyFunc[T any] func(ctx context.Context, id string, payload T) error

type Options[T any] struct {
	Delay       time.Duration // wait between enqueue and flush, and between flushes
	Size        int           // max items popped per flush
	MaxAttempts int           // attempts before an item is given up
	// Coalesce merges an update into a still-pending update for the same id
	// instead of queueing a second write.
	Coalesce bool
	Merge    func(older, newer T) T
	Logger   zerolog.Logger
}

type FlushResult struct {
	Applied  int
	Retried  int
	Dropped  int
	Deferred int // held back behind a failed update for the same id
}

// Ticket reports the eventual outcome of an enqueued update.
type Ticket struct {
	done chan struct{}
	err  error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.err = err
	close(t.done)
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the outcome. It is only meaningful once Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item[T any] struct {
	id       string
	payload  T
	attempts int
	tickets  []*Ticket
}

type Queue[T any] struct {
	apply ApplyFunc[T]
	opts  Options[T]
	log   zerolog.Logger
	ctx   context.Context

	mu     sync.Mutex
	items  []*item[T]
	timer  *time.Timer
	closed bool

	flushMu sync.Mutex
}

// New creates a queue whose scheduled flushes run with ctx.
func New[T any](ctx context.Context, apply ApplyFunc[T], opts Options[T]) *Queue[T] {
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.Size <= 0 {
		opts.Size = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Merge == nil {
		opts.Merge = func(_, newer T) T { return newer }
	}
	return &Queue[T]{
		apply: apply,
		opts:  opts,
		log:   opts.Logger,
		ctx:   ctx,
	}
}

// Enqueue appends an update and schedules a flush if none is pending. It
// never blocks on the backing store.
func (q *Queue[T]) Enqueue(id string, payload T) *Ticket {
	t := newTicket()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		t.resolve(ErrClosed)
		return t
	}

	if q.opts.Coalesce {
		if pending := q.findLocked(id); pending != nil {
			pending.payload = q.opts.Merge(pending.payload, payload)
			pending.tickets = append(pending.tickets, t)
			return t
		}
	}

	q.items = append(q.items, &item[T]{id: id, payload: payload, tickets: []*Ticket{t}})
	q.scheduleLocked()
	return t
}

func (q *Queue[T]) findLocked(id string) *item[T] {
	for _, it := range q.items {
		if it.id == id {
			return it
		}
	}
	return nil
}

func (q *Queue[T]) scheduleLocked() {
	if q.timer != nil || q.closed || len(q.items) == 0 {
		return
	}
	q.timer = time.AfterFunc(q.opts.Delay, q.onTimer)
}

func (q *Queue[T]) onTimer() {
	q.mu.Lock()
	q.timer = nil
	q.mu.Unlock()

	if q.ctx.Err() != nil {
		return
	}
	q.Flush(q.ctx)
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush pops up to Size items and applies them, concurrently across ids and
// in queue order within one id. Failed items go back on the queue until
// MaxAttempts is reached. Another flush is scheduled while items remain.
func (q *Queue[T]) Flush(ctx context.Context) FlushResult {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	n := min(q.opts.Size, len(q.items))
	batch := make([]*item[T], n)
	copy(batch, q.items[:n])
	q.items = append([]*item[T](nil), q.items[n:]...)
	q.mu.Unlock()

	var res FlushResult
	if n == 0 {
		return res
	}

	// Updates for one id run in queue order; distinct ids run in parallel.
	byID := make(map[string][]int)
	var order []string
	for i, it := range batch {
		if _, ok := byID[it.id]; !ok {
			order = append(order, it.id)
		}
		byID[it.id] = append(byID[it.id], i)
	}

	errs := make([]error, n)
	var g errgroup.Group
	for _, id := range order {
		id := id
		g.Go(func() error {
			var failed bool
			for _, i := range byID[id] {
				if failed {
					errs[i] = errDeferred
					continue
				}
				errs[i] = q.apply(ctx, id, batch[i].payload)
				failed = errs[i] != nil && !isPermanent(errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range batch {
		err := errs[i]
		if err == nil {
			res.Applied++
			for _, t := range it.tickets {
				t.resolve(nil)
			}
			continue
		}

		if errors.Is(err, errDeferred) {
			res.Deferred++
			q.items = append(q.items, it)
			continue
		}

		it.attempts++
		var perm *permanentError
		if errors.As(err, &perm) {
			res.Dropped++
			q.log.Warn().Err(perm.err).Str("id", it.id).Msg("queued update rejected")
			for _, t := range it.tickets {
				t.resolve(perm.err)
			}
			continue
		}
		if it.attempts >= q.opts.MaxAttempts {
			res.Dropped++
			q.log.Error().Err(err).Str("id", it.id).Int("attempts", it.attempts).Msg("giving up on queued update")
			final := fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, it.attempts, err)
			for _, t := range it.tickets {
				t.resolve(final)
			}
			continue
		}

		res.Retried++
		q.log.Warn().Err(err).Str("id", it.id).Int("attempt", it.attempts).Msg("queued update failed, will retry")
		q.requeueLocked(it)
	}

	q.log.Debug().
		Int("applied", res.Applied).
		Int("retried", res.Retried).
		Int("dropped", res.Dropped).
		Int("deferred", res.Deferred).
		Int("pending", len(q.items)).
		Msg("batch flushed")

	q.scheduleLocked()
	return res
}

func (q *Queue[T]) requeueLocked(failed *item[T]) {
	if q.opts.Coalesce {
		if pending := q.findLocked(failed.id); pending != nil {
			pending.payload = q.opts.Merge(failed.payload, pending.payload)
			pending.tickets = append(failed.tickets, pending.tickets...)
			return
		}
	}
	q.items = append(q.items, failed)
}

// Close stops scheduled flushes and drains the queue. Updates still pending
// when ctx ends are resolved with ctx's error.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			q.abandon(err)
			return err
		}
		q.Flush(ctx)
	}
	return nil
}

func (q *Queue[T]) abandon(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		for _, t := range it.tickets {
			t.resolve(err)
		}
	}
	q.items = nil
}
