package sync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tangramdotdev/tangram/common/types"
)

// ProcessItem is a pending process awaiting a fetch or push decision.
type ProcessItem struct {
	ID     types.ProcessID
	Parent *types.ID
	// Eager marks items the peer is expected to push without a request.
	Eager bool
	// Required marks items the peer explicitly asked for; failing to
	// serve one fails the session.
	Required bool
}

// ObjectItem is a pending object awaiting a fetch or push decision.
type ObjectItem struct {
	ID       types.ObjectID
	Parent   *types.ID
	Facet    Facet
	Eager    bool
	Required bool
}

// mpmc is an unbounded multi-producer/multi-consumer list with blocking
// batched consumption.
type mpmc[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newMpmc[T any]() *mpmc[T] {
	return &mpmc[T]{signal: make(chan struct{}, 1)}
}

func (q *mpmc[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *mpmc[T]) push(items ...T) {
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.wake()
}

func (q *mpmc[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// pop blocks until up to max items are available or the queue is closed
// and drained. The second return is false once no more items will come.
func (q *mpmc[T]) pop(ctx context.Context, max int) ([]T, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := min(max, len(q.items))
			batch := make([]T, n)
			copy(batch, q.items[:n])
			q.items = q.items[n:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()
			if more {
				// Cascade the wakeup to sibling consumers.
				q.wake()
			}
			return batch, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			// Wake the next consumer so all of them observe the close.
			q.wake()
			return nil, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Queue decouples "a node needs evaluating" from "evaluate it now".
// Processes and objects are kept separate because their evaluation logic
// and batch sizes differ. The outstanding counter tracks work that has
// been discovered but not yet resolved; the whole direction is done when
// it reaches zero.
type Queue struct {
	processes *mpmc[ProcessItem]
	objects   *mpmc[ObjectItem]

	outstanding atomic.Int64
	draining    atomic.Bool
	onDrained   func()
	drainOnce   sync.Once
}

// NewQueue creates a queue. onDrained is invoked exactly once, when the
// queue is draining and the outstanding counter returns to zero.
func NewQueue(onDrained func()) *Queue {
	return &Queue{
		processes: newMpmc[ProcessItem](),
		objects:   newMpmc[ObjectItem](),
		onDrained: onDrained,
	}
}

// SetDraining declares that no producer outside the queue's own consumers
// will add more items. Once draining, an outstanding count of zero means
// the whole direction is done.
func (q *Queue) SetDraining() {
	q.draining.Store(true)
	q.maybeDone()
}

func (q *Queue) maybeDone() {
	if q.draining.Load() && q.outstanding.Load() == 0 {
		q.drainOnce.Do(func() {
			q.Close()
			if q.onDrained != nil {
				q.onDrained()
			}
		})
	}
}

// EnqueueProcess adds pending processes and counts them as outstanding.
func (q *Queue) EnqueueProcess(items ...ProcessItem) {
	if len(items) == 0 {
		return
	}
	q.Increment(int64(len(items)))
	q.processes.push(items...)
}

// EnqueueObject adds pending objects and counts them as outstanding.
func (q *Queue) EnqueueObject(items ...ObjectItem) {
	if len(items) == 0 {
		return
	}
	q.Increment(int64(len(items)))
	q.objects.push(items...)
}

// Increment adds n to the outstanding counter.
func (q *Queue) Increment(n int64) {
	q.outstanding.Add(n)
}

// Decrement subtracts n from the outstanding counter. When the counter
// reaches zero on a draining queue, the queue closes and consumers drain.
// The counter must never go negative.
func (q *Queue) Decrement(n int64) {
	v := q.outstanding.Add(-n)
	if v < 0 {
		panic("sync: queue outstanding counter went negative")
	}
	if v == 0 {
		q.maybeDone()
	}
}

// Outstanding returns the current count of unresolved work, for progress
// reporting.
func (q *Queue) Outstanding() int64 {
	return q.outstanding.Load()
}

// Close stops consumers after the remaining items are drained.
func (q *Queue) Close() {
	q.processes.close()
	q.objects.close()
}

// PopProcesses returns the next batch of pending processes.
func (q *Queue) PopProcesses(ctx context.Context, max int) ([]ProcessItem, bool) {
	return q.processes.pop(ctx, max)
}

// PopObjects returns the next batch of pending objects.
func (q *Queue) PopObjects(ctx context.Context, max int) ([]ObjectItem, bool) {
	return q.objects.pop(ctx, max)
}
