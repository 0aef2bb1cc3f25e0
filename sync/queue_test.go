package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/common/types"
)

func TestQueueDrainsToZero(t *testing.T) {
	drained := make(chan struct{})
	q := NewQueue(func() { close(drained) })

	const n = 100
	for i := 0; i < n; i++ {
		q.EnqueueProcess(ProcessItem{ID: types.NewProcessID()})
	}
	q.SetDraining()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var consumed int
	for {
		batch, ok := q.PopProcesses(ctx, 16)
		if !ok {
			break
		}
		require.LessOrEqual(t, len(batch), 16)
		consumed += len(batch)
		q.Decrement(int64(len(batch)))
	}
	require.Equal(t, n, consumed)
	require.EqualValues(t, 0, q.Outstanding())
	select {
	case <-drained:
	default:
		t.Fatal("onDrained not invoked")
	}
}

func TestQueueTransientZeroDoesNotClose(t *testing.T) {
	q := NewQueue(nil)
	q.EnqueueObject(ObjectItem{ID: types.CalcObjectID([]byte("a"))})
	// The counter hits zero here, but more work may still arrive because
	// the queue is not draining yet.
	q.Decrement(1)

	q.EnqueueObject(ObjectItem{ID: types.CalcObjectID([]byte("b"))})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	batch, ok := q.PopObjects(ctx, 8)
	require.True(t, ok)
	require.Len(t, batch, 1)

	q.SetDraining()
	q.Decrement(1)
	_, ok = q.PopObjects(ctx, 8)
	require.False(t, ok)
}

func TestQueueCountsTransitiveWork(t *testing.T) {
	q := NewQueue(nil)
	q.EnqueueProcess(ProcessItem{ID: types.NewProcessID()})
	q.SetDraining()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	batch, ok := q.PopProcesses(ctx, 1)
	require.True(t, ok)
	require.Len(t, batch, 1)

	// Resolving the item produces children before it is decremented, so
	// the queue must stay open for them.
	q.EnqueueObject(ObjectItem{ID: types.CalcObjectID([]byte("child"))})
	q.Decrement(1)

	objects, ok := q.PopObjects(ctx, 1)
	require.True(t, ok)
	require.Len(t, objects, 1)
	q.Decrement(1)

	_, ok = q.PopProcesses(ctx, 1)
	require.False(t, ok)
	require.EqualValues(t, 0, q.Outstanding())
}

func TestQueueNeverNegative(t *testing.T) {
	q := NewQueue(nil)
	require.Panics(t, func() { q.Decrement(1) })
}
