package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
)

func newStore(t *testing.T, opts ...Opt) *Store {
	t.Helper()
	db := sql.InMemory(sql.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { db.Close() })
	return New(zaptest.NewLogger(t), db, opts...)
}

func encodeObject(t *testing.T, kind types.ObjectKind, children []types.ObjectID, data []byte) (types.ObjectID, []byte) {
	t.Helper()
	blob := codec.MustEncode(&types.Object{Kind: kind, Children: children, Data: data})
	return types.CalcObjectID(blob), blob
}

func TestPutObjectRoundTrip(t *testing.T) {
	s := newStore(t)
	id, blob := encodeObject(t, types.ObjectBlob, nil, []byte("payload"))

	require.NoError(t, s.PutObject(id, blob))
	// Idempotent.
	require.NoError(t, s.PutObject(id, blob))

	kind, got, err := s.GetObject(id)
	require.NoError(t, err)
	require.Equal(t, types.ObjectBlob, kind)
	require.Equal(t, blob, got)
}

func TestPutObjectVerifiesHash(t *testing.T) {
	s := newStore(t)
	_, blob := encodeObject(t, types.ObjectBlob, nil, []byte("payload"))
	wrong := types.CalcObjectID([]byte("different"))
	require.ErrorIs(t, s.PutObject(wrong, blob), ErrHashMismatch)
}

func TestPutObjectRejectsMalformed(t *testing.T) {
	s := newStore(t)
	blob := []byte{0xde, 0xad, 0xbe, 0xef}
	require.Error(t, s.PutObject(types.CalcObjectID(blob), blob))
}

func TestGetObjectNotFound(t *testing.T) {
	s := newStore(t)
	_, _, err := s.GetObject(types.CalcObjectID([]byte("missing")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetObjectChildren(t *testing.T) {
	s := newStore(t)
	leaf, leafBlob := encodeObject(t, types.ObjectBlob, nil, []byte("leaf"))
	require.NoError(t, s.PutObject(leaf, leafBlob))
	dir, dirBlob := encodeObject(t, types.ObjectDirectory, []types.ObjectID{leaf}, nil)
	require.NoError(t, s.PutObject(dir, dirBlob))

	children, err := s.GetObjectChildren(dir)
	require.NoError(t, err)
	require.Equal(t, []types.ObjectID{leaf}, children)
}

func TestProcessRoundTrip(t *testing.T) {
	s := newStore(t)
	record := &types.ProcessRecord{
		Output:   types.CalcObjectID([]byte("out")),
		Children: []types.ProcessID{types.NewProcessID()},
	}
	id := types.NewProcessID()
	require.NoError(t, s.PutProcess(id, record))

	got, err := s.GetProcess(id)
	require.NoError(t, err)
	require.Equal(t, record, got)
}

func TestTouchBatchReportsAbsent(t *testing.T) {
	s := newStore(t)
	present, blob := encodeObject(t, types.ObjectBlob, nil, []byte("present"))
	require.NoError(t, s.PutObject(present, blob))
	absent := types.CalcObjectID([]byte("absent"))

	comps, err := s.TouchObjects([]types.ObjectID{present, absent, present})
	require.NoError(t, err)
	require.Len(t, comps, 3)
	require.NotNil(t, comps[0])
	require.Nil(t, comps[1])
	require.NotNil(t, comps[2])
	require.Equal(t, types.ObjectBlob, comps[0].Kind)
	require.False(t, comps[0].Stored.Subtree)
}

func TestUpdateStoredMerges(t *testing.T) {
	s := newStore(t)
	id, blob := encodeObject(t, types.ObjectBlob, nil, []byte("payload"))
	require.NoError(t, s.PutObject(id, blob))

	require.NoError(t, s.UpdateObjectStored(id, types.ObjectStored{Subtree: true}, types.Metadata{Count: 1, Weight: 7}))
	// A later empty update must not regress completeness.
	require.NoError(t, s.UpdateObjectStored(id, types.ObjectStored{}, types.Metadata{}))

	comps, err := s.TouchObjects([]types.ObjectID{id})
	require.NoError(t, err)
	require.NotNil(t, comps[0])
	require.True(t, comps[0].Stored.Subtree)
	require.EqualValues(t, 1, comps[0].Metadata.Count)
	require.EqualValues(t, 7, comps[0].Metadata.Weight)
}

func TestCleanRemovesOnlyUntouched(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newStore(t, WithClock(clock))

	kept, keptBlob := encodeObject(t, types.ObjectBlob, nil, []byte("kept"))
	dropped, droppedBlob := encodeObject(t, types.ObjectBlob, nil, []byte("dropped"))
	require.NoError(t, s.PutObject(kept, keptBlob))
	require.NoError(t, s.PutObject(dropped, droppedBlob))

	clock.Advance(48 * time.Hour)
	_, err := s.TouchObjects([]types.ObjectID{kept})
	require.NoError(t, err)

	removed, err := s.Clean(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, _, err = s.GetObject(kept)
	require.NoError(t, err)
	_, _, err = s.GetObject(dropped)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStartSyncExcludesClean(t *testing.T) {
	s := newStore(t)
	release := s.StartSync()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Clean(context.Background(), 0)
		require.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("clean ran while a sync session was active")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("clean did not run after release")
	}
}
