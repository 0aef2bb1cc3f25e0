package sync

import (
	"bytes"
	"context"
	"net"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
	"github.com/tangramdotdev/tangram/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db := sql.InMemory(sql.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { db.Close() })
	return store.New(zaptest.NewLogger(t), db)
}

func storeObject(t *testing.T, st *store.Store, kind types.ObjectKind, children []types.ObjectID, data []byte) types.ObjectID {
	t.Helper()
	blob := codec.MustEncode(&types.Object{Kind: kind, Children: children, Data: data})
	id := types.CalcObjectID(blob)
	require.NoError(t, st.PutObject(id, blob))
	return id
}

func storeProcess(t *testing.T, st *store.Store, record *types.ProcessRecord) types.ProcessID {
	t.Helper()
	id := types.NewProcessID()
	require.NoError(t, st.PutProcess(id, record))
	return id
}

// runPair drives an initiating session against a serving session over an
// in-memory duplex stream.
func runPair(t *testing.T, client, server *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	connClient, connServer := net.Pipe()
	var eg errgroup.Group
	eg.Go(func() error { return client.Run(ctx, connClient) })
	eg.Go(func() error { return server.Run(ctx, connServer) })
	return eg.Wait()
}

func requireHasObject(t *testing.T, st *store.Store, id types.ObjectID) {
	t.Helper()
	_, _, err := st.GetObject(id)
	require.NoError(t, err, "object %s missing", id)
}

func TestSessionPullTransfersEverything(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	leaf1 := storeObject(t, src, types.ObjectBlob, nil, []byte("artifact one"))
	leaf2 := storeObject(t, src, types.ObjectBlob, nil, []byte("artifact two"))
	dir := storeObject(t, src, types.ObjectDirectory, []types.ObjectID{leaf1, leaf2}, nil)
	leaf3 := storeObject(t, src, types.ObjectBlob, nil, []byte("artifact three"))

	child1 := storeProcess(t, src, &types.ProcessRecord{Output: dir})
	child2 := storeProcess(t, src, &types.ProcessRecord{Output: leaf3})
	root := storeProcess(t, src, &types.ProcessRecord{Children: []types.ProcessID{child1, child2}})

	arg := Arg{
		Get:       true,
		Recursive: true,
		Outputs:   true,
		Items:     []types.ID{types.ProcessToID(root)},
	}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, dst)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), src, WithServerRole())
	require.NoError(t, runPair(t, client, server))
	require.EqualValues(t, 0, client.Outstanding())

	for _, id := range []types.ProcessID{root, child1, child2} {
		_, err := dst.GetProcess(id)
		require.NoError(t, err)
	}
	for _, id := range []types.ObjectID{leaf1, leaf2, dir, leaf3} {
		requireHasObject(t, dst, id)
	}

	// Leaves are marked subtree-complete as they arrive.
	comps, err := dst.TouchObjects([]types.ObjectID{leaf1, leaf3})
	require.NoError(t, err)
	for _, comp := range comps {
		require.NotNil(t, comp)
		require.True(t, comp.Stored.Subtree)
	}
}

func TestSessionPushTransfersEverything(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	leaf := storeObject(t, src, types.ObjectBlob, nil, []byte("pushed artifact"))
	dir := storeObject(t, src, types.ObjectDirectory, []types.ObjectID{leaf}, nil)
	child := storeProcess(t, src, &types.ProcessRecord{Output: dir})
	root := storeProcess(t, src, &types.ProcessRecord{Children: []types.ProcessID{child}})

	arg := Arg{
		Put:       true,
		Recursive: true,
		Outputs:   true,
		Eager:     true,
		Items:     []types.ID{types.ProcessToID(root)},
	}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, src)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), dst, WithServerRole())
	require.NoError(t, runPair(t, client, server))

	for _, id := range []types.ProcessID{root, child} {
		_, err := dst.GetProcess(id)
		require.NoError(t, err)
	}
	requireHasObject(t, dst, dir)
	requireHasObject(t, dst, leaf)
}

func TestSessionEagerPushSkipsMissingItems(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	// The source's records name a child process and a blob it does not
	// actually hold. The push must complete anyway, transferring what
	// exists and telling the peer about the rest.
	ghostChild := types.NewProcessID()
	ghostBlob := types.CalcObjectID([]byte("never stored"))
	dir := storeObject(t, src, types.ObjectDirectory, []types.ObjectID{ghostBlob}, nil)
	root := storeProcess(t, src, &types.ProcessRecord{
		Output:   dir,
		Children: []types.ProcessID{ghostChild},
	})

	arg := Arg{
		Put:       true,
		Recursive: true,
		Outputs:   true,
		Eager:     true,
		Items:     []types.ID{types.ProcessToID(root)},
	}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, src)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), dst, WithServerRole())
	require.NoError(t, runPair(t, client, server))
	require.EqualValues(t, 0, client.Outstanding())
	require.EqualValues(t, 0, server.Outstanding())

	_, err := dst.GetProcess(root)
	require.NoError(t, err)
	requireHasObject(t, dst, dir)
	_, err = dst.GetProcess(ghostChild)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = dst.GetObject(ghostBlob)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionEagerPullSkipsMissingItems(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	ghostChild := types.NewProcessID()
	root := storeProcess(t, src, &types.ProcessRecord{
		Children: []types.ProcessID{ghostChild},
	})

	arg := Arg{
		Get:       true,
		Recursive: true,
		Eager:     true,
		Items:     []types.ID{types.ProcessToID(root)},
	}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, dst)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), src, WithServerRole())
	require.NoError(t, runPair(t, client, server))
	require.EqualValues(t, 0, client.Outstanding())

	_, err := dst.GetProcess(root)
	require.NoError(t, err)
	_, err = dst.GetProcess(ghostChild)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// recordingConn captures everything read from the peer.
type recordingConn struct {
	net.Conn
	mu   gosync.Mutex
	read bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.mu.Lock()
	c.read.Write(p[:n])
	c.mu.Unlock()
	return n, err
}

func (c *recordingConn) recorded() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.read.Bytes())
}

func TestSessionPullPrunesCompleteSubtrees(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	// Both sides hold the output tree; only the source knows the process.
	sentinel := []byte("must never cross the wire")
	var dir types.ObjectID
	for _, st := range []*store.Store{src, dst} {
		leaf := storeObject(t, st, types.ObjectBlob, nil, sentinel)
		dir = storeObject(t, st, types.ObjectDirectory, []types.ObjectID{leaf}, nil)
	}
	// The destination index knows the tree is complete.
	require.NoError(t, dst.UpdateObjectStored(dir, types.ObjectStored{Subtree: true}, types.Metadata{Count: 2}))

	root := storeProcess(t, src, &types.ProcessRecord{Output: dir})

	arg := Arg{
		Get:       true,
		Recursive: true,
		Outputs:   true,
		Items:     []types.ID{types.ProcessToID(root)},
	}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, dst)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), src, WithServerRole())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	connClient, connServer := net.Pipe()
	recording := &recordingConn{Conn: connClient}
	var eg errgroup.Group
	eg.Go(func() error { return client.Run(ctx, recording) })
	eg.Go(func() error { return server.Run(ctx, connServer) })
	require.NoError(t, eg.Wait())

	_, err := dst.GetProcess(root)
	require.NoError(t, err)
	require.False(t, bytes.Contains(recording.recorded(), sentinel),
		"complete subtree must not be transferred")
}

func TestSessionForceRefetchesCompleteItems(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	payload := []byte("refetched payload")
	srcLeaf := storeObject(t, src, types.ObjectBlob, nil, payload)
	root := storeProcess(t, src, &types.ProcessRecord{Output: srcLeaf})

	// The destination claims completeness for the root it does not
	// actually hold the output of.
	require.NoError(t, dst.PutProcess(root, &types.ProcessRecord{Output: srcLeaf}))
	require.NoError(t, dst.UpdateProcessStored(root, types.ProcessStored{Subtree: true, SubtreeOutput: true, NodeOutput: true}, types.Metadata{}))

	arg := Arg{
		Get:       true,
		Recursive: true,
		Outputs:   true,
		Force:     true,
		Items:     []types.ID{types.ProcessToID(root)},
	}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, dst)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), src, WithServerRole())
	require.NoError(t, runPair(t, client, server))
	requireHasObject(t, dst, srcLeaf)
}

func TestSessionRejectsCorruptObject(t *testing.T) {
	dst := newTestStore(t)
	logger := zaptest.NewLogger(t)
	in := make(chan PutMessage, 1)
	driver := newGetDriver(logger, DefaultConfig(), Arg{Get: true}, true, false, NewGraph(), dst, in)

	blob := codec.MustEncode(&types.Object{Kind: types.ObjectBlob, Data: []byte("payload")})
	err := driver.receiveObject(&PutObjectItemMessage{
		ID:    types.CalcObjectID([]byte("some other bytes")),
		Bytes: blob,
	})
	require.ErrorIs(t, err, &ProtocolError{})
}

func TestSessionDisabledDirectionsStillTerminate(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	arg := Arg{Get: true}
	client := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg, dst)
	server := NewSession(zaptest.NewLogger(t), DefaultConfig(), arg.Flip(), src, WithServerRole())
	require.NoError(t, runPair(t, client, server))
}
