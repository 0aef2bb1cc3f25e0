package sync

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
)

func TestConduitRoundTrip(t *testing.T) {
	record := types.ProcessRecord{
		Command:  types.CalcObjectID([]byte("command")),
		Output:   types.CalcObjectID([]byte("output")),
		Children: []types.ProcessID{types.NewProcessID(), types.NewProcessID()},
	}
	blob := codec.MustEncode(&types.Object{Kind: types.ObjectBlob, Data: []byte("hello")})
	sent := []Message{
		&GetProcessItemMessage{ID: types.NewProcessID(), Eager: true},
		&GetObjectItemMessage{ID: types.CalcObjectID(blob), Facet: FacetOutput},
		&GetProcessCompleteMessage{ID: types.NewProcessID(), Stored: types.ProcessStored{Subtree: true, NodeLog: true}},
		&GetObjectCompleteMessage{ID: types.CalcObjectID(blob), Stored: types.ObjectStored{Subtree: true}},
		&PutProcessItemMessage{ID: types.NewProcessID(), Record: record},
		&PutObjectItemMessage{ID: types.CalcObjectID(blob), Bytes: blob},
		&PutProcessSkipMessage{ID: types.NewProcessID()},
		&PutObjectSkipMessage{ID: types.CalcObjectID(blob)},
		&GetEndMessage{},
		&PutEndMessage{},
		&EndMessage{},
	}

	var stream bytes.Buffer
	c := newConduit(&stream, DefaultConfig().MaxFrameSize)
	for _, m := range sent {
		require.NoError(t, c.send(m))
	}
	for _, want := range sent {
		got, err := c.recv()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := c.recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestConduitRejectsOversizedFrame(t *testing.T) {
	var stream bytes.Buffer
	var size [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(size[:], 1<<40)
	stream.Write(size[:n])

	c := newConduit(&stream, DefaultConfig().MaxFrameSize)
	_, err := c.recv()
	require.ErrorIs(t, err, &ProtocolError{})
}

func TestConduitRejectsUnknownMessage(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{1, 0xff})

	c := newConduit(&stream, DefaultConfig().MaxFrameSize)
	_, err := c.recv()
	require.ErrorIs(t, err, &ProtocolError{})
}

func TestConduitRejectsEmptyFrame(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0})

	c := newConduit(&stream, DefaultConfig().MaxFrameSize)
	_, err := c.recv()
	require.ErrorIs(t, err, &ProtocolError{})
}
