package types

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/codec"
)

func TestParseIDRoundTrip(t *testing.T) {
	proc := ProcessToID(NewProcessID())
	obj := ObjectToID(CalcObjectID([]byte("content")))

	for _, id := range []ID{proc, obj} {
		parsed, err := ParseID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}
}

func TestParseIDRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "bogus", "obj_zz", "pcs_00", "obj_"} {
		_, err := ParseID(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestProcessIDsAreTimeOrdered(t *testing.T) {
	a := NewProcessID()
	b := NewProcessID()
	require.NotEqual(t, a, b)
}

func TestIDScaleCodec(t *testing.T) {
	orig := ObjectToID(CalcObjectID([]byte("payload")))
	buf, err := codec.Encode(&orig)
	require.NoError(t, err)
	var decoded ID
	require.NoError(t, codec.Decode(buf, &decoded))
	require.Equal(t, orig, decoded)
}

func TestObjectIDMatchesContent(t *testing.T) {
	a := CalcObjectID([]byte("same"))
	b := CalcObjectID([]byte("same"))
	c := CalcObjectID([]byte("different"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
