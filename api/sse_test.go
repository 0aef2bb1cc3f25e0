package api

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSEFrameRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newSSEWriter(rec)
	frames := [][]byte{
		[]byte("first frame"),
		[]byte{0x00, 0x01, 0xff},
	}
	for _, frame := range frames {
		n, err := w.Write(frame)
		require.NoError(t, err)
		require.Equal(t, len(frame), n)
	}

	r := newSSEReader(rec.Body)
	got, err := io.ReadAll(io.LimitReader(r, int64(len(frames[0])+len(frames[1]))))
	require.NoError(t, err)
	require.Equal(t, append(frames[0], frames[1]...), got)
}

func TestSSEErrorTrailer(t *testing.T) {
	rec := httptest.NewRecorder()
	w := newSSEWriter(rec)
	_, err := w.Write([]byte("payload"))
	require.NoError(t, err)
	w.WriteError(errors.New("store exploded"))

	// The trailer is carried under the x-tg-event field.
	require.Contains(t, rec.Body.String(), "x-tg-event: error\n")

	r := newSSEReader(strings.NewReader(rec.Body.String()))
	buf := make([]byte, len("payload"))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf))

	_, err = r.Read(buf)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "store exploded", remote.Message)
}
