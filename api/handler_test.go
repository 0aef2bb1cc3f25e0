package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
	"github.com/tangramdotdev/tangram/store"
	"github.com/tangramdotdev/tangram/sync"
)

func newHandler(t *testing.T, remotes map[string]*Client) *Handler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	db := sql.InMemory(sql.WithLogger(logger))
	t.Cleanup(func() { db.Close() })
	return NewHandler(logger, store.New(logger, db), sync.DefaultConfig(), remotes)
}

func TestDecodeArg(t *testing.T) {
	procID := types.ProcessToID(types.NewProcessID())
	objID := types.ObjectToID(types.CalcObjectID([]byte("obj")))
	values := url.Values{}
	values.Set("get", "true")
	values.Set("recursive", "1")
	values.Set("outputs", "yes")
	values.Set("local", "false")
	values.Add("items", procID.String())
	values.Add("items", objID.String())
	values.Add("remotes", "origin")

	arg, err := DecodeArg(values)
	require.NoError(t, err)
	require.True(t, arg.Get)
	require.False(t, arg.Put)
	require.True(t, arg.Recursive)
	require.True(t, arg.Outputs)
	require.NotNil(t, arg.Local)
	require.False(t, *arg.Local)
	require.Equal(t, []types.ID{procID, objID}, arg.Items)
	require.Equal(t, []string{"origin"}, arg.Remotes)
}

func TestDecodeArgRejectsBadItem(t *testing.T) {
	values := url.Values{}
	values.Add("items", "bogus")
	_, err := DecodeArg(values)
	require.Error(t, err)
}

func TestEncodeDecodeArgRoundTrip(t *testing.T) {
	local := true
	arg := sync.Arg{
		Get:       true,
		Recursive: true,
		Commands:  true,
		Eager:     true,
		Local:     &local,
		Remotes:   []string{"origin"},
		Items:     []types.ID{types.ProcessToID(types.NewProcessID())},
	}
	decoded, err := DecodeArg(EncodeArg(arg))
	require.NoError(t, err)
	require.Equal(t, arg, decoded)
}

func TestHandlerRejectsUnsupportedAccept(t *testing.T) {
	h := newHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/sync?get=true", strings.NewReader(""))
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestHandlerRejectsUnknownRemote(t *testing.T) {
	h := newHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/sync?get=true&remotes=nowhere", strings.NewReader(""))
	req.Header.Set("Accept", contentTypeEventStream)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerForwardsNamedRemoteVerbatim(t *testing.T) {
	logger := zaptest.NewLogger(t)

	// The origin is a stub so the test can observe exactly what the
	// front server forwards.
	var gotQuery url.Values
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", contentTypeEventStream)
		newSSEWriter(w).WriteError(&RemoteError{Message: "served by origin"})
	}))
	defer origin.Close()

	front := httptest.NewServer(muxFor(newHandler(t, map[string]*Client{
		"origin": NewClient(logger, origin.URL),
	})))
	defer front.Close()

	client := NewClient(logger, front.URL)
	arg := sync.Arg{Get: true, Remotes: []string{"origin"}}
	stream, err := client.Sync(context.Background(), arg)
	require.NoError(t, err)
	defer stream.Close()

	buf := make([]byte, 1)
	_, err = stream.Read(buf)
	require.ErrorContains(t, err, "served by origin")

	// The query reached the origin unmodified.
	require.Equal(t, "true", gotQuery.Get("get"))
	require.Equal(t, []string{"origin"}, gotQuery["remotes"])
}

func TestHandlerServesLocalWhenPinned(t *testing.T) {
	logger := zaptest.NewLogger(t)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("pinned-local session must not reach the remote")
	}))
	defer origin.Close()

	front := httptest.NewServer(muxFor(newHandler(t, map[string]*Client{
		"origin": NewClient(logger, origin.URL),
	})))
	defer front.Close()

	local := true
	arg := sync.Arg{Get: true, Local: &local, Remotes: []string{"origin"}}
	client := NewClient(logger, front.URL)
	stream, err := client.Sync(context.Background(), arg)
	require.NoError(t, err)
	stream.Close()
}

func muxFor(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}
