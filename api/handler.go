package api

import (
	"io"
	"net/http"
	"net/url"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/store"
	"github.com/tangramdotdev/tangram/sync"
)

// localRemote is the reserved remote name selecting the handling server's
// own store.
const localRemote = "local"

// Handler serves POST /sync. Sessions naming a configured remote are
// proxied to it verbatim; everything else runs against the local store.
type Handler struct {
	logger  *zap.Logger
	store   *store.Store
	cfg     sync.Config
	remotes map[string]*Client
	limiter *rate.Limiter
}

// HandlerOpt modifies a handler.
type HandlerOpt func(*Handler)

// WithRateLimit bounds the rate of accepted sync sessions.
func WithRateLimit(limit rate.Limit, burst int) HandlerOpt {
	return func(h *Handler) { h.limiter = rate.NewLimiter(limit, burst) }
}

// NewHandler creates the sync handler. remotes maps remote names to
// clients for forwarding.
func NewHandler(logger *zap.Logger, store *store.Store, cfg sync.Config, remotes map[string]*Client, opts ...HandlerOpt) *Handler {
	h := &Handler{
		logger:  logger.Named("api"),
		store:   store,
		cfg:     cfg,
		remotes: remotes,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register installs the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /sync", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "too many sync sessions", http.StatusTooManyRequests)
		return
	}
	if !acceptsEventStream(r) {
		http.Error(w, "accept header must include text/event-stream", http.StatusNotAcceptable)
		return
	}
	arg, err := DecodeArg(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if name, ok := forwardTarget(arg); ok {
		client, ok := h.remotes[name]
		if !ok {
			http.Error(w, "unknown remote "+name, http.StatusBadRequest)
			return
		}
		h.forward(w, r, name, client)
		return
	}
	h.serveLocal(w, r, arg)
}

// forwardTarget reports whether the session must be proxied and to which
// remote. An explicit local=true, or the reserved remote name, pins the
// session to this server.
func forwardTarget(arg sync.Arg) (string, bool) {
	if arg.Local != nil && *arg.Local {
		return "", false
	}
	for _, name := range arg.Remotes {
		if name != localRemote {
			return name, true
		}
	}
	return "", false
}

// serveLocal runs the serving side of the session against this server's
// store. Errors after the event stream has started are reported through
// the error event, since the status line is already on the wire.
func (h *Handler) serveLocal(w http.ResponseWriter, r *http.Request, arg sync.Arg) {
	w.Header().Set("Content-Type", contentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	sw := newSSEWriter(w)
	stream := &serverStream{reader: r.Body, writer: sw, closer: r.Body}
	session := sync.NewSession(h.logger, h.cfg, arg.Flip(), h.store, sync.WithServerRole())
	if err := session.Run(r.Context(), stream); err != nil {
		h.logger.Warn("sync session failed", zap.Error(err))
		sw.WriteError(err)
	}
}

// forward proxies the whole session to the named remote without touching
// the local store: the request body streams up as-is and the remote's
// event stream comes back verbatim.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, name string, client *Client) {
	resp, err := client.do(r.Context(), r.URL.RawQuery, r.Body)
	if err != nil {
		h.logger.Warn("forward to remote failed", zap.String("remote", name), zap.Error(err))
		http.Error(w, "remote unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, resp.Body)
}

// flushCopy streams src to w, flushing after every chunk so events are
// not buffered across the proxy.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// serverStream is the handler's side of the session stream: frames come
// from the request body and go out as server-sent events.
type serverStream struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer
}

func (s *serverStream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *serverStream) Write(p []byte) (int, error) { return s.writer.Write(p) }
func (s *serverStream) Close() error                { return s.closer.Close() }

// DecodeArg builds a session argument from request query parameters.
// Scalar parameters decode weakly typed, so flags accept 1/true/yes;
// items and remotes repeat.
func DecodeArg(values url.Values) (sync.Arg, error) {
	raw := map[string]any{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "items", "remotes":
			raw[key] = vals
		default:
			raw[key] = vals[len(vals)-1]
		}
	}
	var arg sync.Arg
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &arg,
		WeaklyTypedInput: true,
		DecodeHook:       stringToIDHook,
	})
	if err != nil {
		return arg, err
	}
	if err := dec.Decode(raw); err != nil {
		return arg, err
	}
	return arg, nil
}

var idType = reflect.TypeOf(types.ID{})

func stringToIDHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != idType {
		return data, nil
	}
	return types.ParseID(data.(string))
}

// EncodeArg is the inverse of DecodeArg, used by the client.
func EncodeArg(arg sync.Arg) url.Values {
	values := url.Values{}
	setBool := func(key string, v bool) {
		if v {
			values.Set(key, "true")
		}
	}
	setBool("get", arg.Get)
	setBool("put", arg.Put)
	setBool("recursive", arg.Recursive)
	setBool("commands", arg.Commands)
	setBool("outputs", arg.Outputs)
	setBool("logs", arg.Logs)
	setBool("errors", arg.Errors)
	setBool("eager", arg.Eager)
	setBool("force", arg.Force)
	if arg.Local != nil {
		values.Set("local", boolString(*arg.Local))
	}
	for _, remote := range arg.Remotes {
		values.Add("remotes", remote)
	}
	for _, item := range arg.Items {
		values.Add("items", item.String())
	}
	return values
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
