package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tangramdotdev/tangram/sync"
)

// Client initiates sync sessions against a remote server.
type Client struct {
	logger *zap.Logger
	base   string
	http   *http.Client
}

// ClientOpt modifies a client.
type ClientOpt func(*Client)

// WithHTTPClient swaps the underlying http client, for tests and custom
// transports.
func WithHTTPClient(hc *http.Client) ClientOpt {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the server at base, e.g.
// "http://build.example.com:8476".
func NewClient(logger *zap.Logger, base string, opts ...ClientOpt) *Client {
	c := &Client{
		logger: logger.Named("client"),
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do posts a raw session: the query string selects the argument and body
// is the initiator's frame stream. The response arrives while the body is
// still being written, so the exchange is full duplex.
func (c *Client) do(ctx context.Context, rawQuery string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sync?"+rawQuery, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeEventStream)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("sync request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// Sync opens a session stream for arg. The returned stream carries binary
// frames in both directions; the caller runs a sync.Session over it and
// closes it when done.
func (c *Client) Sync(ctx context.Context, arg sync.Arg) (io.ReadWriteCloser, error) {
	pr, pw := io.Pipe()
	resp, err := c.do(ctx, EncodeArg(arg).Encode(), pr)
	if err != nil {
		pw.Close()
		return nil, err
	}
	return &clientStream{
		reader: newSSEReader(resp.Body),
		writer: pw,
		body:   resp.Body,
	}, nil
}

// clientStream is the initiator's side of the session stream: frames
// written go up the request body, frames read come out of the response's
// event stream.
type clientStream struct {
	reader io.Reader
	writer *io.PipeWriter
	body   io.Closer
}

func (s *clientStream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *clientStream) Write(p []byte) (int, error) { return s.writer.Write(p) }

func (s *clientStream) Close() error {
	s.writer.Close()
	return s.body.Close()
}
