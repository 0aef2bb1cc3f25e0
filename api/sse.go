// Package api exposes the sync engine over HTTP: a POST /sync handler
// whose request body carries the initiator's binary frame stream and whose
// response renders the server's frame stream as server-sent events, plus a
// client for initiating sessions against such a server.
package api

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	gosync "sync"
)

const (
	contentTypeEventStream = "text/event-stream"

	// eventField is the field name carrying an out-of-band event. A custom
	// field keeps generic SSE consumers from mistaking the error trailer
	// for frame data, since unknown fields are ignored by the SSE parsing
	// rules.
	eventField = "x-tg-event"
	// eventError names the error trailer.
	eventError = "error"
)

// errorBody is the JSON payload of an error event.
type errorBody struct {
	Message string `json:"message"`
}

// sseWriter renders binary frames as server-sent events. Each Write call
// carries exactly one frame, which becomes one event with a base64 data
// line, flushed immediately so the peer sees frames as they are produced.
type sseWriter struct {
	mu      gosync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) Write(frame []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", base64.StdEncoding.EncodeToString(frame)); err != nil {
		return 0, err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return len(frame), nil
}

// WriteError emits the terminal error event.
func (s *sseWriter) WriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, marshalErr := json.Marshal(errorBody{Message: err.Error()})
	if marshalErr != nil {
		return
	}
	fmt.Fprintf(s.w, "%s: %s\ndata: %s\n\n", eventField, eventError, body)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// sseReader decodes a server-sent event stream back into the binary frame
// stream. An error event surfaces as a read error carrying the peer's
// message.
type sseReader struct {
	scanner *bufio.Scanner
	buf     bytes.Buffer
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 128<<20)
	return &sseReader{scanner: scanner}
}

// RemoteError is an error reported by the serving side through the event
// stream rather than a transport failure.
type RemoteError struct {
	Message string
}

func (err *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", err.Message)
}

func (s *sseReader) Read(p []byte) (int, error) {
	for s.buf.Len() == 0 {
		event, data, err := s.next()
		if err != nil {
			return 0, err
		}
		if event == eventError {
			var body errorBody
			if err := json.Unmarshal(data, &body); err != nil {
				return 0, fmt.Errorf("malformed error event: %w", err)
			}
			return 0, &RemoteError{Message: body.Message}
		}
		frame, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return 0, fmt.Errorf("malformed event data: %w", err)
		}
		s.buf.Write(frame)
	}
	return s.buf.Read(p)
}

// next scans one event, returning its name and concatenated data lines.
func (s *sseReader) next() (string, []byte, error) {
	var (
		event string
		data  []byte
		seen  bool
	)
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if seen {
				return event, data, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "data:"):
			seen = true
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		case strings.HasPrefix(line, eventField+":"):
			seen = true
			event = strings.TrimSpace(strings.TrimPrefix(line, eventField+":"))
		case strings.HasPrefix(line, ":"):
			// Comment line, keepalive.
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", nil, err
	}
	return "", nil, io.EOF
}

// acceptsEventStream checks the request's accept header.
func acceptsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mediaType == contentTypeEventStream || mediaType == "*/*" {
			return true
		}
	}
	return false
}
