package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangramdotdev/tangram/common/types"
)

// Arg selects what a session replicates and how. Items are the roots the
// traversal starts from; the flags select directions and facets.
type Arg struct {
	// Get pulls items this side is missing from the peer.
	Get bool `mapstructure:"get"`
	// Put pushes items to the peer.
	Put bool `mapstructure:"put"`
	// Recursive descends through child processes.
	Recursive bool `mapstructure:"recursive"`
	// Commands, Outputs, Logs and Errors select which process artifacts
	// are carried along.
	Commands bool `mapstructure:"commands"`
	Outputs  bool `mapstructure:"outputs"`
	Logs     bool `mapstructure:"logs"`
	Errors   bool `mapstructure:"errors"`
	// Eager pushes subtrees speculatively instead of waiting for the
	// peer to request each missing item.
	Eager bool `mapstructure:"eager"`
	// Force syncs with remotes even when the local index claims
	// completeness.
	Force bool `mapstructure:"force"`
	// Local controls whether the handling server syncs its own store.
	// When nil the server decides based on its remotes.
	Local *bool `mapstructure:"local"`
	// Remotes names the upstream remotes to involve; empty means the
	// server's default set.
	Remotes []string `mapstructure:"remotes"`
	// Items are the root ids.
	Items []types.ID `mapstructure:"items"`
}

// Flip converts an initiator's argument into the serving side's: the
// directions swap and everything else carries over.
func (a Arg) Flip() Arg {
	a.Get, a.Put = a.Put, a.Get
	return a
}

// Config bounds a session's memory and parallelism.
type Config struct {
	ProcessBatchSize   int `mapstructure:"process-batch-size"`
	ProcessConcurrency int `mapstructure:"process-concurrency"`
	ObjectBatchSize    int `mapstructure:"object-batch-size"`
	ObjectConcurrency  int `mapstructure:"object-concurrency"`
	// ChannelBuffer is the capacity of the per-direction message
	// channels between the drivers and the wire.
	ChannelBuffer int `mapstructure:"channel-buffer"`
	// MaxFrameSize rejects inbound frames above this size. It must
	// admit the largest legal object plus framing overhead.
	MaxFrameSize int `mapstructure:"max-frame-size"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ProcessBatchSize:   16,
		ProcessConcurrency: 8,
		ObjectBatchSize:    16,
		ObjectConcurrency:  8,
		ChannelBuffer:      256,
		MaxFrameSize:       types.MaxObjectDataSize + 4096,
	}
}

// Session replicates the graphs reachable from Arg.Items between the
// local store and one peer over a single framed stream.
type Session struct {
	logger *zap.Logger
	cfg    Config
	arg    Arg
	store  Store
	server bool

	graph *Graph
	get   *getDriver
	put   *putDriver
}

// Opt modifies a session before it runs.
type Opt func(*Session)

// WithServerRole marks the session as the serving side of an exchange:
// its roots arrive from the initiator rather than being requested, and it
// never seeds its own push queue.
func WithServerRole() Opt {
	return func(s *Session) { s.server = true }
}

// NewSession creates a session. The serving side passes the initiator's
// argument through Flip and adds WithServerRole.
func NewSession(logger *zap.Logger, cfg Config, arg Arg, store Store, opts ...Opt) *Session {
	s := &Session{
		logger: logger.Named("sync"),
		cfg:    cfg,
		arg:    arg,
		store:  store,
		graph:  NewGraph(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outstanding reports how many discovered items have not been resolved
// yet, for progress reporting.
func (s *Session) Outstanding() int64 {
	var n int64
	if s.get != nil {
		n += s.get.queue.Outstanding()
	}
	if s.put != nil {
		n += s.put.queue.Outstanding()
	}
	return n
}

// Run drives the session until both directions have ended or an error
// occurs. The stream is closed if the context is canceled mid-session so
// blocked reads unwind.
func (s *Session) Run(ctx context.Context, stream io.ReadWriter) error {
	sessionsStarted.WithLabelValues().Inc()
	started := time.Now()
	release := s.store.StartSync()
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if closer, ok := stream.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	cond := newConduit(stream, s.cfg.MaxFrameSize)
	getIn := make(chan PutMessage, s.cfg.ChannelBuffer)
	putIn := make(chan GetMessage, s.cfg.ChannelBuffer)
	s.get = newGetDriver(s.logger, s.cfg, s.arg, s.arg.Get, s.server, s.graph, s.store, getIn)
	s.put = newPutDriver(s.logger, s.cfg, s.arg, s.arg.Put, !s.server, s.graph, s.store, putIn)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(guard(func() error { return s.input(ctx, cond, getIn, putIn) }))
	eg.Go(guard(func() error { return s.output(ctx, cond, s.get.out, s.put.out) }))
	eg.Go(guard(func() error { return s.get.run(ctx) }))
	eg.Go(guard(func() error { return s.put.run(ctx) }))
	err := eg.Wait()
	if err != nil {
		sessionsFailed.WithLabelValues().Inc()
		s.logger.Warn("session failed",
			zap.Duration("elapsed", time.Since(started)),
			zap.Int("graph", s.graph.Len()),
			zap.Error(err),
		)
		return err
	}
	sessionDuration.WithLabelValues().Observe(time.Since(started).Seconds())
	s.logger.Debug("session complete",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("graph", s.graph.Len()),
	)
	return nil
}

// input demultiplexes inbound frames onto the two drivers. The direction
// sentinels close the corresponding channel; the end message finishes the
// task.
func (s *Session) input(ctx context.Context, cond *conduit, getIn chan<- PutMessage, putIn chan<- GetMessage) error {
	defer func() {
		if putIn != nil {
			close(putIn)
		}
		if getIn != nil {
			close(getIn)
		}
	}()
	for {
		m, err := cond.recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return protocolErrorf("stream ended before end message")
			}
			return err
		}
		switch m := m.(type) {
		case *EndMessage:
			return nil
		case *GetEndMessage:
			if putIn == nil {
				return protocolErrorf("duplicate getEnd message")
			}
			close(putIn)
			putIn = nil
		case *PutEndMessage:
			if getIn == nil {
				return protocolErrorf("duplicate putEnd message")
			}
			close(getIn)
			getIn = nil
		case GetMessage:
			if putIn == nil {
				return protocolErrorf("%s message after getEnd", m.Type())
			}
			select {
			case putIn <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		case PutMessage:
			if getIn == nil {
				return protocolErrorf("%s message after putEnd", m.Type())
			}
			select {
			case getIn <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return protocolErrorf("unroutable %s message", m.Type())
		}
	}
}

// output serializes both drivers' messages onto the wire from a single
// goroutine and sends the end message once both directions are done.
func (s *Session) output(ctx context.Context, cond *conduit, get <-chan GetMessage, put <-chan PutMessage) error {
	for get != nil || put != nil {
		select {
		case m, ok := <-get:
			if !ok {
				get = nil
				continue
			}
			if err := cond.send(m); err != nil {
				return err
			}
		case m, ok := <-put:
			if !ok {
				put = nil
				continue
			}
			if err := cond.send(m); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return cond.send(&EndMessage{})
}

// guard converts a task panic into a session error so one misbehaving
// worker cannot take down the process.
func guard(task func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sync task panic: %v", r)
			}
		}()
		return task()
	}
}
