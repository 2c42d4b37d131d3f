// Package pulse is a thin wrapper around goa.design/pulse streams. Callers
// build a Redis client, pass it to New, and receive a typed interface
// exposing only the operations the run-update sink and its consumers need.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse used by the run-update sink.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases client resources. The caller owns the Redis
		// connection.
		Close(ctx context.Context) error
	}

	// Stream publishes updates and creates consumer groups.
	Stream interface {
		// Add publishes a payload under the given event name, returning the
		// Redis-assigned entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewReader creates a consumer group for reading updates.
		NewReader(ctx context.Context, name string, opts ...streamopts.Sink) (Reader, error)
		// Destroy deletes the stream and its messages.
		Destroy(ctx context.Context) error
	}

	// Reader is a consumer group over one stream.
	Reader interface {
		// Subscribe emits entries as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack marks an entry processed.
		Ack(context.Context, *streaming.Event) error
		// Close stops the reader.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the given Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op; the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewReader(ctx context.Context, name string, opts ...streamopts.Sink) (Reader, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return readerAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// readerAdapter narrows streaming.Sink to the Reader interface.
type readerAdapter struct {
	*streaming.Sink
}

func (r readerAdapter) Close(ctx context.Context) {
	r.Sink.Close(ctx)
}
