// Package transport provides the duplex channels scopes talk over.
//
// A connection is made of two halves:
//
//   - a `Channel`, used by the local scope to send requests to the peer;
//   - a `Handler`, provided by the local scope to serve the requests the
//     peer sends.
//
// Implementations obtain the `Handler` by giving the `Channel` to an
// `Acceptor` as soon as the connection is established.
package transport

import (
	"context"
	"iter"
)

// Envelope is the unit of exchange: metadata plus an opaque data part.
type Envelope struct {
	Metadata []byte
	Data     []byte
}

// Stream is a lazy sequence of envelopes. Nothing is sent before the
// first iteration, and stopping the iteration cancels the remote side.
type Stream = iter.Seq2[Envelope, error]

// Channel is the requester half of a connection.
type Channel interface {
	FireAndForget(ctx context.Context, env Envelope) error
	RequestResponse(ctx context.Context, env Envelope) (Envelope, error)
	RequestStream(ctx context.Context, env Envelope) Stream
	MetadataPush(ctx context.Context, env Envelope) error

	// OnClose is closed once the connection is gone.
	OnClose() <-chan struct{}
	Dispose() error
}

// Handler is the responder half of a connection.
type Handler interface {
	FireAndForget(ctx context.Context, env Envelope)
	RequestResponse(ctx context.Context, env Envelope) (Envelope, error)
	RequestStream(ctx context.Context, env Envelope) Stream
	MetadataPush(ctx context.Context, env Envelope)
}

// Acceptor is notified of every new connection. A nil Handler refuses the
// channel.
type Acceptor interface {
	Accept(ch Channel) Handler
}

// ErrorStream returns a Stream failing with err.
func ErrorStream(err error) Stream {
	return func(yield func(Envelope, error) bool) {
		yield(Envelope{}, err)
	}
}
