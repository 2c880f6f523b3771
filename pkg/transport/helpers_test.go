package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type acceptorFunc func(ch Channel) Handler

func (f acceptorFunc) Accept(ch Channel) Handler {
	return f(ch)
}

// testHandler echoes requests.
//
// RequestStream emits Data[0] elements, or never stops if Data[0] is 0.
type testHandler struct {
	fnf chan Envelope
	mp  chan Envelope

	streamStopped atomic.Bool

	lk       sync.Mutex
	accepted []Channel
}

func newTestHandler() *testHandler {
	return &testHandler{
		fnf: make(chan Envelope, 16),
		mp:  make(chan Envelope, 16),
	}
}

func (h *testHandler) acceptor() Acceptor {
	return acceptorFunc(func(ch Channel) Handler {
		h.lk.Lock()
		defer h.lk.Unlock()
		h.accepted = append(h.accepted, ch)
		return h
	})
}

func (h *testHandler) FireAndForget(_ context.Context, env Envelope) {
	h.fnf <- env
}

func (h *testHandler) MetadataPush(_ context.Context, env Envelope) {
	h.mp <- env
}

func (h *testHandler) RequestResponse(_ context.Context, env Envelope) (Envelope, error) {
	if string(env.Data) == "fail" {
		return Envelope{}, errors.New("boom")
	}
	return Envelope{
		Metadata: env.Metadata,
		Data:     append([]byte("echo:"), env.Data...),
	}, nil
}

func (h *testHandler) RequestStream(ctx context.Context, env Envelope) Stream {
	n := int(env.Data[0])
	return func(yield func(Envelope, error) bool) {
		defer h.streamStopped.Store(true)
		for i := 0; n == 0 || i < n; i++ {
			if ctx.Err() != nil {
				return
			}
			if !yield(Envelope{Data: []byte{byte(i)}}, nil) {
				return
			}
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}
}
