package transport

import (
	"context"
	"sync"
)

// localChannel delivers messages to the peer's Handler in-process.
// Values are never shared: envelopes are copied on the way.
type localChannel struct {
	peer    Handler
	ready   chan struct{}
	closeCh chan struct{}
	once    *sync.Once
}

var _ Channel = (*localChannel)(nil)

// Pipe connects two acceptors in-process and returns the channel each of
// them was given. Disposing any end closes both.
func Pipe(left, right Acceptor) (Channel, Channel) {
	closeCh := make(chan struct{})
	once := &sync.Once{}
	lc := &localChannel{ready: make(chan struct{}), closeCh: closeCh, once: once}
	rc := &localChannel{ready: make(chan struct{}), closeCh: closeCh, once: once}

	// lc sends to the right handler and rc to the left one.
	lh := left.Accept(lc)
	rh := right.Accept(rc)
	lc.peer = rh
	rc.peer = lh
	close(lc.ready)
	close(rc.ready)
	return lc, rc
}

func (lc *localChannel) wait(ctx context.Context) error {
	select {
	case <-lc.closeCh:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lc.closeCh:
		return ErrClosed
	case <-lc.ready:
		return nil
	}
}

func (lc *localChannel) FireAndForget(ctx context.Context, env Envelope) error {
	select {
	case <-lc.closeCh:
		return ErrClosed
	default:
	}
	env = copyEnvelope(env)
	ctx = context.WithoutCancel(ctx)
	go func() {
		if lc.wait(ctx) == nil {
			lc.peer.FireAndForget(ctx, env)
		}
	}()
	return nil
}

func (lc *localChannel) MetadataPush(ctx context.Context, env Envelope) error {
	select {
	case <-lc.closeCh:
		return ErrClosed
	default:
	}
	env = copyEnvelope(env)
	ctx = context.WithoutCancel(ctx)
	go func() {
		if lc.wait(ctx) == nil {
			lc.peer.MetadataPush(ctx, env)
		}
	}()
	return nil
}

func (lc *localChannel) RequestResponse(ctx context.Context, env Envelope) (Envelope, error) {
	if err := lc.wait(ctx); err != nil {
		return Envelope{}, err
	}

	type reply struct {
		env Envelope
		err error
	}
	replyCh := make(chan reply, 1)
	go func() {
		resp, err := lc.peer.RequestResponse(ctx, copyEnvelope(env))
		replyCh <- reply{env: copyEnvelope(resp), err: err}
	}()

	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-lc.closeCh:
		return Envelope{}, ErrClosed
	case r := <-replyCh:
		return r.env, r.err
	}
}

func (lc *localChannel) RequestStream(ctx context.Context, env Envelope) Stream {
	return func(yield func(Envelope, error) bool) {
		if err := lc.wait(ctx); err != nil {
			yield(Envelope{}, err)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		for elem, err := range lc.peer.RequestStream(ctx, copyEnvelope(env)) {
			select {
			case <-lc.closeCh:
				yield(Envelope{}, ErrClosed)
				return
			default:
			}
			if !yield(copyEnvelope(elem), err) || err != nil {
				return
			}
		}
	}
}

func (lc *localChannel) OnClose() <-chan struct{} {
	return lc.closeCh
}

func (lc *localChannel) Dispose() error {
	lc.once.Do(func() {
		close(lc.closeCh)
	})
	return nil
}

func copyEnvelope(env Envelope) Envelope {
	return Envelope{
		Metadata: cloneBytes(env.Metadata),
		Data:     cloneBytes(env.Data),
	}
}

func cloneBytes(buf []byte) []byte {
	if buf == nil {
		return nil
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned
}
