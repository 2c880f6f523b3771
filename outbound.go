package scopemesh

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
)

// ResolveRemote returns the neighbour a call for domain is sent to.
// Remotes serving domain directly are preferred. Scopes which do not route
// still reach domains their neighbours only know indirectly.
func (s *Scope) ResolveRemote(domain string) *Remote {
	if r := s.table.FindRemoteService(domain); r != nil {
		return r
	}
	return s.table.FindRoutedService(domain)
}

// outbound is a call ready to be sent.
type outbound struct {
	sign string
	next *Remote
	env  transport.Envelope

	// callbacks registered for this call.
	keys []string
}

func (s *Scope) prepare(sign string, callback bool, via []string, next *Remote, args []any) (*outbound, error) {
	if s.closed.Load() {
		return nil, ErrScopeClosed
	}

	if next == nil {
		domain := DomainOf(sign)
		next = s.ResolveRemote(domain)
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, domain)
		}
	}

	tick := s.tick()
	wargs, keys, err := s.encodeArgs(tick, args)
	if err != nil {
		return nil, err
	}

	meta := wire.Meta{
		Sign:     sign,
		From:     s.name,
		Tick:     tick,
		Trace:    s.config.trace,
		Callback: callback,
		UUID:     uuid.NewString(),
		Via:      via,
	}
	meta.AddTrace(tick, s.name)

	md, err := s.codec.Encode(&meta)
	if err != nil {
		s.releaseCallbacks(keys)
		return nil, err
	}
	data, err := s.codec.Encode(&wire.Request{Tick: tick, Arguments: wargs})
	if err != nil {
		s.releaseCallbacks(keys)
		return nil, err
	}

	return &outbound{
		sign: sign,
		next: next,
		env:  transport.Envelope{Metadata: md, Data: data},
		keys: keys,
	}, nil
}

// FireAndForget sends a call without waiting for anything. It only fails
// if no neighbour can take the call or the channel refused it.
func (s *Scope) FireAndForget(ctx context.Context, sign string, args ...any) error {
	out, err := s.prepare(sign, false, nil, nil, args)
	if err != nil {
		s.countOutError(sign, modeFNF)
		return err
	}
	// Callbacks of a fire-and-forget call are left to the pool eviction.
	s.countOut(out, modeFNF)
	if err := out.next.ch.FireAndForget(ctx, out.env); err != nil {
		s.countOutError(sign, modeFNF)
		return err
	}
	return nil
}

// RequestResponse sends a call and waits for its result, at most for the
// call timeout. A call timing out is not cancelled downstream.
func (s *Scope) RequestResponse(ctx context.Context, sign string, args ...any) (*Reply, error) {
	out, err := s.prepare(sign, false, nil, nil, args)
	if err != nil {
		s.countOutError(sign, modeRR)
		return nil, err
	}
	s.countOut(out, modeRR)
	return s.roundTrip(ctx, out)
}

// RequestStream prepares a call whose results are streamed. The route is
// resolved right away but the arguments are only evaluated, and callbacks
// registered, once the sequence is iterated. Breaking out of the loop
// cancels the call.
func (s *Scope) RequestStream(ctx context.Context, sign string, args ...any) (iter.Seq2[*Element, error], error) {
	if s.closed.Load() {
		s.countOutError(sign, modeRS)
		return nil, ErrScopeClosed
	}
	domain := DomainOf(sign)
	next := s.ResolveRemote(domain)
	if next == nil {
		s.countOutError(sign, modeRS)
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, domain)
	}

	return func(yield func(*Element, error) bool) {
		out, err := s.prepare(sign, false, nil, next, args)
		if err != nil {
			s.countOutError(sign, modeRS)
			yield(nil, err)
			return
		}
		defer s.releaseCallbacks(out.keys)
		s.countOut(out, modeRS)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for env, err := range out.next.ch.RequestStream(ctx, out.env) {
			if err != nil {
				s.countOutError(sign, modeRS)
				yield(nil, err)
				return
			}
			el, err := s.decodeElement(env)
			if !yield(el, err) || err != nil {
				return
			}
		}
	}, nil
}

func (s *Scope) roundTrip(ctx context.Context, out *outbound) (*Reply, error) {
	defer s.releaseCallbacks(out.keys)

	timeoutCtx, cancel := s.clock.WithTimeout(ctx, s.config.callTimeout)
	defer cancel()

	type reply struct {
		env transport.Envelope
		err error
	}
	replyCh := make(chan reply, 1)
	go func() {
		env, err := out.next.ch.RequestResponse(context.WithoutCancel(ctx), out.env)
		replyCh <- reply{env: env, err: err}
	}()

	select {
	case <-timeoutCtx.Done():
		s.countOutError(out.sign, modeRR)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, out.sign, s.config.callTimeout)
	case r := <-replyCh:
		if r.err != nil {
			s.countOutError(out.sign, modeRR)
			return nil, r.err
		}
		return s.decodeReply(r.env)
	}
}

func (s *Scope) decodeReply(env transport.Envelope) (*Reply, error) {
	reply := &Reply{}
	if len(env.Metadata) > 0 {
		if err := s.codec.Decode(env.Metadata, &reply.Meta); err != nil {
			return nil, err
		}
	}
	var resp wire.Response
	if err := s.codec.Decode(env.Data, &resp); err != nil {
		return nil, err
	}
	reply.Result = newResult(resp.Result, s.codec)
	return reply, nil
}

func (s *Scope) decodeElement(env transport.Envelope) (*Element, error) {
	el := &Element{codec: s.codec}
	if len(env.Metadata) > 0 {
		el.Meta = &wire.Meta{}
		if err := s.codec.Decode(env.Metadata, el.Meta); err != nil {
			return nil, err
		}
	}
	var resp wire.Response
	if err := s.codec.Decode(env.Data, &resp); err != nil {
		return nil, err
	}
	if resp.Result != nil && resp.Result.HasError {
		return nil, &RemoteError{Msg: resp.Result.Error}
	}
	el.data = resp.Element
	return el, nil
}

func (s *Scope) countOut(out *outbound, mode string) {
	s.msink.IncrCounterWithLabels(
		MetricScopeCallOutCount,
		1.0,
		s.labels(
			LabelDomain.M(DomainOf(out.sign)),
			LabelMode.M(mode),
			LabelPeerName.M(out.next.Name()),
		),
	)
}

func (s *Scope) countOutError(sign, mode string) {
	s.msink.IncrCounterWithLabels(
		MetricScopeCallOutErrorCount,
		1.0,
		s.labels(LabelDomain.M(DomainOf(sign)), LabelMode.M(mode)),
	)
}

// IsNoRoute reports whether err comes from a call no neighbour could take.
func IsNoRoute(err error) bool {
	return errors.Is(err, ErrNoRoute)
}
