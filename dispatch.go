package scopemesh

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
)

// connHandler serves what a remote sends us on one channel.
type connHandler struct {
	s *Scope
	r *Remote
}

var _ transport.Handler = (*connHandler)(nil)

func (h *connHandler) MetadataPush(_ context.Context, env transport.Envelope) {
	h.s.onRouteMeta(h.r, env.Metadata)
}

func (h *connHandler) FireAndForget(ctx context.Context, env transport.Envelope) {
	// Resume-enabled channels carry topology as fire-and-forget.
	if len(env.Data) == 0 {
		h.s.onRouteMeta(h.r, env.Metadata)
		return
	}
	h.s.onFNF(ctx, h.r, env)
}

func (h *connHandler) RequestResponse(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	return h.s.onRR(ctx, h.r, env)
}

func (h *connHandler) RequestStream(ctx context.Context, env transport.Envelope) transport.Stream {
	return h.s.onRS(ctx, h.r, env)
}

// inbound is a decoded call.
type inbound struct {
	meta    wire.Meta
	request wire.Request
	start   time.Time
}

func (s *Scope) decodeInbound(env transport.Envelope) (*inbound, error) {
	in := &inbound{start: s.clock.Now()}
	if err := s.codec.Decode(env.Metadata, &in.meta); err != nil {
		return nil, err
	}
	if err := s.codec.Decode(env.Data, &in.request); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Scope) newCall(r *Remote, in *inbound) *Call {
	return &Call{
		Meta:   in.meta.Clone(),
		scope:  s,
		remote: r,
		args:   in.request.Arguments,
	}
}

func (s *Scope) onFNF(ctx context.Context, r *Remote, env transport.Envelope) {
	in, err := s.decodeInbound(env)
	if err != nil {
		s.logger.Warn("dropping malformed fire-and-forget", LabelError.L(err))
		return
	}
	logger := s.callLogger(in, modeFNF)

	if h, ok := s.services.handler(in.meta.Sign); ok {
		s.countIn(in, modeFNF)
		if h.invoke == nil {
			s.countInError(in, modeFNF)
			logger.Warn("fire-and-forget on a stream method, dropping")
			return
		}
		_, err := s.safeInvoke(ctx, h.invoke, s.newCall(r, in))
		if err != nil {
			s.countInError(in, modeFNF)
			logger.Warn("fire-and-forget handler failed", LabelError.L(err))
		}
		s.traceServed(logger, in)
		return
	}

	if next := s.nextHop(r, &in.meta); next != nil {
		fwd, err := s.forwardEnvelope(&in.meta, env)
		if err == nil {
			err = next.ch.FireAndForget(ctx, fwd)
		}
		if err != nil {
			logger.Warn("could not forward fire-and-forget", LabelPeerName.L(next.Name()), LabelError.L(err))
			return
		}
		s.countForward(in, modeFNF, next)
		return
	}

	s.msink.IncrCounterWithLabels(MetricScopeDropCount, 1.0, s.labels(LabelMode.M(modeFNF)))
	logger.Info("no handler for fire-and-forget, dropping")
}

func (s *Scope) onRR(ctx context.Context, r *Remote, env transport.Envelope) (transport.Envelope, error) {
	in, err := s.decodeInbound(env)
	if err != nil {
		return transport.Envelope{}, err
	}
	logger := s.callLogger(in, modeRR)

	if in.meta.Callback {
		return s.onCallback(ctx, r, in, env)
	}

	if h, ok := s.services.handler(in.meta.Sign); ok {
		s.countIn(in, modeRR)
		var res *wire.Result
		if h.invoke == nil {
			res = wire.ErrorResult(fmt.Sprintf("%s is a stream method", in.meta.Sign))
		} else {
			v, err := s.safeInvoke(ctx, h.invoke, s.newCall(r, in))
			res = buildResult(s.codec, v, err)
		}
		if res.HasError {
			s.countInError(in, modeRR)
		}
		s.traceServed(logger, in)
		return s.resultEnvelope(&in.meta, res)
	}

	if next := s.nextHop(r, &in.meta); next != nil {
		return s.forwardRR(ctx, logger, in, env, next)
	}

	s.countInError(in, modeRR)
	return s.resultEnvelope(&in.meta, wire.ErrorResult(s.noSuchMethod(in.meta.Sign)))
}

func (s *Scope) onRS(ctx context.Context, r *Remote, env transport.Envelope) transport.Stream {
	in, err := s.decodeInbound(env)
	if err != nil {
		return transport.ErrorStream(err)
	}
	logger := s.callLogger(in, modeRS)

	if h, ok := s.services.handler(in.meta.Sign); ok {
		s.countIn(in, modeRS)
		if h.stream == nil {
			return transport.ErrorStream(fmt.Errorf("%s is not a stream method", in.meta.Sign))
		}
		return s.serveStream(ctx, logger, r, in, h.stream)
	}

	if next := s.nextHop(r, &in.meta); next != nil {
		fwd, err := s.forwardEnvelope(&in.meta, env)
		if err != nil {
			return transport.ErrorStream(err)
		}
		s.countForward(in, modeRS, next)
		return next.ch.RequestStream(ctx, fwd)
	}

	s.countInError(in, modeRS)
	return transport.ErrorStream(fmt.Errorf("%s", s.noSuchMethod(in.meta.Sign)))
}

func (s *Scope) serveStream(ctx context.Context, logger *slog.Logger, r *Remote, in *inbound, inv StreamInvoker) transport.Stream {
	return func(yield func(transport.Envelope, error) bool) {
		defer s.traceServed(logger, in)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		first := true
		for v, err := range s.safeStream(ctx, inv, s.newCall(r, in)) {
			if err != nil {
				s.countInError(in, modeRS)
				yield(transport.Envelope{}, err)
				return
			}

			data, err := s.codec.Encode(&wire.Response{Tick: s.tick(), Element: s.mustEncode(v)})
			if err != nil {
				yield(transport.Envelope{}, err)
				return
			}

			env := transport.Envelope{Data: data}
			if first {
				first = false
				env.Metadata, err = s.codec.Encode(s.responseMeta(&in.meta))
				if err != nil {
					yield(transport.Envelope{}, err)
					return
				}
			}

			if !yield(env, nil) {
				logger.Debug("stream cancelled by consumer")
				return
			}
		}
	}
}

func (s *Scope) forwardRR(ctx context.Context, logger *slog.Logger, in *inbound, env transport.Envelope, next *Remote) (transport.Envelope, error) {
	fwd, err := s.forwardEnvelope(&in.meta, env)
	if err != nil {
		return transport.Envelope{}, err
	}
	s.countForward(in, modeRR, next)

	resp, err := next.ch.RequestResponse(ctx, fwd)
	if err != nil {
		logger.Warn("forward failed", LabelPeerName.L(next.Name()), LabelError.L(err))
		return s.resultEnvelope(&in.meta, wire.ErrorResult(err.Error()))
	}
	return resp, nil
}

// nextHop resolves where a call we cannot serve should go. Only routing
// scopes forward.
func (s *Scope) nextHop(from *Remote, meta *wire.Meta) *Remote {
	if !s.config.routing {
		return nil
	}
	// Never forward twice through the same scope.
	if slices.ContainsFunc(meta.Link, func(hop wire.Hop) bool { return hop.Scope == s.name }) {
		return nil
	}
	next := s.table.FindRemoteService(DomainOf(meta.Sign))
	if next == nil || next == from {
		return nil
	}
	return next
}

// forwardEnvelope stamps our hop in the meta. The data part is sent
// untouched.
func (s *Scope) forwardEnvelope(meta *wire.Meta, env transport.Envelope) (transport.Envelope, error) {
	fwd := meta.Clone()
	fwd.AddTrace(s.tick(), s.name)
	buf, err := s.codec.Encode(&fwd)
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.Envelope{Metadata: buf, Data: env.Data}, nil
}

func (s *Scope) responseMeta(req *wire.Meta) *wire.Meta {
	meta := req.Clone()
	meta.From = s.name
	meta.AddTrace(s.tick(), s.name)
	return &meta
}

func (s *Scope) resultEnvelope(req *wire.Meta, res *wire.Result) (transport.Envelope, error) {
	md, err := s.codec.Encode(s.responseMeta(req))
	if err != nil {
		return transport.Envelope{}, err
	}
	data, err := s.codec.Encode(&wire.Response{Tick: s.tick(), Result: res})
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.Envelope{Metadata: md, Data: data}, nil
}

func (s *Scope) noSuchMethod(sign string) string {
	return fmt.Sprintf("no such method %s on %s, routes: %v", sign, s.name, s.Routes())
}

// mustEncode encodes stream elements, a value we cannot encode is sent as
// nil.
func (s *Scope) mustEncode(v any) []byte {
	buf, err := s.codec.Encode(v)
	if err != nil {
		s.logger.Warn("could not encode stream element", LabelError.L(err))
		buf, _ = s.codec.Encode(nil)
	}
	return buf
}

func (s *Scope) safeInvoke(ctx context.Context, inv Invoker, call *Call) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return inv(ctx, call)
}

func (s *Scope) safeStream(ctx context.Context, inv StreamInvoker, call *Call) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		// A panic raised by the consumer is not ours to recover.
		yielding := false
		defer func() {
			if yielding {
				return
			}
			if p := recover(); p != nil {
				yield(nil, fmt.Errorf("handler panicked: %v", p))
			}
		}()
		for v, err := range inv(ctx, call) {
			yielding = true
			if !yield(v, err) {
				return
			}
			yielding = false
		}
	}
}

func (s *Scope) callLogger(in *inbound, mode string) *slog.Logger {
	return s.logger.With(
		LabelSignature.L(in.meta.Sign),
		LabelMode.L(mode),
	)
}

func (s *Scope) traceServed(logger *slog.Logger, in *inbound) {
	elapsed := s.clock.Since(in.start)
	s.msink.AddSampleWithLabels(
		MetricScopeCallDuration,
		float32(elapsed.Milliseconds()),
		s.labels(LabelDomain.M(DomainOf(in.meta.Sign))),
	)
	if s.config.trace || in.meta.Trace {
		logger.Info(
			"call served",
			LabelDuration.L(elapsed),
			LabelLink.L(in.meta.Link),
		)
	}
}

func (s *Scope) countIn(in *inbound, mode string) {
	s.msink.IncrCounterWithLabels(
		MetricScopeCallInCount,
		1.0,
		s.labels(LabelDomain.M(DomainOf(in.meta.Sign)), LabelMode.M(mode)),
	)
}

func (s *Scope) countInError(in *inbound, mode string) {
	s.msink.IncrCounterWithLabels(
		MetricScopeCallInErrorCount,
		1.0,
		s.labels(LabelDomain.M(DomainOf(in.meta.Sign)), LabelMode.M(mode)),
	)
}

func (s *Scope) countForward(in *inbound, mode string, next *Remote) {
	s.msink.IncrCounterWithLabels(
		MetricScopeForwardCount,
		1.0,
		s.labels(
			LabelDomain.M(DomainOf(in.meta.Sign)),
			LabelMode.M(mode),
			LabelPeerName.M(next.Name()),
		),
	)
}
