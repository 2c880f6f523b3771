package scopemesh

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
)

// RemoteCallback is a callback argument received from another scope.
type RemoteCallback struct {
	// Address of the callback: `origin@tick#name`.
	Address string

	scope *Scope
	// via is the neighbour the call carrying the callback came from.
	via *Remote
	// path lists the scopes the call carrying the callback crossed.
	path []string
}

// Origin is the name of the scope holding the callback.
func (rc *RemoteCallback) Origin() string {
	origin, _, _ := splitCallback(rc.Address)
	return origin
}

// Call invokes the callback on its origin scope.
//
// The call goes straight to the origin if we are connected to it, or
// retraces the path of the call which gave us the callback.
func (rc *RemoteCallback) Call(ctx context.Context, args ...any) (*Reply, error) {
	s := rc.scope
	next := s.callbackHop(rc.Origin(), rc.path, nil)
	if next == nil && rc.via != nil && !rc.via.Detached() {
		next = rc.via
	}
	if next == nil {
		return nil, fmt.Errorf("%w: scope %s", ErrNoRoute, rc.Origin())
	}

	out, err := s.prepare(rc.Address, true, rc.path, next, args)
	if err != nil {
		s.countOutError(rc.Address, modeCB)
		return nil, err
	}
	s.countOut(out, modeCB)
	return s.roundTrip(ctx, out)
}

// encodeArgs encodes the arguments of a call made at tick. Callbacks are
// registered in the pool, their keys are returned so the caller can
// release them.
func (s *Scope) encodeArgs(tick int64, args []any) ([]wire.Argument, []string, error) {
	wargs := make([]wire.Argument, 0, len(args))
	var keys []string

	for i, arg := range args {
		switch a := arg.(type) {
		case Callback:
			addr, key, err := s.registerCallback(tick, i, a)
			if err != nil {
				s.releaseCallbacks(keys)
				return nil, nil, err
			}
			keys = append(keys, key)
			wargs = append(wargs, wire.Argument{Kind: wire.ArgCallback, Address: addr})
			continue
		case Supplier:
			v, err := a()
			if err != nil {
				s.releaseCallbacks(keys)
				return nil, nil, fmt.Errorf("argument %d: %w", i, err)
			}
			arg = v
		}

		buf, err := s.codec.Encode(arg)
		if err != nil {
			s.releaseCallbacks(keys)
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		wargs = append(wargs, wire.Argument{Kind: wire.ArgValue, Value: buf})
	}

	return wargs, keys, nil
}

func (s *Scope) registerCallback(tick int64, pos int, cb Callback) (addr, key string, err error) {
	if cb.Invoke == nil {
		return "", "", fmt.Errorf("argument %d: %w", pos, ErrInvalidMethod)
	}
	name := cb.Name
	if name == "" {
		name = "arg" + strconv.Itoa(pos)
	}
	if err := validName(name); err != nil {
		return "", "", fmt.Errorf("argument %d: %w", pos, err)
	}

	key = strconv.FormatInt(tick, 10) + "#" + name
	s.callbacks.Add(key, cb.Invoke)
	return s.name + string(wire.CallbackSep) + key, key, nil
}

func (s *Scope) releaseCallbacks(keys []string) {
	for _, key := range keys {
		s.callbacks.Remove(key)
	}
}

// onCallback serves a request addressed to a callback. Callbacks route by
// scope name, never by domain.
func (s *Scope) onCallback(ctx context.Context, r *Remote, in *inbound, env transport.Envelope) (transport.Envelope, error) {
	logger := s.callLogger(in, modeCB)

	origin, key, ok := splitCallback(in.meta.Sign)
	if !ok {
		return s.resultEnvelope(&in.meta, wire.ErrorResult("malformed callback address "+in.meta.Sign))
	}

	if origin == s.name {
		inv, ok := s.callbacks.Get(key)
		if !ok {
			logger.Debug("callback not in pool")
			return s.resultEnvelope(&in.meta, wire.ErrorResult(fmt.Sprintf("%s: %s", ErrCallbackMissing, in.meta.Sign)))
		}
		s.msink.IncrCounterWithLabels(MetricScopeCallbackCount, 1.0, s.labels())
		v, err := s.safeInvoke(ctx, inv, s.newCall(r, in))
		s.traceServed(logger, in)
		return s.resultEnvelope(&in.meta, buildResult(s.codec, v, err))
	}

	next := s.callbackHop(origin, in.meta.Via, r)
	if next == nil {
		return s.resultEnvelope(&in.meta, wire.ErrorResult(fmt.Sprintf("%s: scope %s", ErrNoRoute, origin)))
	}
	return s.forwardRR(ctx, logger, in, env, next)
}

// callbackHop picks the neighbour a callback call goes to on its way to
// origin. Only the scopes of via closer to origin than we are qualify, so
// the call never turns back.
func (s *Scope) callbackHop(origin string, via []string, from *Remote) *Remote {
	if i := slices.Index(via, s.name); i >= 0 {
		via = via[:i]
	}
	for _, name := range append([]string{origin}, via...) {
		next := s.table.RemoteByName(name)
		if next != nil && next != from && !next.Detached() {
			return next
		}
	}
	return nil
}
