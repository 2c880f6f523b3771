package scopemesh

import (
	"context"
	"fmt"
	"iter"

	"github.com/raskyld/scopemesh/pkg/wire"
)

// Call gives access to the meta and arguments of an inbound call.
type Call struct {
	Meta wire.Meta

	scope  *Scope
	remote *Remote
	args   []wire.Argument
}

func (c *Call) NArgs() int {
	return len(c.args)
}

// Arg decodes the i-th argument into `into`.
func (c *Call) Arg(i int, into any) error {
	if i < 0 || i >= len(c.args) {
		return fmt.Errorf("%w: %d", ErrArgIndex, i)
	}
	arg := c.args[i]
	if arg.Kind == wire.ArgCallback {
		return fmt.Errorf("%w: %d", ErrNotValue, i)
	}
	return c.scope.codec.Decode(arg.Value, into)
}

// Callback returns a handle on the i-th argument, which must be a callback.
func (c *Call) Callback(i int) (*RemoteCallback, error) {
	if i < 0 || i >= len(c.args) {
		return nil, fmt.Errorf("%w: %d", ErrArgIndex, i)
	}
	arg := c.args[i]
	if arg.Kind != wire.ArgCallback {
		return nil, fmt.Errorf("%w: %d", ErrNotCallback, i)
	}
	path := make([]string, 0, len(c.Meta.Link))
	for _, hop := range c.Meta.Link {
		path = append(path, hop.Scope)
	}
	return &RemoteCallback{
		scope:   c.scope,
		via:     c.remote,
		path:    path,
		Address: arg.Address,
	}, nil
}

// Remote is the neighbour the call came from, nil for local calls.
func (c *Call) Remote() *Remote {
	return c.remote
}

// Callback is an argument the callee can invoke back. Name defaults to
// the position of the argument.
type Callback struct {
	Name   string
	Invoke Invoker
}

// Supplier is an argument evaluated before sending the call. Its value is
// sent instead.
type Supplier func() (any, error)

// Method0 adapts a function without argument.
func Method0[R any](fn func(context.Context) (R, error)) Invoker {
	return func(ctx context.Context, _ *Call) (any, error) {
		r, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Method1 adapts a function of one argument.
func Method1[A, R any](fn func(context.Context, A) (R, error)) Invoker {
	return func(ctx context.Context, call *Call) (any, error) {
		var a A
		if err := call.Arg(0, &a); err != nil {
			return nil, err
		}
		r, err := fn(ctx, a)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Method2 adapts a function of two arguments.
func Method2[A, B, R any](fn func(context.Context, A, B) (R, error)) Invoker {
	return func(ctx context.Context, call *Call) (any, error) {
		var a A
		var b B
		if err := call.Arg(0, &a); err != nil {
			return nil, err
		}
		if err := call.Arg(1, &b); err != nil {
			return nil, err
		}
		r, err := fn(ctx, a, b)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Proc1 adapts a function of one argument returning nothing.
func Proc1[A any](fn func(context.Context, A) error) Invoker {
	return func(ctx context.Context, call *Call) (any, error) {
		var a A
		if err := call.Arg(0, &a); err != nil {
			return nil, err
		}
		return nil, fn(ctx, a)
	}
}

// Stream1 adapts a function of one argument producing a sequence.
func Stream1[A, E any](fn func(context.Context, A) iter.Seq2[E, error]) StreamInvoker {
	return func(ctx context.Context, call *Call) iter.Seq2[any, error] {
		var a A
		if err := call.Arg(0, &a); err != nil {
			return failedSeq(err)
		}
		return func(yield func(any, error) bool) {
			for e, err := range fn(ctx, a) {
				if !yield(e, err) {
					return
				}
			}
		}
	}
}

func failedSeq(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}
