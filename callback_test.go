package scopemesh

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func shouterService() ServiceDesc {
	return ServiceDesc{
		Name: "Shouter",
		Methods: []MethodDesc{{
			Name:   "shout",
			Params: []string{"string", "Callback"},
			Invoke: func(ctx context.Context, call *Call) (any, error) {
				var who string
				if err := call.Arg(0, &who); err != nil {
					return nil, err
				}
				cb, err := call.Callback(1)
				if err != nil {
					return nil, err
				}
				reply, err := cb.Call(ctx, strings.ToUpper(who))
				if err != nil {
					return nil, err
				}
				return ReplyAs[string](reply)
			},
		}},
	}
}

func exclaim() Callback {
	return Callback{
		Invoke: Method1(func(_ context.Context, v string) (string, error) {
			return v + "!", nil
		}),
	}
}

func TestCallback_RoundTrip(t *testing.T) {
	a, _ := connected(t, shouterService())

	reply, err := a.RequestResponse(context.Background(), "Shouter#shout<string,Callback>", "bob", exclaim())
	require.NoError(t, err)
	v, err := ReplyAs[string](reply)
	require.NoError(t, err)
	require.Equal(t, "BOB!", v)
	require.Zero(t, a.callbacks.Len(), "callbacks are released once the call completes")
}

func TestCallback_ThroughRouter(t *testing.T) {
	var pushes atomic.Int64
	a, _, c, _, _ := threeHops(t, &pushes)
	require.NoError(t, a.Register(shouterService()))
	requireResolves(t, c, "Shouter", "b")

	reply, err := c.RequestResponse(context.Background(), "Shouter#shout<string,Callback>", "carol", exclaim())
	require.NoError(t, err)
	v, err := ReplyAs[string](reply)
	require.NoError(t, err)
	require.Equal(t, "CAROL!", v)
}

func TestCallback_RetracesLongPaths(t *testing.T) {
	var pushes atomic.Int64
	a := newTestScope(t, "a")
	r1 := newTestScope(t, "r1", WithRouting(true))
	r2 := newTestScope(t, "r2", WithRouting(true))
	d := newTestScope(t, "d")
	countingPipe(a, r1, &pushes)
	countingPipe(r1, r2, &pushes)
	countingPipe(r2, d, &pushes)

	require.NoError(t, d.Register(shouterService()))
	requireResolves(t, a, "Shouter", "r1")

	reply, err := a.RequestResponse(context.Background(), "Shouter#shout<string,Callback>", "dan", exclaim())
	require.NoError(t, err)
	v, err := ReplyAs[string](reply)
	require.NoError(t, err)
	require.Equal(t, "DAN!", v)
	require.Zero(t, a.callbacks.Len())
}

func TestScope_CallbackHop(t *testing.T) {
	var pushes atomic.Int64
	_, b, _, _, _ := threeHops(t, &pushes)
	require.Eventually(t, func() bool {
		return b.Table().RemoteByName("a") != nil && b.Table().RemoteByName("c") != nil
	}, 5*time.Second, 10*time.Millisecond)

	toA := b.Table().RemoteByName("a")
	toC := b.Table().RemoteByName("c")
	require.Equal(t, toA, b.callbackHop("a", nil, nil), "the origin is a neighbour")
	require.Equal(t, toA, b.callbackHop("z", []string{"z", "a", "b", "c"}, toC))
	require.Nil(t, b.callbackHop("z", []string{"z", "b", "c"}, nil), "never turn back")
	require.Nil(t, b.callbackHop("z", []string{"z", "a"}, toA), "never return to the sender")
}

func TestCallback_Missing(t *testing.T) {
	a, _ := connected(t, greeterService())

	rc := &RemoteCallback{Address: "b@1#nope", scope: a}
	require.Equal(t, "b", rc.Origin())

	reply, err := rc.Call(context.Background())
	require.NoError(t, err)
	require.ErrorContains(t, reply.Result.Err(), ErrCallbackMissing.Error())

	rc = &RemoteCallback{Address: "z@1#nope", scope: a}
	_, err = rc.Call(context.Background())
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestCallback_Arguments(t *testing.T) {
	a, _ := connected(t, greeterService())
	ctx := context.Background()

	supplied := Supplier(func() (any, error) { return "sup", nil })
	reply, err := a.RequestResponse(ctx, "Greeter#hello<string>", supplied)
	require.NoError(t, err)
	v, err := ReplyAs[string](reply)
	require.NoError(t, err)
	require.Equal(t, "hello sup", v)

	broken := Supplier(func() (any, error) { return nil, errors.New("no value") })
	_, err = a.RequestResponse(ctx, "Greeter#hello<string>", broken)
	require.ErrorContains(t, err, "no value")

	_, err = a.RequestResponse(ctx, "Greeter#hello<string>", Callback{})
	require.ErrorIs(t, err, ErrInvalidMethod)

	reply, err = a.RequestResponse(ctx, "Greeter#hello<string>", exclaim())
	require.NoError(t, err)
	require.ErrorContains(t, reply.Result.Err(), ErrNotValue.Error(), "a callback is not a value")
	require.Zero(t, a.callbacks.Len())
}

func TestCall_Arguments(t *testing.T) {
	s := newTestScope(t, "a")
	wargs, keys, err := s.encodeArgs(7, []any{"x", Callback{Name: "done", Invoke: exclaim().Invoke}})
	require.NoError(t, err)
	require.Equal(t, []string{"7#done"}, keys)

	call := &Call{scope: s, args: wargs}
	require.Equal(t, 2, call.NArgs())

	var v string
	require.NoError(t, call.Arg(0, &v))
	require.Equal(t, "x", v)
	require.ErrorIs(t, call.Arg(1, &v), ErrNotValue)
	require.ErrorIs(t, call.Arg(2, &v), ErrArgIndex)

	cb, err := call.Callback(1)
	require.NoError(t, err)
	require.Equal(t, "a@7#done", cb.Address)
	_, err = call.Callback(0)
	require.ErrorIs(t, err, ErrNotCallback)

	s.releaseCallbacks(keys)
	require.Zero(t, s.callbacks.Len())
}
