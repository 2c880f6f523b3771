package scopemesh

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
	"github.com/stretchr/testify/require"
)

// threeHops connects a - b - c where only b routes.
func threeHops(t *testing.T, pushes *atomic.Int64) (a, b, c *Scope, ab, bc transport.Channel) {
	t.Helper()
	a = newTestScope(t, "a")
	b = newTestScope(t, "b", WithRouting(true))
	c = newTestScope(t, "c")
	ab, _ = transport.Pipe(countingAcceptor{a, pushes}, countingAcceptor{b, pushes})
	bc, _ = transport.Pipe(countingAcceptor{b, pushes}, countingAcceptor{c, pushes})
	return
}

func TestTopology_Converges(t *testing.T) {
	var pushes atomic.Int64
	a, b, c, _, _ := threeHops(t, &pushes)

	require.NoError(t, a.Register(greeterService()))

	requireResolves(t, b, "Greeter", "a")
	requireResolves(t, c, "Greeter", "b")

	require.Nil(t, c.Table().FindRemoteService("Greeter"),
		"c does not route: the routed set is only a fallback of ResolveRemote, see DESIGN.md decision 3")
	require.Equal(t, []string{"Greeter?"}, b.Routes())
	require.Equal(t, []string{"Greeter"}, a.Routes(), "a only advertises what it serves")

	requireSilent(t, &pushes)
	before := pushes.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, before, pushes.Load(), "no route meta once converged")
}

func TestTopology_WithdrawOnUnregister(t *testing.T) {
	var pushes atomic.Int64
	a, _, c, _, _ := threeHops(t, &pushes)

	require.NoError(t, a.Register(greeterService()))
	requireResolves(t, c, "Greeter", "b")

	require.True(t, a.Unregister("Greeter"))
	require.Eventually(t, func() bool {
		return c.ResolveRemote("Greeter") == nil
	}, 5*time.Second, 10*time.Millisecond)
	requireSilent(t, &pushes)
}

func TestTopology_WithdrawOnDisconnect(t *testing.T) {
	var pushes atomic.Int64
	a, b, c, ab, _ := threeHops(t, &pushes)

	require.NoError(t, a.Register(greeterService()))
	requireResolves(t, c, "Greeter", "b")

	require.NoError(t, ab.Dispose())
	require.Eventually(t, func() bool {
		return c.ResolveRemote("Greeter") == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Nil(t, b.Table().RemoteByName("a"))

	// A new channel brings the route back.
	LocalPipe(a, b)
	requireResolves(t, c, "Greeter", "b")
}

func TestTopology_SplitHorizon(t *testing.T) {
	var pushes atomic.Int64
	a, b, _, _, _ := threeHops(t, &pushes)

	require.NoError(t, a.Register(greeterService()))
	requireResolves(t, b, "Greeter", "a")

	snapA := b.Table().RemoteByName("a").Snapshot()
	routes, _ := b.routesFor(snapA)
	require.NotContains(t, routes, "Greeter?", "a is not told about its own domain")

	routes, paths := b.routesFor(nil)
	require.Contains(t, routes, "Greeter?")
	require.Equal(t, map[string][]string{"Greeter?": {"a"}}, paths)
}

func TestTopology_LocalServiceNotFiltered(t *testing.T) {
	a := newTestScope(t, "a", WithRouting(true))
	require.NoError(t, a.Register(greeterService()))

	target := &RemoteSnapshot{Name: "b", Domains: []string{"Greeter?"}}
	routes, paths := a.routesFor(target)
	require.Equal(t, []string{"Greeter"}, routes)
	require.Empty(t, paths)
}

// ring connects n routing scopes in a cycle. A non-routing leaf serving
// hangs off the first router and a non-routing client off the second.
func ring(t *testing.T, n int, pushes *atomic.Int64) (routers []*Scope, leaf, client *Scope) {
	t.Helper()
	for i := range n {
		routers = append(routers, newTestScope(t, fmt.Sprintf("r%d", i), WithRouting(true)))
	}
	for i := range n {
		countingPipe(routers[i], routers[(i+1)%n], pushes)
	}
	leaf = newTestScope(t, "leaf")
	client = newTestScope(t, "client")
	countingPipe(leaf, routers[0], pushes)
	countingPipe(client, routers[1], pushes)
	return
}

func TestTopology_WithdrawInCycle(t *testing.T) {
	for _, n := range []int{3, 4} {
		t.Run(fmt.Sprintf("%d routers", n), func(t *testing.T) {
			var pushes atomic.Int64
			routers, leaf, client := ring(t, n, &pushes)

			require.NoError(t, leaf.Register(greeterService()))
			requireResolves(t, routers[0], "Greeter", "leaf")
			requireResolves(t, client, "Greeter", "r1")
			for _, r := range routers[1:] {
				require.Eventually(t, func() bool {
					return slices.Equal(r.Routes(), []string{"Greeter?"})
				}, 5*time.Second, 10*time.Millisecond, "%s never learned Greeter", r.Name())
			}
			requireSilent(t, &pushes)

			require.True(t, leaf.Unregister("Greeter"))
			for _, r := range routers {
				require.Eventually(t, func() bool {
					return len(r.Routes()) == 0 && r.ResolveRemote("Greeter") == nil
				}, 5*time.Second, 10*time.Millisecond, "%s kept a route to Greeter", r.Name())
			}
			require.Eventually(t, func() bool {
				return client.ResolveRemote("Greeter") == nil
			}, 5*time.Second, 10*time.Millisecond)
			requireSilent(t, &pushes)

			_, err := client.RequestResponse(context.Background(), "Greeter#hello<string>", "x")
			require.ErrorIs(t, err, ErrNoRoute)

			// Serving again brings the routes back around the cycle.
			require.NoError(t, leaf.Register(greeterService()))
			requireResolves(t, client, "Greeter", "r1")
		})
	}
}

func TestTopology_RejectsLoopingRoutes(t *testing.T) {
	a := newTestScope(t, "a", WithRouting(true))
	b := newTestScope(t, "b")
	LocalPipe(a, b)
	require.Eventually(t, func() bool {
		return a.Table().RemoteByName("b") != nil
	}, 5*time.Second, 10*time.Millisecond)

	r := a.Table().RemoteByName("b")
	seq := r.Snapshot().Seq
	a.processRemoteUpdate(r, &wire.RouteMeta{
		Seq:    seq + 1,
		Name:   "b",
		Routes: []string{"X?", "Y?"},
		Paths: map[string][]string{
			"X?": {"z", "a"},
			"Y?": {"z"},
		},
	})
	require.Nil(t, a.ResolveRemote("X"), "a route through a is a loop")
	require.Equal(t, r, a.ResolveRemote("Y"))
	require.Equal(t, []string{"b", "z"}, a.Table().RoutePath("Y"))

	a.processRemoteUpdate(r, &wire.RouteMeta{Seq: seq, Name: "b", Routes: []string{"W"}})
	require.Nil(t, a.ResolveRemote("W"), "outdated meta is dropped")
	require.Equal(t, r, a.ResolveRemote("Y"))
}

func TestTopology_Resume(t *testing.T) {
	var pushes atomic.Int64
	a := newTestScope(t, "a", WithResume(true))
	b := newTestScope(t, "b", WithResume(true), WithRouting(true))
	c := newTestScope(t, "c", WithResume(true))
	countingPipe(a, b, &pushes)
	countingPipe(b, c, &pushes)

	require.NoError(t, a.Register(greeterService()))
	requireResolves(t, c, "Greeter", "b")
	require.True(t, b.Table().RemoteByName("a").Snapshot().ResumeEnabled)

	// Once both sides know about resumption, route meta travels as
	// fire-and-forget instead of metadata push.
	requireSilent(t, &pushes)
	before := pushes.Load()
	require.True(t, a.Unregister("Greeter"))
	require.Eventually(t, func() bool {
		return c.ResolveRemote("Greeter") == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, before, pushes.Load())

	require.NoError(t, a.Register(greeterService()))
	requireResolves(t, c, "Greeter", "b")
	reply, err := c.RequestResponse(context.Background(), "Greeter#hello<string>", "resume")
	require.NoError(t, err)
	var out string
	require.NoError(t, reply.Result.Decode(&out))
	require.Equal(t, "hello resume", out)
}

func TestTopology_IgnoresBadMeta(t *testing.T) {
	a := newTestScope(t, "a")
	b := newTestScope(t, "b")
	LocalPipe(a, b)
	require.Eventually(t, func() bool {
		return a.Table().RemoteByName("b") != nil
	}, 5*time.Second, 10*time.Millisecond)

	r := a.Table().RemoteByName("b")
	a.processRemoteUpdate(r, &wire.RouteMeta{Name: "c", Routes: []string{"X"}})
	require.Equal(t, "b", r.Name(), "a remote cannot rename itself")

	a.processRemoteUpdate(r, &wire.RouteMeta{Name: "a", Routes: []string{"X"}})
	require.Nil(t, a.ResolveRemote("X"))

	a.onRouteMeta(r, []byte{0xc1})
	require.Nil(t, a.ResolveRemote("X"))
}

func TestTopology_Reconnect(t *testing.T) {
	a := newTestScope(t, "a")
	b := newTestScope(t, "b")
	require.NoError(t, b.Register(greeterService()))

	first, _ := LocalPipe(a, b)
	requireResolves(t, a, "Greeter", "b")
	old := a.ResolveRemote("Greeter")
	a.Table().PlusWeight(old)

	// b reconnects before the first channel was noticed as gone.
	LocalPipe(a, b)
	require.Eventually(t, func() bool {
		r := a.ResolveRemote("Greeter")
		return r != nil && r != old
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, old.Detached())
	require.Equal(t, 2, a.ResolveRemote("Greeter").Snapshot().Weight, "weight survives reconnections")
	require.Eventually(t, func() bool {
		select {
		case <-first.OnClose():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSameSet(t *testing.T) {
	require.True(t, sameSet(nil, []string{}))
	require.True(t, sameSet([]string{"b", "a", "a"}, []string{"a", "b"}))
	require.False(t, sameSet([]string{"a"}, []string{"a", "b"}))
}
