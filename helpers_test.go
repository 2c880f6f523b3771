package scopemesh

import (
	"context"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/stretchr/testify/require"
)

func newTestScope(t *testing.T, name string, opts ...Option) *Scope {
	t.Helper()
	s, err := New(append(opts, WithName(name))...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// countingChannel counts the route meta a scope sends.
type countingChannel struct {
	transport.Channel
	pushes *atomic.Int64
}

func (cc *countingChannel) MetadataPush(ctx context.Context, env transport.Envelope) error {
	cc.pushes.Add(1)
	return cc.Channel.MetadataPush(ctx, env)
}

type countingAcceptor struct {
	s      *Scope
	pushes *atomic.Int64
}

func (ca countingAcceptor) Accept(ch transport.Channel) transport.Handler {
	return ca.s.Accept(&countingChannel{Channel: ch, pushes: ca.pushes})
}

func countingPipe(a, b *Scope, pushes *atomic.Int64) {
	transport.Pipe(countingAcceptor{a, pushes}, countingAcceptor{b, pushes})
}

// requireSilent waits for no route meta to be sent for a while.
func requireSilent(t *testing.T, pushes *atomic.Int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		before := pushes.Load()
		time.Sleep(50 * time.Millisecond)
		return pushes.Load() == before
	}, 5*time.Second, 10*time.Millisecond)
}

func requireResolves(t *testing.T, s *Scope, domain, via string) {
	t.Helper()
	require.Eventually(t, func() bool {
		r := s.ResolveRemote(domain)
		return r != nil && r.Name() == via
	}, 5*time.Second, 10*time.Millisecond, "%s never resolved %s via %s", s.Name(), domain, via)
}

func greeterService() ServiceDesc {
	return ServiceDesc{
		Name: "Greeter",
		Methods: []MethodDesc{
			{
				Name:   "hello",
				Params: []string{"string"},
				Invoke: Method1(func(_ context.Context, who string) (string, error) {
					return "hello " + who, nil
				}),
			},
			{
				Name:   "count",
				Params: []string{"int"},
				Stream: Stream1(func(ctx context.Context, n int) iter.Seq2[int, error] {
					return func(yield func(int, error) bool) {
						for i := range n {
							if !yield(i, nil) {
								return
							}
						}
					}
				}),
			},
		},
	}
}
