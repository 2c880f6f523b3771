// Package scopemesh is an RPC mesh between independent nodes called
// *Scopes*.
//
// Scopes connect to each other over duplex channels (see
// `transport.Channel`), register local services and call services hosted by
// other scopes using an interface-level address: the *domain*.
//
// ## Addressing
//
// A method is identified by its *signature*:
//
//	Interface#method<Param1,Param2>
//
// The domain of a signature is everything before `#`. Routing decisions are
// made per domain, never per method.
//
// ## Topology
//
// As soon as a connection is accepted, both sides exchange a `wire.RouteMeta`
// holding their name and the domains they can serve. A scope created
// `WithRouting` also advertises the domains it learned from its neighbours,
// suffixed with `?`, and forwards calls it cannot serve locally. Pushes only
// happen when something changed, or when a neighbour's belief about our
// routes is stale, so a converged mesh is silent.
//
// ## Calls
//
// Three interaction modes are available: `Scope.FireAndForget`,
// `Scope.RequestResponse` and `Scope.RequestStream`. Arguments can be plain
// values, a `Supplier` evaluated before sending, or a `Callback` the remote
// side can invoke back through the mesh.
//
// ## Example
//
//	reg := scopemesh.NewRegistry()
//	a, _ := reg.Create("a")
//	b, _ := reg.Create("b", scopemesh.WithRouting(true))
//	scopemesh.LocalPipe(a, b)
//
//	a.Register(scopemesh.ServiceDesc{
//		Name: "Greeter",
//		Methods: []scopemesh.MethodDesc{{
//			Name:   "hello",
//			Params: []string{"string"},
//			Invoke: scopemesh.Method1(func(ctx context.Context, who string) (string, error) {
//				return "hello " + who, nil
//			}),
//		}},
//	})
//
//	reply, err := b.RequestResponse(ctx, "Greeter#hello<string>", "world")
package scopemesh
