package main

import (
	"context"
	"strings"

	"github.com/raskyld/scopemesh"
)

// nodeService is served by every node so the mesh can be inspected.
func nodeService(scope *scopemesh.Scope) scopemesh.ServiceDesc {
	return scopemesh.ServiceDesc{
		Name: "Node." + strings.ReplaceAll(scope.Name(), ".", "_"),
		Methods: []scopemesh.MethodDesc{
			{
				Name:   "echo",
				Params: []string{"string"},
				Invoke: scopemesh.Method1(func(_ context.Context, msg string) (string, error) {
					return msg, nil
				}),
			},
			{
				Name: "routes",
				Invoke: scopemesh.Method0(func(context.Context) ([]string, error) {
					return scope.Routes(), nil
				}),
			},
		},
	}
}
