package scopemesh

import (
	"errors"

	"github.com/raskyld/scopemesh/pkg/transport"
)

var (
	ErrInvalidCfg      = errors.New("scope: invalid options")
	ErrInvalidName     = errors.New("scope: names must not be empty nor contain any of '#<,>?@'")
	ErrScopeExists     = errors.New("scope: a scope with this name already exists")
	ErrScopeClosed     = errors.New("scope: closed")
	ErrServiceExists   = errors.New("scope: service already registered")
	ErrHandlerExists   = errors.New("scope: handler already registered for this signature")
	ErrInvalidMethod   = errors.New("scope: a method needs exactly one of Invoke or Stream")
	ErrNoRoute         = errors.New("routing: no remote can serve this domain")
	ErrInvalidSign     = errors.New("routing: malformed signature")
	ErrArgIndex        = errors.New("scope: argument index out of range")
	ErrNotCallback     = errors.New("scope: argument is not a callback")
	ErrNotValue        = errors.New("scope: argument is a callback")
	ErrCallbackMissing = errors.New("scope: invokable missing")
	ErrCallTimeout     = errors.New("scope: call timed out")
	ErrNoResult        = errors.New("scope: result holds no value")
	ErrJoinCluster     = errors.New("discovery: could not join cluster")
)

// RemoteError is the error part of a `Result` produced on another scope,
// or the failure reported by the transport of a remote call.
type RemoteError = transport.RemoteError
