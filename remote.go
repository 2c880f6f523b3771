package scopemesh

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
)

// RemoteSnapshot is an immutable view of a `Remote`.
type RemoteSnapshot struct {
	// Name of the peer scope, `wire.UnknownName` until it announced itself.
	Name string

	// Domains the peer advertised in its latest meta, sorted.
	Domains []string

	// Weight orders remotes serving the same domain, lowest first.
	Weight int

	// Index is the local slot of the remote. It is negative until the
	// remote is identified.
	Index int

	// Paths holds the scopes crossed by every routed domain of Domains,
	// starting with the remote itself.
	Paths map[string][]string

	// Seq of the latest meta applied.
	Seq int64

	ResumeEnabled bool
}

func (snap *RemoteSnapshot) identified() bool {
	return snap.Name != wire.UnknownName
}

// Remote is our view of one connected peer.
//
// Updates are serialised by the remote's own lock, readers always get a
// consistent snapshot without locking.
type Remote struct {
	ch transport.Channel

	// lk serialises the updates of the snapshot.
	lk       sync.Mutex
	state    atomic.Pointer[RemoteSnapshot]
	detached atomic.Bool

	// pushLk serialises the route meta sent to the remote, sent is the
	// last one that went through.
	pushLk sync.Mutex
	sent   *wire.RouteMeta
}

func newRemote(ch transport.Channel, placeholder int) *Remote {
	r := &Remote{ch: ch}
	r.state.Store(&RemoteSnapshot{
		Name:  wire.UnknownName,
		Index: placeholder,
	})
	return r
}

// Snapshot returns the current state of the remote. It must not be mutated.
func (r *Remote) Snapshot() *RemoteSnapshot {
	return r.state.Load()
}

func (r *Remote) Name() string {
	return r.Snapshot().Name
}

func (r *Remote) Channel() transport.Channel {
	return r.ch
}

// Detached reports whether the remote was closed or replaced by a newer
// connection to the same scope.
func (r *Remote) Detached() bool {
	return r.detached.Load()
}

func (r *Remote) publish(snap *RemoteSnapshot) {
	r.state.Store(snap)
}

// with returns a copy of snap carrying the routes of meta. Routed domains
// whose path crosses self, or grows longer than maxRoutePath, are dropped.
func (snap *RemoteSnapshot) with(meta *wire.RouteMeta, self string) *RemoteSnapshot {
	var domains []string
	var paths map[string][]string
	for _, domain := range meta.Routes {
		if !isRouted(domain) {
			domains = append(domains, domain)
			continue
		}
		path := append([]string{meta.Name}, meta.Paths[domain]...)
		if len(path) > maxRoutePath || slices.Contains(path, self) {
			continue
		}
		if paths == nil {
			paths = make(map[string][]string)
		}
		domains = append(domains, domain)
		paths[domain] = path
	}
	slices.Sort(domains)
	domains = slices.Compact(domains)

	next := *snap
	next.Name = meta.Name
	next.Domains = domains
	next.Paths = paths
	next.Seq = meta.Seq
	next.ResumeEnabled = meta.ResumeEnabled
	return &next
}

func (snap *RemoteSnapshot) withWeight(weight int) *RemoteSnapshot {
	next := *snap
	next.Weight = weight
	return &next
}

// pathTo returns the scopes crossed to reach domain through the remote.
func (snap *RemoteSnapshot) pathTo(domain string) []string {
	if !isRouted(domain) {
		return []string{snap.Name}
	}
	return snap.Paths[domain]
}
