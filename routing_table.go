package scopemesh

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	iradix "github.com/hashicorp/go-immutable-radix"
)

const btreeDegree = 8

// remoteItem is the position of a remote in a domain set. It captures the
// weight the remote had when inserted so it can be found again.
type remoteItem struct {
	weight int
	index  int
	r      *Remote
}

func lessRemoteItem(a, b remoteItem) bool {
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	return a.index < b.index
}

type domainSet struct {
	lk   sync.RWMutex
	tree *btree.BTreeG[remoteItem]
}

// RoutingTable resolves domains to the remotes able to serve them.
//
// Every domain maps to a set of remotes ordered by weight. Domains suffixed
// with `?` hold the remotes that only know the domain indirectly.
type RoutingTable struct {
	routing bool

	domainIndex *IndexRegistry
	setsLk      sync.RWMutex
	sets        map[int]*domainSet

	// reachable holds every domain with at least one remote. It is
	// replaced on write so readers never lock.
	reachable   atomic.Pointer[iradix.Tree]
	reachableLk sync.Mutex

	remoteNames *IndexRegistry
	remotesLk   sync.RWMutex
	remotes     map[int]*Remote
}

func NewRoutingTable(routing bool) *RoutingTable {
	rt := &RoutingTable{
		routing:     routing,
		domainIndex: NewIndexRegistry(),
		sets:        make(map[int]*domainSet),
		remoteNames: NewIndexRegistry(),
		remotes:     make(map[int]*Remote),
	}
	rt.reachable.Store(iradix.New())
	return rt
}

// FindRemoteService returns the lowest weight remote serving domain.
// When routing is enabled and no remote serves domain directly, remotes
// knowing it indirectly are considered.
func (rt *RoutingTable) FindRemoteService(domain string) *Remote {
	if r := rt.first(domain); r != nil {
		return r
	}
	if !rt.routing {
		return nil
	}
	return rt.first(routed(domain))
}

// FindRoutedService only considers remotes knowing domain indirectly.
func (rt *RoutingTable) FindRoutedService(domain string) *Remote {
	return rt.first(routed(domain))
}

// RemotesFor lists the remotes registered under domain, lowest weight
// first.
func (rt *RoutingTable) RemotesFor(domain string) []*Remote {
	set := rt.lookupSet(domain)
	if set == nil {
		return nil
	}
	set.lk.RLock()
	defer set.lk.RUnlock()
	remotes := make([]*Remote, 0, set.tree.Len())
	set.tree.Ascend(func(item remoteItem) bool {
		remotes = append(remotes, item.r)
		return true
	})
	return remotes
}

// UpdateRemoteService moves r from the domains of old to the domains of
// next. Either snapshot may be nil. It reports whether a domain became
// reachable or unreachable.
func (rt *RoutingTable) UpdateRemoteService(r *Remote, old, next *RemoteSnapshot) bool {
	changed := false

	var oldDomains, nextDomains []string
	if old != nil {
		oldDomains = old.Domains
	}
	if next != nil {
		nextDomains = next.Domains
	}

	for _, domain := range oldDomains {
		if slices.Contains(nextDomains, domain) {
			if old.Weight != next.Weight || old.Index != next.Index {
				rt.move(domain, r, old, next)
			}
			continue
		}
		if rt.remove(domain, r, old) {
			changed = true
		}
	}

	for _, domain := range nextDomains {
		if slices.Contains(oldDomains, domain) {
			continue
		}
		if rt.insert(domain, r, next) {
			changed = true
		}
	}

	return changed
}

// RemoveRemote forgets r entirely. It reports whether a domain became
// unreachable.
func (rt *RoutingTable) RemoveRemote(r *Remote) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	return rt.detach(r)
}

// detach must be called with r.lk held.
func (rt *RoutingTable) detach(r *Remote) bool {
	r.detached.Store(true)
	snap := r.Snapshot()
	changed := rt.UpdateRemoteService(r, snap, nil)

	rt.remotesLk.Lock()
	if rt.remotes[snap.Index] == r {
		delete(rt.remotes, snap.Index)
	}
	rt.remotesLk.Unlock()

	next := *snap
	next.Domains = nil
	r.publish(&next)
	return changed
}

// PlusWeight makes r less likely to be picked.
func (rt *RoutingTable) PlusWeight(r *Remote) {
	rt.adjustWeight(r, 1)
}

// MinusWeight makes r more likely to be picked. The weight never goes
// below 1.
func (rt *RoutingTable) MinusWeight(r *Remote) {
	rt.adjustWeight(r, -1)
}

func (rt *RoutingTable) adjustWeight(r *Remote, delta int) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.Detached() {
		return
	}
	old := r.Snapshot()
	weight := max(old.Weight+delta, 1)
	if weight == old.Weight {
		return
	}
	next := old.withWeight(weight)
	rt.UpdateRemoteService(r, old, next)
	r.publish(next)
}

// ScanDomains lists the reachable domains starting with prefix, sorted.
func (rt *RoutingTable) ScanDomains(prefix string) []string {
	var domains []string
	rt.reachable.Load().Root().WalkPrefix([]byte(prefix), func(k []byte, _ interface{}) bool {
		domains = append(domains, string(k))
		return false
	})
	return domains
}

// LearnedDomains lists the domains reachable through a remote, without
// route mark, sorted.
func (rt *RoutingTable) LearnedDomains() []string {
	var domains []string
	for _, domain := range rt.ScanDomains("") {
		domains = append(domains, baseDomain(domain))
	}
	slices.Sort(domains)
	return slices.Compact(domains)
}

// RoutePath returns the shortest chain of scopes through which domain is
// reachable, neighbour first. Equal lengths are ordered by name so every
// scope settles on the same chain whatever the weights.
func (rt *RoutingTable) RoutePath(domain string) []string {
	var best []string
	for _, key := range []string{domain, routed(domain)} {
		for _, r := range rt.RemotesFor(key) {
			path := r.Snapshot().pathTo(key)
			if len(path) == 0 {
				continue
			}
			if best == nil || len(path) < len(best) ||
				len(path) == len(best) && slices.Compare(path, best) < 0 {
				best = path
			}
		}
	}
	return best
}

// RemoteByName returns the live remote announced as name.
func (rt *RoutingTable) RemoteByName(name string) *Remote {
	idx, ok := rt.remoteNames.Lookup(name)
	if !ok {
		return nil
	}
	return rt.RemoteByIndex(idx)
}

func (rt *RoutingTable) RemoteByIndex(idx int) *Remote {
	rt.remotesLk.RLock()
	defer rt.remotesLk.RUnlock()
	return rt.remotes[idx]
}

// Remotes lists every registered remote, identified or not.
func (rt *RoutingTable) Remotes() []*Remote {
	rt.remotesLk.RLock()
	defer rt.remotesLk.RUnlock()
	remotes := make([]*Remote, 0, len(rt.remotes))
	for _, r := range rt.remotes {
		remotes = append(remotes, r)
	}
	return remotes
}

func (rt *RoutingTable) register(r *Remote) {
	rt.remotesLk.Lock()
	defer rt.remotesLk.Unlock()
	rt.remotes[r.Snapshot().Index] = r
}

// claimSlot moves r from its placeholder slot to idx. It returns the remote
// previously holding idx, if any.
func (rt *RoutingTable) claimSlot(r *Remote, placeholder, idx int) *Remote {
	rt.remotesLk.Lock()
	defer rt.remotesLk.Unlock()
	if rt.remotes[placeholder] == r {
		delete(rt.remotes, placeholder)
	}
	prev := rt.remotes[idx]
	rt.remotes[idx] = r
	if prev == r {
		return nil
	}
	return prev
}

func (rt *RoutingTable) lookupSet(domain string) *domainSet {
	idx, ok := rt.domainIndex.Lookup(domain)
	if !ok {
		return nil
	}
	rt.setsLk.RLock()
	defer rt.setsLk.RUnlock()
	return rt.sets[idx]
}

func (rt *RoutingTable) ensureSet(domain string) *domainSet {
	idx := rt.domainIndex.GetOrAdd(domain)

	rt.setsLk.RLock()
	set, ok := rt.sets[idx]
	rt.setsLk.RUnlock()
	if ok {
		return set
	}

	rt.setsLk.Lock()
	defer rt.setsLk.Unlock()
	if set, ok := rt.sets[idx]; ok {
		return set
	}
	set = &domainSet{tree: btree.NewG(btreeDegree, lessRemoteItem)}
	rt.sets[idx] = set
	return set
}

func (rt *RoutingTable) first(domain string) *Remote {
	set := rt.lookupSet(domain)
	if set == nil {
		return nil
	}
	set.lk.RLock()
	defer set.lk.RUnlock()
	item, ok := set.tree.Min()
	if !ok {
		return nil
	}
	return item.r
}

func (rt *RoutingTable) insert(domain string, r *Remote, snap *RemoteSnapshot) bool {
	set := rt.ensureSet(domain)
	set.lk.Lock()
	defer set.lk.Unlock()
	wasEmpty := set.tree.Len() == 0
	set.tree.ReplaceOrInsert(remoteItem{weight: snap.Weight, index: snap.Index, r: r})
	if wasEmpty {
		rt.markReachable(domain, true)
	}
	return wasEmpty
}

func (rt *RoutingTable) remove(domain string, r *Remote, snap *RemoteSnapshot) bool {
	set := rt.lookupSet(domain)
	if set == nil {
		return false
	}
	set.lk.Lock()
	defer set.lk.Unlock()
	item, ok := set.tree.Get(remoteItem{weight: snap.Weight, index: snap.Index})
	if !ok || item.r != r {
		return false
	}
	set.tree.Delete(item)
	if set.tree.Len() == 0 {
		rt.markReachable(domain, false)
		return true
	}
	return false
}

func (rt *RoutingTable) move(domain string, r *Remote, old, next *RemoteSnapshot) {
	set := rt.ensureSet(domain)
	set.lk.Lock()
	defer set.lk.Unlock()
	if item, ok := set.tree.Get(remoteItem{weight: old.Weight, index: old.Index}); ok && item.r == r {
		set.tree.Delete(item)
	}
	set.tree.ReplaceOrInsert(remoteItem{weight: next.Weight, index: next.Index, r: r})
}

// markReachable must be called with the lock of the domain set held.
func (rt *RoutingTable) markReachable(domain string, reachable bool) {
	rt.reachableLk.Lock()
	defer rt.reachableLk.Unlock()
	tree := rt.reachable.Load()
	if reachable {
		tree, _, _ = tree.Insert([]byte(domain), struct{}{})
	} else {
		tree, _, _ = tree.Delete([]byte(domain))
	}
	rt.reachable.Store(tree)
}
