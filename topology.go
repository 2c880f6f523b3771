package scopemesh

import (
	"context"
	"maps"
	"slices"

	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// maxRoutePath bounds the number of scopes a routed domain may cross.
const maxRoutePath = 32

func (s *Scope) onRouteMeta(r *Remote, buf []byte) {
	var meta wire.RouteMeta
	if err := s.codec.Decode(buf, &meta); err != nil {
		s.logger.Warn("dropping malformed route meta", LabelError.L(err))
		return
	}
	s.msink.IncrCounterWithLabels(MetricScopeMetaRecvCount, 1.0, s.labels(LabelPeerName.M(meta.Name)))
	s.processRemoteUpdate(r, &meta)
}

// processRemoteUpdate applies the meta r just sent us, then notifies
// whoever needs to learn about the change.
func (s *Scope) processRemoteUpdate(r *Remote, meta *wire.RouteMeta) {
	ctx := context.Background()

	if meta.Name == wire.UnknownName {
		// The peer did not announce itself yet. It still expects our
		// routes unless it says it already knows them.
		if len(meta.Known) == 0 {
			s.pushOrLog(ctx, r, true)
		}
		return
	}

	if err := validName(meta.Name); err != nil || meta.Name == s.name {
		s.logger.Warn("ignoring route meta with invalid name", LabelPeerName.L(meta.Name))
		return
	}

	r.lk.Lock()
	if r.Detached() {
		r.lk.Unlock()
		return
	}

	existing := r.Snapshot()
	if existing.identified() && existing.Name != meta.Name {
		r.lk.Unlock()
		s.logger.Warn(
			"remote tried to rename itself, ignoring",
			LabelPeerName.L(existing.Name),
			"new_name", meta.Name,
		)
		return
	}

	if existing.identified() && meta.Seq <= existing.Seq {
		r.lk.Unlock()
		s.logger.Debug("dropping outdated route meta", LabelPeerName.L(meta.Name))
		return
	}

	next := existing.with(meta, s.name)
	changed := false
	if !existing.identified() {
		idx, fresh := s.table.remoteNames.Prepare(meta.Name)
		next.Index = idx
		next.Weight = 1

		if prev := s.table.claimSlot(r, existing.Index, idx); prev != nil {
			// The peer reconnected before we noticed the old channel
			// went away. Keep its weight, drop the old channel.
			next.Weight = max(prev.Snapshot().Weight, 1)
			if s.table.RemoveRemote(prev) {
				changed = true
			}
			go prev.ch.Dispose()
			s.logger.Info(
				"remote replaced by a newer connection",
				LabelPeerName.L(meta.Name),
				LabelWeight.L(next.Weight),
			)
		}

		s.logger.Info(
			"remote identified",
			LabelPeerName.L(meta.Name),
			LabelPeerIndex.L(idx),
			"first_seen", fresh,
		)
	} else {
		next.Weight = max(existing.Weight, 1)
		s.logger.Debug(
			"remote updated",
			LabelPeerName.L(meta.Name),
			"old", existing.Domains,
			"new", next.Domains,
		)
	}

	if s.table.UpdateRemoteService(r, existing, next) {
		changed = true
	}
	r.publish(next)
	r.lk.Unlock()

	// A routed domain can stay reachable while the path leading to it
	// changes, neighbours are told whenever what they got is outdated.
	if s.config.routing {
		s.broadcast(ctx, r)
	}
	if changed {
		s.logger.Debug("reachable domains changed", LabelPeerName.L(meta.Name))
	}

	routes, _ := s.routesFor(next)
	s.pushOrLog(ctx, r, !sameSet(meta.Known, routes))
}

// routesFor returns the routes we advertise to target, with the path of
// every routed one. A routed domain whose path crosses target is left out,
// a remote is never told about a route leading back to itself.
func (s *Scope) routesFor(target *RemoteSnapshot) ([]string, map[string][]string) {
	var paths map[string][]string
	routes := slices.DeleteFunc(s.services.CurrentRouteNames(s.config.routing), func(domain string) bool {
		if !isRouted(domain) {
			return false
		}
		path := s.table.RoutePath(baseDomain(domain))
		if len(path) == 0 || len(path)+1 > maxRoutePath {
			return true
		}
		if target != nil && slices.Contains(path, target.Name) {
			return true
		}
		if paths == nil {
			paths = make(map[string][]string)
		}
		paths[domain] = path
		return false
	})
	return routes, paths
}

// pushMeta sends our routes to r. Unless force is set, nothing is sent
// when r already got the same routes.
func (s *Scope) pushMeta(ctx context.Context, r *Remote, force bool) error {
	r.pushLk.Lock()
	defer r.pushLk.Unlock()

	snap := r.Snapshot()
	routes, paths := s.routesFor(snap)
	meta := wire.RouteMeta{
		Seq:           s.tick(),
		Name:          s.name,
		ResumeEnabled: s.config.resume,
		Routes:        routes,
		Known:         snap.Domains,
		Paths:         paths,
	}
	if !force && r.sent != nil && sameRoutes(r.sent, &meta) {
		return nil
	}

	buf, err := s.codec.Encode(&meta)
	if err != nil {
		return err
	}

	env := transport.Envelope{Metadata: buf}
	if snap.ResumeEnabled {
		err = r.ch.FireAndForget(ctx, env)
	} else {
		err = r.ch.MetadataPush(ctx, env)
	}
	if err != nil {
		return err
	}
	r.sent = &meta

	s.msink.IncrCounterWithLabels(MetricScopeMetaPushCount, 1.0, s.labels(LabelPeerName.M(snap.Name)))
	return nil
}

func (s *Scope) pushOrLog(ctx context.Context, r *Remote, force bool) {
	if err := s.pushMeta(ctx, r, force); err != nil {
		s.logger.Warn("could not push route meta", LabelPeerName.L(r.Name()), LabelError.L(err))
	}
}

// syncServMeta pushes our routes to every remote but the excluded ones,
// skipping those already up to date.
func (s *Scope) syncServMeta(ctx context.Context, exclude ...*Remote) error {
	var g errgroup.Group
	g.SetLimit(s.config.broadcastConcurrency)
	for _, r := range s.table.Remotes() {
		if r.Detached() || slices.Contains(exclude, r) {
			continue
		}
		g.Go(func() error {
			return s.pushMeta(ctx, r, false)
		})
	}
	return g.Wait()
}

func (s *Scope) broadcast(ctx context.Context, exclude ...*Remote) {
	if err := s.syncServMeta(ctx, exclude...); err != nil {
		s.logger.Warn("route meta broadcast incomplete", LabelError.L(err))
	}
}

func sameSet(a, b []string) bool {
	a = slices.Clone(a)
	b = slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(slices.Compact(a), slices.Compact(b))
}

// sameRoutes reports whether a and b advertise the same routes through the
// same paths.
func sameRoutes(a, b *wire.RouteMeta) bool {
	return a.ResumeEnabled == b.ResumeEnabled &&
		slices.Equal(a.Routes, b.Routes) &&
		maps.EqualFunc(a.Paths, b.Paths, slices.Equal[[]string])
}
