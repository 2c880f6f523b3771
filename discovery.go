package scopemesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
)

// endpointTag is the serf tag holding the transport endpoint of a scope.
const endpointTag = "endpoint"

// DiscoveryConfig controls how a scope finds its neighbours.
type DiscoveryConfig struct {
	// BindAddr and BindPort are where the gossip protocol listens.
	BindAddr string
	BindPort int

	// Endpoint is the address neighbours dial to open a channel with us.
	Endpoint string

	// DialTimeout bounds the establishment of channels with discovered
	// scopes.
	DialTimeout time.Duration

	// CoalescePeriod batches membership changes before acting on them.
	// Zero reacts to every change immediately.
	CoalescePeriod time.Duration
}

// Discovery gossips with other scopes and opens a channel with every scope
// joining the cluster.
//
// Of two scopes discovering each other, the one with the smallest name
// dials, so only one channel is opened.
type Discovery struct {
	*gossip
	serf    *serf.Serf
	eventCh chan serf.Event
	stopCh  chan struct{}
	done    sync.WaitGroup
}

func NewDiscovery(s *Scope, dialer Dialer, cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: discovery needs an endpoint", ErrInvalidCfg)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	d := &Discovery{
		gossip:  newGossip(s, dialer, cfg.DialTimeout),
		eventCh: make(chan serf.Event, 512),
		stopCh:  make(chan struct{}),
	}

	serfCfg := serf.DefaultConfig()
	serfCfg.NodeName = s.name
	serfCfg.Tags = map[string]string{endpointTag: cfg.Endpoint}
	serfCfg.EventCh = d.eventCh
	// Channels are disposed by the scope, leaving only needs to be
	// gossiped.
	serfCfg.LeavePropagateDelay = time.Second
	serfCfg.QueueDepthWarning = 512
	// Routing decisions come from route meta, not from coordinates.
	serfCfg.DisableCoordinates = true
	serfCfg.CoalescePeriod = cfg.CoalescePeriod
	serfCfg.QuiescentPeriod = cfg.CoalescePeriod / 5

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	mlCfg.ProbeTimeout = 2 * time.Second
	serfCfg.MemberlistConfig = mlCfg

	serfCfg.LogOutput = nil
	serfCfg.Logger = slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug)
	mlCfg.Logger = serfCfg.Logger

	// TODO(raskyld): drop the translation once serf and memberlist expose
	// the hashicorp labels.
	labels := make([]leg_metrics.Label, len(s.config.metricLabels))
	for i, label := range s.config.metricLabels {
		labels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	serfCfg.MetricLabels = labels
	mlCfg.MetricLabels = labels

	sf, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	d.serf = sf

	d.done.Add(1)
	go d.handleEvents()
	return d, nil
}

// Join contacts the given seeds. It returns how many of them answered.
func (d *Discovery) Join(seeds []string) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	joined, err := d.serf.Join(seeds, true)
	if err != nil {
		return joined, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	if joined != len(seeds) {
		d.logger.Warn(
			"not all seeds are reachable",
			"joined", joined,
			"expected", len(seeds),
		)
	}
	return joined, nil
}

func (d *Discovery) Members() []serf.Member {
	return d.serf.Members()
}

// GossipAddr is the address other scopes use as a seed to join us.
func (d *Discovery) GossipAddr() string {
	return d.serf.Memberlist().LocalNode().Address()
}

// Leave the cluster and stop gossiping. Channels opened are left to the
// scope.
func (d *Discovery) Leave() error {
	d.closing()
	err := d.serf.Leave()
	if serr := d.serf.Shutdown(); err == nil {
		err = serr
	}
	close(d.stopCh)
	d.done.Wait()
	d.wait()
	return err
}

func (d *Discovery) handleEvents() {
	defer d.done.Done()
	for {
		var event serf.Event
		select {
		case event = <-d.eventCh:
		case <-d.stopCh:
			return
		}

		memberEvent, ok := event.(serf.MemberEvent)
		if !ok {
			continue
		}
		for _, member := range memberEvent.Members {
			endpoint := member.Tags[endpointTag]
			switch memberEvent.Type {
			case serf.EventMemberJoin:
				d.onJoin(member.Name, endpoint)
			case serf.EventMemberLeave, serf.EventMemberFailed:
				withLogNode(d.logger, member.Name, endpoint).Info("peer left cluster", "event", memberEvent.Type.String())
			case serf.EventMemberUpdate:
				withLogNode(d.logger, member.Name, endpoint).Info("peer updated")
			}
		}
	}
}

type gossip struct {
	scope       *Scope
	dialer      Dialer
	logger      *slog.Logger
	dialTimeout time.Duration

	lk     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newGossip(s *Scope, dialer Dialer, dialTimeout time.Duration) *gossip {
	return &gossip{
		scope:       s,
		dialer:      dialer,
		logger:      s.logger.With("component", "discovery"),
		dialTimeout: dialTimeout,
	}
}

func withLogNode(logger *slog.Logger, name, endpoint string) *slog.Logger {
	return logger.With(
		LabelPeerName.L(name),
		"peer_endpoint", endpoint,
	)
}

// onJoin dials the scope name which just joined, unless it is up to the
// other side or we are already connected.
func (g *gossip) onJoin(name, endpoint string) {
	logger := withLogNode(g.logger, name, endpoint)
	logger.Info("peer joined cluster")

	if name == g.scope.name || g.scope.name > name {
		return
	}
	if g.scope.table.RemoteByName(name) != nil {
		return
	}
	if endpoint == "" {
		logger.Warn("peer did not advertise an endpoint")
		return
	}

	g.lk.Lock()
	defer g.lk.Unlock()
	if g.closed {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.dialTimeout)
		defer cancel()
		if err := g.scope.Connect(ctx, g.dialer, endpoint); err != nil {
			logger.Warn("could not connect to peer", LabelError.L(err))
			return
		}
		logger.Debug("connected to peer")
	}()
}

func (g *gossip) closing() {
	g.lk.Lock()
	defer g.lk.Unlock()
	g.closed = true
}

func (g *gossip) wait() {
	g.wg.Wait()
}
