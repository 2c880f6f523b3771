package scopemesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/raskyld/scopemesh/pkg/wire"
)

// Scope is a node of the mesh. It serves the services registered on it and
// calls the services of the scopes it is connected to.
//
// A Scope is a `transport.Acceptor`: every channel it is given becomes a
// `Remote`.
type Scope struct {
	config config
	name   string
	logger *slog.Logger
	msink  metrics.MetricSink
	codec  wire.Codec
	clock  clock.Clock

	table     *RoutingTable
	services  *ServiceRegistry
	callbacks *lru.Cache[string, Invoker]

	lastTick     atomic.Int64
	placeholders atomic.Int64

	closed  atomic.Bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	// release is called once the scope is closed.
	release func()
}

var _ transport.Acceptor = (*Scope)(nil)

// New creates a standalone Scope. Use a `Registry` to make sure names are
// unique within a process.
func New(opts ...Option) (*Scope, error) {
	s := &Scope{
		config:  defaultConfig(),
		closeCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&s.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	s.name = s.config.name
	if s.name == "" {
		s.name = uuid.NewString()
	}
	if s.name == wire.UnknownName {
		return nil, fmt.Errorf("%w: %w: %s is reserved", ErrInvalidCfg, ErrInvalidName, s.name)
	}

	if s.config.logHandler != nil {
		s.logger = slog.New(s.config.logHandler)
	} else {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(LabelScope.L(s.name))

	if s.config.msink != nil {
		s.msink = s.config.msink
	} else {
		s.msink = metrics.Default()
	}

	if s.config.codec != nil {
		s.codec = s.config.codec
	} else {
		s.codec = wire.NewMsgpackCodec()
	}

	if s.config.clock != nil {
		s.clock = s.config.clock
	} else {
		s.clock = clock.New()
	}

	callbacks, err := lru.New[string, Invoker](s.config.callbackPoolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.callbacks = callbacks

	s.table = NewRoutingTable(s.config.routing)
	s.services = NewServiceRegistry(s.table.LearnedDomains)

	return s, nil
}

func (s *Scope) Name() string {
	return s.name
}

func (s *Scope) Routing() bool {
	return s.config.routing
}

// Table exposes the routing table of the scope.
func (s *Scope) Table() *RoutingTable {
	return s.table
}

// Services exposes the local service registry.
func (s *Scope) Services() *ServiceRegistry {
	return s.services
}

// Routes are the domains we currently advertise.
func (s *Scope) Routes() []string {
	return s.services.CurrentRouteNames(s.config.routing)
}

// Remotes returns a snapshot of every connected remote.
func (s *Scope) Remotes() []RemoteSnapshot {
	remotes := s.table.Remotes()
	snaps := make([]RemoteSnapshot, 0, len(remotes))
	for _, r := range remotes {
		snaps = append(snaps, *r.Snapshot())
	}
	return snaps
}

// Register makes a service available on the mesh. Neighbours are notified
// of the new domain.
func (s *Scope) Register(desc ServiceDesc) error {
	if s.closed.Load() {
		return ErrScopeClosed
	}
	if err := desc.validate(); err != nil {
		return err
	}
	if !s.services.AddService(desc) {
		return fmt.Errorf("%w: %s", ErrServiceExists, desc.Name)
	}
	for _, m := range desc.Methods {
		sign := Signature(desc.Name, m.Name, m.Params...)
		if err := s.services.AddHandler(sign, m); err != nil {
			s.services.RemoveService(desc.Name)
			return err
		}
	}

	s.logger.Info("service registered", LabelDomain.L(desc.Name))
	s.broadcast(context.Background())
	return nil
}

// Unregister removes a service and withdraws its domain from neighbours.
func (s *Scope) Unregister(name string) bool {
	if !s.services.RemoveService(name) {
		return false
	}
	s.logger.Info("service unregistered", LabelDomain.L(name))
	s.broadcast(context.Background())
	return true
}

// Accept registers ch as a new, yet unidentified, remote and sends it our
// routes.
func (s *Scope) Accept(ch transport.Channel) transport.Handler {
	placeholder := int(s.placeholders.Add(-1))
	r := newRemote(ch, placeholder)
	h := &connHandler{s: s, r: r}

	if s.closed.Load() {
		r.detached.Store(true)
		go ch.Dispose()
		return h
	}

	s.table.register(r)
	s.msink.IncrCounterWithLabels(MetricScopeRemoteAccepted, 1.0, s.labels())
	s.logger.Debug("channel accepted", LabelPeerIndex.L(placeholder))

	s.wg.Add(1)
	go s.watch(r)

	go func() {
		if err := s.pushMeta(context.Background(), r, true); err != nil {
			s.logger.Warn("could not send first contact meta", LabelError.L(err))
		}
	}()
	return h
}

// Connect dials addr and registers the resulting channel.
func (s *Scope) Connect(ctx context.Context, dialer Dialer, addr string) error {
	if s.closed.Load() {
		return ErrScopeClosed
	}
	_, err := dialer.Dial(ctx, addr)
	return err
}

// Dialer opens channels whose `Handler` is obtained from the acceptor the
// dialer was built with.
type Dialer interface {
	Dial(ctx context.Context, addr string) (transport.Channel, error)
}

// LocalPipe connects a and b in-process.
func LocalPipe(a, b *Scope) (transport.Channel, transport.Channel) {
	return transport.Pipe(a, b)
}

// Close disposes every channel and releases the callbacks.
func (s *Scope) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closeCh)

	var result error
	for _, r := range s.table.Remotes() {
		s.table.RemoveRemote(r)
		if err := r.ch.Dispose(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}

	s.wg.Wait()
	s.callbacks.Purge()
	if s.release != nil {
		s.release()
	}
	s.logger.Info("scope closed")
	return result
}

func (s *Scope) watch(r *Remote) {
	defer s.wg.Done()
	select {
	case <-s.closeCh:
		return
	case <-r.ch.OnClose():
	}

	snap := r.Snapshot()
	changed := s.table.RemoveRemote(r)
	s.msink.IncrCounterWithLabels(MetricScopeRemoteClosed, 1.0, s.labels())
	s.logger.Info(
		"remote disconnected",
		LabelPeerName.L(snap.Name),
		LabelPeerIndex.L(snap.Index),
		"reachability_changed", changed,
	)
	if s.config.routing {
		s.broadcast(context.Background(), r)
	}
}

// tick returns a unique, increasing timestamp.
func (s *Scope) tick() int64 {
	now := s.clock.Now().UnixNano()
	for {
		last := s.lastTick.Load()
		next := max(now, last+1)
		if s.lastTick.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *Scope) labels(extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(s.config.metricLabels)+len(extra))
	labels = append(labels, s.config.metricLabels...)
	return append(labels, extra...)
}
