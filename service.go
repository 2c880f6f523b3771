package scopemesh

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// Invoker serves a request-response or fire-and-forget call.
//
// Value and error are independent: returning both is a partial success,
// returning none is an explicit absence of result.
type Invoker func(ctx context.Context, call *Call) (any, error)

// StreamInvoker serves a request-stream call.
type StreamInvoker func(ctx context.Context, call *Call) iter.Seq2[any, error]

// MethodDesc describes one method of a service. Exactly one of Invoke and
// Stream must be set.
type MethodDesc struct {
	Name   string
	Params []string
	Invoke Invoker
	Stream StreamInvoker
}

// ServiceDesc maps the methods of a service interface to their
// implementation.
type ServiceDesc struct {
	Name    string
	Methods []MethodDesc
}

func (desc *ServiceDesc) validate() error {
	if err := validName(desc.Name); err != nil {
		return err
	}
	for _, m := range desc.Methods {
		if err := validName(m.Name); err != nil {
			return err
		}
		for _, p := range m.Params {
			if err := validName(p); err != nil {
				return err
			}
		}
		if (m.Invoke == nil) == (m.Stream == nil) {
			return fmt.Errorf("%w: %s#%s", ErrInvalidMethod, desc.Name, m.Name)
		}
	}
	return nil
}

type handler struct {
	service string
	invoke  Invoker
	stream  StreamInvoker
}

// ServiceRegistry holds the services served locally and the handler of
// every signature.
type ServiceRegistry struct {
	lk       sync.RWMutex
	services map[string]struct{}
	handlers map[string]*handler

	// learned lists the domains reachable through remotes.
	learned func() []string
}

func NewServiceRegistry(learned func() []string) *ServiceRegistry {
	if learned == nil {
		learned = func() []string { return nil }
	}
	return &ServiceRegistry{
		services: make(map[string]struct{}),
		handlers: make(map[string]*handler),
		learned:  learned,
	}
}

// AddService records a service. It returns false if the service is already
// registered.
func (reg *ServiceRegistry) AddService(desc ServiceDesc) bool {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, ok := reg.services[desc.Name]; ok {
		return false
	}
	reg.services[desc.Name] = struct{}{}
	return true
}

// AddHandler binds sign to m. A signature can only be bound once.
func (reg *ServiceRegistry) AddHandler(sign string, m MethodDesc) error {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, ok := reg.handlers[sign]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, sign)
	}
	reg.handlers[sign] = &handler{
		service: DomainOf(sign),
		invoke:  m.Invoke,
		stream:  m.Stream,
	}
	return nil
}

// RemoveService forgets the service and all its handlers. It reports
// whether the service was registered.
func (reg *ServiceRegistry) RemoveService(name string) bool {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, ok := reg.services[name]; !ok {
		return false
	}
	delete(reg.services, name)
	for sign, h := range reg.handlers {
		if h.service == name {
			delete(reg.handlers, sign)
		}
	}
	return true
}

func (reg *ServiceRegistry) handler(sign string) (*handler, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	h, ok := reg.handlers[sign]
	return h, ok
}

// Serves reports whether domain is served locally.
func (reg *ServiceRegistry) Serves(domain string) bool {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	_, ok := reg.services[domain]
	return ok
}

// CurrentRouteNames returns the sorted domains we can serve. When
// includeRouted is true, domains only reachable through a remote are
// appended with the route mark.
func (reg *ServiceRegistry) CurrentRouteNames(includeRouted bool) []string {
	reg.lk.RLock()
	names := make([]string, 0, len(reg.services))
	for name := range reg.services {
		names = append(names, name)
	}
	reg.lk.RUnlock()

	if includeRouted {
		for _, domain := range reg.learned() {
			if !reg.Serves(domain) {
				names = append(names, routed(domain))
			}
		}
	}

	slices.Sort(names)
	return slices.Compact(names)
}
