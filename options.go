package scopemesh

import (
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/scopemesh/pkg/wire"
)

const (
	defaultCallTimeout          = 30 * time.Second
	defaultCallbackPoolSize     = 1024
	defaultBroadcastConcurrency = 16
)

type config struct {
	name                 string
	routing              bool
	resume               bool
	trace                bool
	callTimeout          time.Duration
	logHandler           slog.Handler
	msink                metrics.MetricSink
	metricLabels         []metrics.Label
	codec                wire.Codec
	clock                clock.Clock
	callbackPoolSize     int
	broadcastConcurrency int
}

func defaultConfig() config {
	return config{
		callTimeout:          defaultCallTimeout,
		callbackPoolSize:     defaultCallbackPoolSize,
		broadcastConcurrency: defaultBroadcastConcurrency,
	}
}

// Option to pass to `New` or `Registry.Create`.
type Option func(*config) error

// WithName sets the name under which the scope announces itself. It MUST be
// unique in the mesh. A random name is used when unset.
func WithName(name string) Option {
	return func(c *config) error {
		if name == "" {
			return nil
		}
		if err := validName(name); err != nil {
			return err
		}
		c.name = name
		return nil
	}
}

// WithRouting makes the scope forward calls it cannot serve and advertise
// the domains it learned from its neighbours.
func WithRouting(enabled bool) Option {
	return func(c *config) error {
		c.routing = enabled
		return nil
	}
}

// WithResume tells neighbours our channels survive reconnections, they then
// send topology updates as fire-and-forget messages.
func WithResume(enabled bool) Option {
	return func(c *config) error {
		c.resume = enabled
		return nil
	}
}

// WithTrace logs the duration and hops of every call served.
func WithTrace(enabled bool) Option {
	return func(c *config) error {
		c.trace = enabled
		return nil
	}
}

// WithCallTimeout controls how long `Scope.RequestResponse` waits for a
// reply.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("call timeout must be positive")
		}
		if timeout == 0 {
			timeout = defaultCallTimeout
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Scope`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Scope.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithCodec replaces the msgpack codec used for arguments and results.
// Every scope of a mesh must use the same codec.
func WithCodec(codec wire.Codec) Option {
	return func(c *config) error {
		if codec == nil {
			return errors.New("codec must not be nil")
		}
		c.codec = codec
		return nil
	}
}

// WithClock replaces the clock used for ticks and durations.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			return errors.New("clock must not be nil")
		}
		c.clock = clk
		return nil
	}
}

// WithCallbackPoolSize bounds the number of callbacks we keep for remotes
// to invoke. The least recently used ones are evicted first.
func WithCallbackPoolSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return errors.New("callback pool size must be positive")
		}
		c.callbackPoolSize = size
		return nil
	}
}

// WithBroadcastConcurrency bounds how many topology pushes are in flight
// during a broadcast.
func WithBroadcastConcurrency(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.New("broadcast concurrency must be positive")
		}
		c.broadcastConcurrency = n
		return nil
	}
}
