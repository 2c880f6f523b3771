package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/scopemesh"
	"github.com/raskyld/scopemesh/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	flags   = defaultConfig()
)

var rootCmd = &cobra.Command{
	Use:           "meshnode",
	Short:         "Run a scopemesh node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a scope, join the mesh and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyFlags(cmd, cfg)
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")

	fl := runCmd.Flags()
	fl.StringVar(&flags.Name, "name", "", "name of the scope, must be unique in the mesh")
	fl.BoolVar(&flags.Routing, "routing", false, "forward calls for domains known through neighbours")
	fl.BoolVar(&flags.Trace, "trace", false, "log every call served")
	fl.StringVar(&flags.ListenAddr, "listen-addr", flags.ListenAddr, "address to bind")
	fl.IntVar(&flags.ListenPort, "port", flags.ListenPort, "QUIC port")
	fl.IntVar(&flags.GossipPort, "gossip-port", flags.GossipPort, "gossip port")
	fl.StringSliceVar(&flags.Seeds, "seeds", nil, "gossip addresses of scopes in the mesh")
	fl.StringSliceVar(&flags.Peers, "peers", nil, "transport addresses to dial at startup")
	fl.StringVar(&flags.MetricsAddr, "metrics-addr", flags.MetricsAddr, "address of the prometheus endpoint, empty to disable")
	fl.StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "debug, info, warn or error")
	fl.StringVar(&flags.Codec, "codec", flags.Codec, "msgpack, json or protobuf")
	fl.StringVar(&flags.TLS.Cert, "tls-cert", "", "client cert to use")
	fl.StringVar(&flags.TLS.Key, "tls-key", "", "client private key to use")
	fl.StringVar(&flags.TLS.CA, "tls-ca", "", "ca to verify neighbours")

	rootCmd.AddCommand(runCmd)
}

// applyFlags overrides cfg with the flags explicitly set.
func applyFlags(cmd *cobra.Command, cfg *Config) {
	fl := cmd.Flags()
	if fl.Changed("name") {
		cfg.Name = flags.Name
	}
	if fl.Changed("routing") {
		cfg.Routing = flags.Routing
	}
	if fl.Changed("trace") {
		cfg.Trace = flags.Trace
	}
	if fl.Changed("listen-addr") {
		cfg.ListenAddr = flags.ListenAddr
	}
	if fl.Changed("port") {
		cfg.ListenPort = flags.ListenPort
	}
	if fl.Changed("gossip-port") {
		cfg.GossipPort = flags.GossipPort
	}
	if fl.Changed("seeds") {
		cfg.Seeds = flags.Seeds
	}
	if fl.Changed("peers") {
		cfg.Peers = flags.Peers
	}
	if fl.Changed("metrics-addr") {
		cfg.MetricsAddr = flags.MetricsAddr
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if fl.Changed("codec") {
		cfg.Codec = flags.Codec
	}
	if fl.Changed("tls-cert") {
		cfg.TLS.Cert = flags.TLS.Cert
	}
	if fl.Changed("tls-key") {
		cfg.TLS.Key = flags.TLS.Key
	}
	if fl.Changed("tls-ca") {
		cfg.TLS.CA = flags.TLS.CA
	}
}

func run(ctx context.Context, cfg *Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return err
	}
	logHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(logHandler)

	tlsConf, err := cfg.TLS.load()
	if err != nil {
		return fmt.Errorf("failed to load tls creds: %w", err)
	}

	var sink metrics.MetricSink = &metrics.BlackholeSink{}
	if cfg.MetricsAddr != "" {
		promSink, err := prometheus.NewPrometheusSink()
		if err != nil {
			return fmt.Errorf("failed to create prometheus sink: %w", err)
		}
		sink = promSink

		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	codec, err := cfg.codec()
	if err != nil {
		return err
	}

	scope, err := scopemesh.New(
		scopemesh.WithName(cfg.Name),
		scopemesh.WithCodec(codec),
		scopemesh.WithRouting(cfg.Routing),
		scopemesh.WithResume(cfg.Resume),
		scopemesh.WithTrace(cfg.Trace),
		scopemesh.WithCallTimeout(cfg.CallTimeout),
		scopemesh.WithLog(logHandler),
		scopemesh.WithMetricSink(sink),
	)
	if err != nil {
		return fmt.Errorf("failed to create scope: %w", err)
	}
	defer scope.Close()

	if err := scope.Register(nodeService(scope)); err != nil {
		return err
	}

	tr, err := transport.NewTransport(&transport.Config{
		TlsConfig:  tlsConf,
		BindAddr:   cfg.ListenAddr,
		BindPort:   cfg.ListenPort,
		MetricSink: sink,
		LogHandler: logHandler,
	}, scope)
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	defer tr.Shutdown()

	endpoint := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	disco, err := scopemesh.NewDiscovery(scope, tr, scopemesh.DiscoveryConfig{
		BindAddr: cfg.ListenAddr,
		BindPort: cfg.GossipPort,
		Endpoint: endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	defer disco.Leave()

	if _, err := disco.Join(cfg.Seeds); err != nil {
		logger.Warn("failed to join the mesh", "error", err)
	}

	for _, peer := range cfg.Peers {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := scope.Connect(dialCtx, tr, peer)
		cancel()
		if err != nil {
			logger.Error("failed to dial peer", "peer", peer, "error", err)
		}
	}

	logger.Info("node ready", "name", scope.Name(), "endpoint", endpoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("terminating...")
	case <-ctx.Done():
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
