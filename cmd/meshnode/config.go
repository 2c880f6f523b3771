package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/raskyld/scopemesh/pkg/wire"
	"gopkg.in/yaml.v3"
)

// Config of a mesh node, read from YAML and overridden by flags.
type Config struct {
	Name    string `yaml:"name"`
	Routing bool   `yaml:"routing"`
	Resume  bool   `yaml:"resume"`
	Trace   bool   `yaml:"trace"`

	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`
	GossipPort int    `yaml:"gossip_port"`

	// Seeds are gossip addresses of scopes already in the mesh.
	Seeds []string `yaml:"seeds"`

	// Peers are transport addresses dialed directly at startup.
	Peers []string `yaml:"peers"`

	MetricsAddr string        `yaml:"metrics_addr"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	LogLevel    string        `yaml:"log_level"`

	// Codec of the payloads: msgpack, json or protobuf. Every node of a
	// mesh must use the same.
	Codec string `yaml:"codec"`

	TLS TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr:  "127.0.0.1",
		ListenPort:  6174,
		GossipPort:  6175,
		MetricsAddr: ":9174",
		CallTimeout: 30 * time.Second,
		LogLevel:    "info",
		Codec:       "msgpack",
	}
}

// LoadConfig reads path on top of the defaults. An empty path only
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) codec() (wire.Codec, error) {
	switch cfg.Codec {
	case "", "msgpack":
		return wire.NewMsgpackCodec(), nil
	case "json":
		return wire.NewJSONCodec(), nil
	case "protobuf":
		return wire.NewProtoCodec(nil), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", cfg.Codec)
	}
}

func (tc *TLSConfig) load() (*tls.Config, error) {
	if tc.CA == "" || tc.Cert == "" || tc.Key == "" {
		return nil, errors.New("all tls option must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(tc.Cert, tc.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(tc.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	caBundle.AppendCertsFromPEM(caBytes)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
