package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, 6174, cfg.ListenPort)
	require.Equal(t, 30*time.Second, cfg.CallTimeout)
	require.False(t, cfg.Routing)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: b
routing: true
listen_port: 7000
seeds:
  - 127.0.0.1:7001
call_timeout: 5s
tls:
  cert: b.pem
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "b", cfg.Name)
	require.True(t, cfg.Routing)
	require.Equal(t, 7000, cfg.ListenPort)
	require.Equal(t, []string{"127.0.0.1:7001"}, cfg.Seeds)
	require.Equal(t, 5*time.Second, cfg.CallTimeout)
	require.Equal(t, "b.pem", cfg.TLS.Cert)
	require.Equal(t, "127.0.0.1", cfg.ListenAddr, "unset keys keep their default")
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestTLSConfig_Incomplete(t *testing.T) {
	tc := TLSConfig{Cert: "a"}
	_, err := tc.load()
	require.Error(t, err)
}

func TestConfig_Codec(t *testing.T) {
	for _, name := range []string{"", "msgpack", "json", "protobuf"} {
		cfg := &Config{Codec: name}
		codec, err := cfg.codec()
		require.NoError(t, err, name)
		require.NotNil(t, codec)
	}

	cfg := &Config{Codec: "gob"}
	_, err := cfg.codec()
	require.ErrorContains(t, err, "unknown codec")
}
