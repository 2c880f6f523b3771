package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCert(t *testing.T, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
	}
	if parent == nil {
		tmpl.IsCA = true
		tmpl.KeyUsage = x509.KeyUsageCertSign
		parent = tmpl
	} else {
		tmpl.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("failed to generate certificate: %s", err)
		return nil
	}
	return certDER
}

// mtlsConfigs returns n TLS configs signed by the same CA.
func mtlsConfigs(t *testing.T, n int) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCert(t, nil, caKey, caKey, "self-signed"))
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, n)
	for i := range configs {
		key := generateKeyPair(t)
		der := generateCert(t, ca, caKey, key, "node")
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		configs[i] = &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}
	return configs
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestNewTransport_NoTLS(t *testing.T) {
	_, err := NewTransport(&Config{}, newTestHandler().acceptor())
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestQuicTransport(t *testing.T) {
	tlsConfs := mtlsConfigs(t, 2)
	server := newTestHandler()
	client := newTestHandler()

	ts1, err := NewTransport(&Config{
		TlsConfig:  tlsConfs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler: testLogHandler("node1"),
	}, server.acceptor())
	require.NoError(t, err)

	ts2, err := NewTransport(&Config{
		TlsConfig:  tlsConfs[1],
		BindAddr:   "127.0.0.1",
		MetricSink: metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler: testLogHandler("node2"),
	}, client.acceptor())
	require.NoError(t, err)

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := ts2.Dial(dialCtx, ts1.Addr().String())
	require.NoError(t, err)
	require.Len(t, client.accepted, 1, "dialed channels are given to the acceptor")

	ctx := context.Background()

	t.Run("fire and forget", func(t *testing.T) {
		require.NoError(t, ch.FireAndForget(ctx, Envelope{Metadata: []byte("md"), Data: []byte("hi")}))
		select {
		case env := <-server.fnf:
			require.Equal(t, "md", string(env.Metadata))
			require.Equal(t, "hi", string(env.Data))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	})

	t.Run("metadata push", func(t *testing.T) {
		require.NoError(t, ch.MetadataPush(ctx, Envelope{Metadata: []byte("routes")}))
		select {
		case env := <-server.mp:
			require.Equal(t, "routes", string(env.Metadata))
			require.Empty(t, env.Data)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	})

	t.Run("request response", func(t *testing.T) {
		resp, err := ch.RequestResponse(ctx, Envelope{Metadata: []byte("md"), Data: []byte("hi")})
		require.NoError(t, err)
		require.Equal(t, "md", string(resp.Metadata))
		require.Equal(t, "echo:hi", string(resp.Data))
	})

	t.Run("request response failure", func(t *testing.T) {
		_, err := ch.RequestResponse(ctx, Envelope{Data: []byte("fail")})
		var rerr *RemoteError
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, "boom", rerr.Msg)
	})

	t.Run("request stream", func(t *testing.T) {
		var got []byte
		for env, err := range ch.RequestStream(ctx, Envelope{Data: []byte{4}}) {
			require.NoError(t, err)
			got = append(got, env.Data...)
		}
		require.Equal(t, []byte{0, 1, 2, 3}, got)
	})

	t.Run("stopping the iteration cancels the stream", func(t *testing.T) {
		server.streamStopped.Store(false)
		n := 0
		for _, err := range ch.RequestStream(ctx, Envelope{Data: []byte{0}}) {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		require.Eventually(t, server.streamStopped.Load, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("dispose closes the connection", func(t *testing.T) {
		require.NoError(t, ch.Dispose())
		select {
		case <-ch.OnClose():
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
		require.Eventually(t, func() bool {
			server.lk.Lock()
			defer server.lk.Unlock()
			if len(server.accepted) != 1 {
				return false
			}
			select {
			case <-server.accepted[0].OnClose():
				return true
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		ts1.Shutdown()
		wg.Done()
	}()
	go func() {
		ts2.Shutdown()
		wg.Done()
	}()
	wg.Wait()

	_, err = ts2.Dial(ctx, ts1.Addr().String())
	require.ErrorIs(t, err, ErrShutdown)
}

func TestNewTransport_PortInUse(t *testing.T) {
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udpLn.Close()

	_, err = NewTransport(&Config{
		TlsConfig: mtlsConfigs(t, 1)[0],
		BindAddr:  "127.0.0.1",
		BindPort:  udpLn.LocalAddr().(*net.UDPAddr).Port,
	}, newTestHandler().acceptor())
	require.ErrorIs(t, err, ErrUdpNotAvailable)
}

func TestQuicTransport_Refused(t *testing.T) {
	tlsConfs := mtlsConfigs(t, 2)
	refuse := acceptorFunc(func(Channel) Handler { return nil })

	ts1, err := NewTransport(&Config{
		TlsConfig:  tlsConfs[0],
		BindAddr:   "127.0.0.1",
		MetricSink: metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler: testLogHandler("node1"),
	}, refuse)
	require.NoError(t, err)
	defer ts1.Shutdown()

	ts2, err := NewTransport(&Config{
		TlsConfig:  tlsConfs[1],
		BindAddr:   "127.0.0.1",
		MetricSink: metrics.NewInmemSink(time.Second, 5*time.Minute),
		LogHandler: testLogHandler("node2"),
	}, newTestHandler().acceptor())
	require.NoError(t, err)
	defer ts2.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := ts2.Dial(ctx, ts1.Addr().String())
	require.NoError(t, err)
	select {
	case <-ch.OnClose():
	case <-time.After(5 * time.Second):
		t.Fatal("refused channel never closed")
	}

	_, err = ts1.Dial(ctx, ts2.Addr().String())
	require.ErrorIs(t, err, ErrClosed)
}
