package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated by the QUIC transport.
const ALPN = "scopemesh"

const defaultUDPBufferSize int = 1 << 21

// Config of the QUIC transport.
type Config struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `Config.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers. Its NextProtos are overridden with `ALPN`.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we want the transport to listen.
	// A zero port picks a free one.
	BindAddr string
	BindPort int

	// HintMaxStreams gives an indication of how many concurrent
	// interactions you expect with a single peer.
	HintMaxStreams int64

	// MaxFrameSize bounds the size of a single frame we accept.
	MaxFrameSize int

	// KeepAlivePeriod for idle connections, zero disables keep-alives.
	KeepAlivePeriod time.Duration

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout controls how much time we wait for connection establishment.
	DialTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport carries channels over QUIC connections. Every interaction
// opens its own bidirectional stream.
type Transport struct {
	cfg      *Config
	logger   *slog.Logger
	msink    metrics.MetricSink
	acceptor Acceptor
	tlsConf  *tls.Config
	quicConf *quic.Config

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	channels   map[*quicChannel]struct{}
	channelsLk sync.Mutex
	wg         sync.WaitGroup

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn
}

func NewTransport(cfg *Config, acceptor Acceptor) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:      cfg,
		acceptor: acceptor,
		channels: make(map[*quicChannel]struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	t.tlsConf = cfg.TlsConfig.Clone()
	t.tlsConf.NextProtos = []string{ALPN}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUdpNotAvailable, err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = 10000
	}

	t.quicConf = &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams: hintStreams,
		MaxIdleTimeout:     1 * time.Minute,
		KeepAlivePeriod:    cfg.KeepAlivePeriod,
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptCx()
	return t, nil
}

// Addr is the local address the transport listens on.
func (t *Transport) Addr() net.Addr {
	if t.udpLn == nil {
		return nil
	}
	return t.udpLn.LocalAddr()
}

// Dial opens a connection to addr and hands the resulting Channel to the
// Acceptor before returning it.
func (t *Transport) Dial(ctx context.Context, addr string) (Channel, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, err := t.tr.Dial(ctx, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricTransportConnErrorCount,
			1.0,
			append(t.labels(), LabelPeerAddr.M(addr), LabelError.M("dial")),
		)
		return nil, err
	}

	if t.gracefulTerm.Load() {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return nil, ErrShutdown
	}

	ch := t.handleConn(conn)
	if ch == nil {
		return nil, fmt.Errorf("%w: refused by the acceptor", ErrClosed)
	}
	return ch, nil
}

// Shutdown closes every connection and releases the UDP socket.
func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.channelsLk.Lock()
	for ch := range t.channels {
		QErrShutdown.Close(ch.conn, "we are shutting down! bye!")
	}
	t.channelsLk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}

	if t.tr != nil {
		t.tr.Close()
	}

	if t.udpLn != nil {
		t.udpLn.Close()
	}

	t.wg.Wait()
	return nil
}

func (t *Transport) labels() []metrics.Label {
	labels := make([]metrics.Label, len(t.cfg.MetricLabels), len(t.cfg.MetricLabels)+3)
	copy(labels, t.cfg.MetricLabels)
	return labels
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricTransportUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

func (t *Transport) acceptCx() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				// NB: the listener only fails once closed, there is nothing
				// to retry.
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn quic.Connection) *quicChannel {
	ch := &quicChannel{conn: conn, t: t}

	t.channelsLk.Lock()
	t.channels[ch] = struct{}{}
	t.channelsLk.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricTransportConnEstCount,
		1.0,
		append(t.labels(), LabelPeerAddr.M(conn.RemoteAddr().String())),
	)

	handler := t.acceptor.Accept(ch)
	if handler == nil {
		t.channelsLk.Lock()
		delete(t.channels, ch)
		t.channelsLk.Unlock()
		QErrInternal.Close(conn, "channel refused")
		return nil
	}

	t.wg.Add(1)
	go t.handleStreams(ch, handler)
	return ch
}

func (t *Transport) handleStreams(ch *quicChannel, handler Handler) {
	defer t.wg.Done()
	defer func() {
		t.channelsLk.Lock()
		delete(t.channels, ch)
		t.channelsLk.Unlock()
	}()

	conn := ch.conn
	ctx := conn.Context()
	logger := t.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))
	// Clipped so every stream appends to its own copy.
	mLabels := slices.Clip(append(t.labels(), LabelPeerAddr.M(conn.RemoteAddr().String())))

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil && !t.gracefulTerm.Load() {
				logger.Warn("error accepting stream", LabelError.L(err))
				t.msink.IncrCounterWithLabels(
					MetricTransportStreamEstInErrorCount,
					1.0,
					append(mLabels, LabelError.M("unknown")),
				)
				continue
			}
			logger.Debug("connection closed", LabelError.L(context.Cause(ctx)))
			return
		}

		go t.serveStream(logger.With(LabelStreamID.L(stream.StreamID())), mLabels, stream, handler)
	}
}

func (t *Transport) serveStream(logger *slog.Logger, mLabels []metrics.Label, stream quic.Stream, handler Handler) {
	r := bufio.NewReader(stream)
	mode, err := r.ReadByte()
	if err != nil {
		logger.Warn("error waiting for stream mode", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamEstInErrorCount,
			1.0,
			append(mLabels, LabelError.M("no_mode")),
		)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	mLabels = append(mLabels, LabelStreamMode.M(modeName(mode)))
	kind, env, _, err := readFrame(r, t.cfg.MaxFrameSize)
	if err == nil && kind != frameEnvelope {
		err = fmt.Errorf("%w: first frame is not an envelope", ErrProtocolViolation)
	}
	if err != nil {
		logger.Warn("protocol violation: malformed request", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricTransportStreamEstInErrorCount,
			1.0,
			append(mLabels, LabelError.M("protocol_violation")),
		)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	t.msink.IncrCounterWithLabels(MetricTransportStreamEstInCount, 1.0, mLabels)

	// The stream context is cancelled once the peer stops reading,
	// which is how stream cancellations propagate.
	ctx := stream.Context()
	switch mode {
	case modeFireAndForget:
		stream.Close()
		handler.FireAndForget(context.WithoutCancel(ctx), env)
	case modeMetadataPush:
		stream.Close()
		handler.MetadataPush(context.WithoutCancel(ctx), env)
	case modeRequestResponse:
		resp, err := handler.RequestResponse(ctx, env)
		if err != nil {
			err = writeFrame(stream, frameError, Envelope{}, err.Error())
		} else {
			err = writeFrame(stream, frameEnvelope, resp, "")
		}
		if err != nil {
			logger.Debug("could not write response", LabelError.L(err))
		}
		stream.Close()
	case modeRequestStream:
		for elem, err := range handler.RequestStream(ctx, env) {
			if err != nil {
				_ = writeFrame(stream, frameError, Envelope{}, err.Error())
				break
			}
			if werr := writeFrame(stream, frameEnvelope, elem, ""); werr != nil {
				logger.Debug("stream consumer went away", LabelError.L(werr))
				break
			}
		}
		stream.Close()
	default:
		logger.Warn("protocol violation: unknown mode", "mode", mode)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
	}
}

type quicChannel struct {
	conn quic.Connection
	t    *Transport
}

var _ Channel = (*quicChannel)(nil)

func (ch *quicChannel) open(ctx context.Context, mode byte, env Envelope) (quic.Stream, error) {
	mLabels := append(
		ch.t.labels(),
		LabelPeerAddr.M(ch.conn.RemoteAddr().String()),
		LabelStreamMode.M(modeName(mode)),
	)

	stream, err := ch.conn.OpenStreamSync(ctx)
	if err != nil {
		ch.t.msink.IncrCounterWithLabels(
			MetricTransportStreamEstOutErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_open_stream")),
		)
		if ch.conn.Context().Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, err
	}

	buf := appendFrame([]byte{mode}, frameEnvelope, env, "")
	if _, err := stream.Write(buf); err != nil {
		ch.t.msink.IncrCounterWithLabels(
			MetricTransportStreamEstOutErrorCount,
			1.0,
			append(mLabels, LabelError.M("cannot_send_request")),
		)
		stream.CancelRead(QErrStreamCancelled)
		stream.CancelWrite(QErrStreamCancelled)
		return nil, fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}

	ch.t.msink.IncrCounterWithLabels(MetricTransportStreamEstOutCount, 1.0, mLabels)
	return stream, nil
}

func (ch *quicChannel) oneWay(ctx context.Context, mode byte, env Envelope) error {
	stream, err := ch.open(ctx, mode, env)
	if err != nil {
		return err
	}
	// We never read anything back.
	stream.CancelRead(QErrStreamCancelled)
	return stream.Close()
}

func (ch *quicChannel) FireAndForget(ctx context.Context, env Envelope) error {
	return ch.oneWay(ctx, modeFireAndForget, env)
}

func (ch *quicChannel) MetadataPush(ctx context.Context, env Envelope) error {
	return ch.oneWay(ctx, modeMetadataPush, env)
}

func (ch *quicChannel) RequestResponse(ctx context.Context, env Envelope) (Envelope, error) {
	stream, err := ch.open(ctx, modeRequestResponse, env)
	if err != nil {
		return Envelope{}, err
	}
	stream.Close()

	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(QErrStreamCancelled)
	})
	defer stop()

	kind, resp, msg, err := readFrame(bufio.NewReader(stream), ch.t.cfg.MaxFrameSize)
	if err != nil {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return Envelope{}, fmt.Errorf("%w: no response", ErrProtocolViolation)
		}
		return Envelope{}, err
	}

	if kind == frameError {
		return Envelope{}, &RemoteError{Msg: msg}
	}
	return resp, nil
}

func (ch *quicChannel) RequestStream(ctx context.Context, env Envelope) Stream {
	return func(yield func(Envelope, error) bool) {
		stream, err := ch.open(ctx, modeRequestStream, env)
		if err != nil {
			yield(Envelope{}, err)
			return
		}
		stream.Close()

		stop := context.AfterFunc(ctx, func() {
			stream.CancelRead(QErrStreamCancelled)
		})
		defer stop()

		r := bufio.NewReader(stream)
		for {
			kind, elem, msg, err := readFrame(r, ch.t.cfg.MaxFrameSize)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(Envelope{}, err)
				return
			}
			if kind == frameError {
				yield(Envelope{}, &RemoteError{Msg: msg})
				return
			}
			if !yield(elem, nil) {
				stream.CancelRead(QErrStreamCancelled)
				return
			}
		}
	}
}

func (ch *quicChannel) OnClose() <-chan struct{} {
	return ch.conn.Context().Done()
}

func (ch *quicChannel) Dispose() error {
	return QErrDisposed.Close(ch.conn, "bye")
}
