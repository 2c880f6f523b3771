package transport

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrClosed            = errors.New("transport: channel closed")
	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrUdpNotAvailable   = errors.New("transport: UDP listener not available")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame     = errors.New("transport: frame is too large")
)

var (
	QErrStreamCancelled         = quic.StreamErrorCode(0x0C)
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrDisposed = QuicApplicationError{
		Code:   0x0,
		Prefix: "disposed",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// RemoteError is an error reported by the peer while serving a request.
type RemoteError struct {
	Msg string
}

func (rerr *RemoteError) Error() string {
	return "remote: " + rerr.Msg
}
