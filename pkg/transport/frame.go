package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Interaction modes, sent as the first byte of every stream.
const (
	modeFireAndForget byte = iota + 1
	modeRequestResponse
	modeRequestStream
	modeMetadataPush
)

// Frame kinds.
const (
	frameEnvelope byte = iota
	frameError
)

const defaultMaxFrameSize = 16 << 20

// appendFrame appends a varint length-prefixed frame to buf.
func appendFrame(buf []byte, kind byte, env Envelope, msg string) []byte {
	body := []byte{kind}
	switch kind {
	case frameEnvelope:
		body = protowire.AppendBytes(body, env.Metadata)
		body = protowire.AppendBytes(body, env.Data)
	case frameError:
		body = protowire.AppendString(body, msg)
	}

	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}

func writeFrame(w io.Writer, kind byte, env Envelope, msg string) error {
	_, err := w.Write(appendFrame(nil, kind, env, msg))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

// readFrame reads the next frame. It returns io.EOF when the peer closed
// the stream cleanly between two frames.
func readFrame(r *bufio.Reader, maxSize int) (kind byte, env Envelope, msg string, err error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, env, "", err
	}
	if size == 0 {
		return 0, env, "", fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	}
	if size > uint64(maxSize) {
		return 0, env, "", ErrTooLargeFrame
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, env, "", err
	}

	kind = body[0]
	rest := body[1:]
	switch kind {
	case frameEnvelope:
		md, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return 0, env, "", fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		rest = rest[n:]
		data, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return 0, env, "", fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		env.Metadata = md
		env.Data = data
	case frameError:
		s, n := protowire.ConsumeString(rest)
		if n < 0 {
			return 0, env, "", fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		msg = s
	default:
		return 0, env, "", fmt.Errorf("%w: unknown frame kind %d", ErrProtocolViolation, kind)
	}
	return kind, env, msg, nil
}
