package transport

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_Sequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameEnvelope, Envelope{Metadata: []byte("md"), Data: []byte("data")}, ""))
	require.NoError(t, writeFrame(&buf, frameEnvelope, Envelope{}, ""))
	require.NoError(t, writeFrame(&buf, frameError, Envelope{}, "no such method"))

	r := bufio.NewReader(&buf)

	kind, env, _, err := readFrame(r, defaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, frameEnvelope, kind)
	require.Equal(t, "md", string(env.Metadata))
	require.Equal(t, "data", string(env.Data))

	kind, env, _, err = readFrame(r, defaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, frameEnvelope, kind)
	require.Empty(t, env.Metadata)
	require.Empty(t, env.Data)

	kind, _, msg, err := readFrame(r, defaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, frameError, kind)
	require.Equal(t, "no such method", msg)

	_, _, _, err = readFrame(r, defaultMaxFrameSize)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameEnvelope, Envelope{Data: make([]byte, 64)}, ""))
	_, _, _, err := readFrame(bufio.NewReader(&buf), 16)
	require.ErrorIs(t, err, ErrTooLargeFrame)
}

func TestFrame_UnknownKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 42, Envelope{}, ""))
	_, _, _, err := readFrame(bufio.NewReader(&buf), defaultMaxFrameSize)
	require.ErrorIs(t, err, ErrProtocolViolation)
}
