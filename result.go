package scopemesh

import (
	"errors"

	"github.com/raskyld/scopemesh/pkg/wire"
)

// Result is the business outcome of a call. It has four states: value
// only, error only, both a value and an error, or neither.
type Result struct {
	raw   wire.Result
	codec wire.Codec
}

func newResult(raw *wire.Result, codec wire.Codec) *Result {
	res := &Result{codec: codec}
	if raw != nil {
		res.raw = *raw
	}
	return res
}

func (res *Result) HasValue() bool {
	return res.raw.HasValue
}

func (res *Result) HasError() bool {
	return res.raw.HasError
}

// Err returns the error part of the result as a `*RemoteError`.
func (res *Result) Err() error {
	if !res.raw.HasError {
		return nil
	}
	return &RemoteError{Msg: res.raw.Error}
}

// Decode the value part of the result into `into`.
func (res *Result) Decode(into any) error {
	if !res.raw.HasValue {
		return ErrNoResult
	}
	return res.codec.Decode(res.raw.Value, into)
}

// Value decodes the value part without knowing its type.
func (res *Result) Value() (any, error) {
	if !res.raw.HasValue {
		return nil, ErrNoResult
	}
	return wire.DecodeAny(res.codec, res.raw.Value)
}

// Reply of a request-response call.
type Reply struct {
	// Meta as returned by the scope which served the call.
	Meta   wire.Meta
	Result *Result
}

// ReplyAs decodes the value of a reply, or returns the error it holds.
// A reply holding both only returns the error.
func ReplyAs[T any](reply *Reply) (T, error) {
	var v T
	if err := reply.Result.Err(); err != nil {
		return v, err
	}
	err := reply.Result.Decode(&v)
	return v, err
}

// Element of a request-stream call.
type Element struct {
	// Meta is only set on the first element of a stream.
	Meta  *wire.Meta
	data  []byte
	codec wire.Codec
}

func (el *Element) Decode(into any) error {
	return el.codec.Decode(el.data, into)
}

// buildResult turns the outcome of an invoker into a wire result.
func buildResult(codec wire.Codec, v any, err error) *wire.Result {
	res := &wire.Result{}
	if v != nil {
		buf, encErr := codec.Encode(v)
		if encErr != nil {
			err = errors.Join(err, encErr)
		} else {
			res.Value = buf
			res.HasValue = true
		}
	}
	if err != nil {
		res.Error = err.Error()
		res.HasError = true
	}
	return res
}
