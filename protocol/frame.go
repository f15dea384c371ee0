package protocol

import (
	"fmt"

	"go.arsenm.dev/subrpc/codec"
	"go.arsenm.dev/subrpc/internal/reflectutil"
)

// Kind is the classification of an incoming frame
type Kind uint8

const (
	KindMalformed Kind = iota
	KindResponse
	KindError
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	default:
		return "malformed"
	}
}

// Frame is a decoded incoming message. Which fields are
// set depends on Kind:
//
//	KindResponse:     ID, Result
//	KindError:        ID (nil if the server sent null), Error
//	KindNotification: Method, Params
//	KindMalformed:    Reason
//
// Raw is always set to the bytes the frame was decoded from.
type Frame struct {
	Kind   Kind
	ID     any
	Result any
	Error  *Error
	Method string
	Params any
	Reason string
	Raw    []byte
}

func malformed(raw []byte, format string, args ...any) Frame {
	return Frame{
		Kind:   KindMalformed,
		Reason: fmt.Sprintf(format, args...),
		Raw:    raw,
	}
}

// Decode decodes and classifies a single frame. It never
// fails: anything it cannot make sense of is returned as a
// KindMalformed frame with the reason set.
func Decode(c codec.Codec, data []byte) Frame {
	var msg map[string]any
	if err := c.Decode(data, &msg); err != nil {
		return malformed(data, "invalid %s: %v", c.Name(), err)
	}
	if msg == nil {
		return malformed(data, "frame is not an object")
	}

	// The version member is tolerated when missing, but must be correct when present
	if v, ok := msg["jsonrpc"]; ok && v != Version {
		return malformed(data, "unsupported jsonrpc version %v", v)
	}

	id, hasID := msg["id"]
	if hasID {
		return decodeResponse(data, msg, id)
	}

	method, hasMethod := msg["method"]
	if !hasMethod {
		return malformed(data, "frame has neither id nor method")
	}

	name, ok := method.(string)
	if !ok || name == "" {
		return malformed(data, "method must be a non-empty string")
	}

	return Frame{
		Kind:   KindNotification,
		Method: name,
		Params: msg["params"],
		Raw:    data,
	}
}

func decodeResponse(data []byte, msg map[string]any, id any) Frame {
	if id != nil && !ValidID(id) {
		return malformed(data, "invalid id of type %T", id)
	}

	result, hasResult := msg["result"]
	rawErr, hasError := msg["error"]

	switch {
	case hasResult && hasError:
		return malformed(data, "response has both result and error")
	case !hasResult && !hasError:
		return malformed(data, "response has neither result nor error")
	case hasResult:
		if id == nil {
			return malformed(data, "result with null id")
		}
		return Frame{
			Kind:   KindResponse,
			ID:     id,
			Result: result,
			Raw:    data,
		}
	}

	rpcErr, err := decodeError(rawErr)
	if err != nil {
		return malformed(data, "invalid error object: %v", err)
	}

	return Frame{
		Kind:  KindError,
		ID:    id,
		Error: rpcErr,
		Raw:   data,
	}
}

func decodeError(raw any) (*Error, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", raw)
	}

	code, ok := obj["code"]
	if !ok {
		return nil, fmt.Errorf("missing code")
	}
	if _, isStr := code.(string); isStr || !ValidID(code) {
		return nil, fmt.Errorf("code must be a number")
	}

	msg, ok := obj["message"].(string)
	if !ok {
		return nil, fmt.Errorf("message must be a string")
	}

	out := &Error{Message: msg, Data: obj["data"]}
	if err := reflectutil.Decode(code, &out.Code); err != nil {
		return nil, err
	}
	return out, nil
}
