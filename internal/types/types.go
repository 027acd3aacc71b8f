package types

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/gofrs/uuid"
	"go.arsenm.dev/cborpc/codec"
)

// CodeServerError is used for errors that carry no code of their own
const CodeServerError = -32000

var ErrInvalidFrame = errors.New("invalid frame")

// Request represents a request sent to the server
type Request struct {
	ID     uint64
	Method string
	Params []any
}

// Value returns the wire form of the request
func (r Request) Value() *codec.Map {
	params := r.Params
	if params == nil {
		params = []any{}
	}
	return codec.MapOf("id", r.ID, "method", r.Method, "params", params)
}

// RPCError is an error returned by the server in response
// to a request
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response represents a response returned by the server
type Response struct {
	ID     uint64
	Result any
	Error  *RPCError
}

// Value returns the wire form of the response
func (r Response) Value() *codec.Map {
	if r.Error != nil {
		return codec.MapOf("id", r.ID, "error", codec.MapOf(
			"code", r.Error.Code,
			"message", r.Error.Message,
		))
	}
	return codec.MapOf("id", r.ID, "result", r.Result)
}

// Notification is a live query update pushed by the server
type Notification struct {
	ID     string
	Action string
	Result any
}

// Value returns the wire form of the notification. IDs that
// are UUIDs are sent as UUIDs.
func (n Notification) Value() *codec.Map {
	var id any = n.ID
	if u, err := uuid.FromString(n.ID); err == nil {
		id = u
	}
	return codec.MapOf("result", codec.MapOf(
		"id", id,
		"action", n.Action,
		"result", n.Result,
	))
}

// ParseFrame interprets a decoded frame. Frames with an id are
// responses, frames without one are notifications.
func ParseFrame(v any) (*Response, *Notification, error) {
	m, ok := v.(*codec.Map)
	if !ok {
		return nil, nil, fmt.Errorf("%w: expected map, got %T", ErrInvalidFrame, v)
	}

	if idVal, ok := m.Get("id"); ok && idVal != nil {
		id, err := requestID(idVal)
		if err != nil {
			return nil, nil, err
		}

		res := &Response{ID: id}
		if errVal, ok := m.Get("error"); ok && errVal != nil {
			res.Error = parseError(errVal)
		} else {
			res.Result, _ = m.Get("result")
		}
		return res, nil, nil
	}

	result, _ := m.Get("result")
	rm, ok := result.(*codec.Map)
	if !ok {
		return nil, nil, fmt.Errorf("%w: frame has neither an id nor a notification", ErrInvalidFrame)
	}

	rawID, _ := rm.Get("id")
	id, err := SubscriptionID(rawID)
	if err != nil {
		return nil, nil, err
	}

	n := &Notification{ID: id}
	if action, ok := rm.Get("action"); ok {
		n.Action, _ = action.(string)
	}
	n.Result, _ = rm.Get("result")
	return nil, n, nil
}

// ParseRequest interprets a decoded request frame
func ParseRequest(v any) (*Request, error) {
	m, ok := v.(*codec.Map)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrInvalidFrame, v)
	}

	idVal, _ := m.Get("id")
	id, err := requestID(idVal)
	if err != nil {
		return nil, err
	}

	methodVal, _ := m.Get("method")
	method, ok := methodVal.(string)
	if !ok {
		return nil, fmt.Errorf("%w: method must be text, got %T", ErrInvalidFrame, methodVal)
	}

	req := &Request{ID: id, Method: method}
	if params, ok := m.Get("params"); ok && params != nil {
		req.Params, ok = params.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: params must be an array, got %T", ErrInvalidFrame, params)
		}
	}
	return req, nil
}

func requestID(v any) (uint64, error) {
	switch id := v.(type) {
	case int64:
		if id >= 0 {
			return uint64(id), nil
		}
	case *big.Int:
		if id.IsUint64() {
			return id.Uint64(), nil
		}
	case string:
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid request id %v", ErrInvalidFrame, v)
}

// SubscriptionID normalizes a live query id to a string
func SubscriptionID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case uuid.UUID:
		return id.String(), nil
	case []byte:
		if u, err := uuid.FromBytes(id); err == nil {
			return u.String(), nil
		}
	case fmt.Stringer:
		return id.String(), nil
	}
	return "", fmt.Errorf("%w: invalid subscription id %v", ErrInvalidFrame, v)
}

func parseError(v any) *RPCError {
	switch e := v.(type) {
	case *codec.Map:
		out := &RPCError{Code: CodeServerError}
		if code, ok := e.Get("code"); ok {
			if n, ok := code.(int64); ok {
				out.Code = int(n)
			}
		}
		if msg, ok := e.Get("message"); ok {
			out.Message, _ = msg.(string)
		}
		return out
	case string:
		return &RPCError{Code: CodeServerError, Message: e}
	}
	return &RPCError{Code: CodeServerError, Message: fmt.Sprint(v)}
}
