package types

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"
	"go.arsenm.dev/cborpc/codec"
)

func TestRequestValue(t *testing.T) {
	req := Request{ID: 3, Method: "info"}
	m := req.Value()

	id, _ := m.Get("id")
	require.Equal(t, uint64(3), id)
	params, _ := m.Get("params")
	require.Equal(t, []any{}, params)

	// The wire form parses back into the same request
	data, err := codec.Encode(m)
	require.NoError(t, err)
	v, err := codec.Decode(data)
	require.NoError(t, err)

	parsed, err := ParseRequest(v)
	require.NoError(t, err)
	require.Equal(t, &Request{ID: 3, Method: "info", Params: []any{}}, parsed)
}

func TestParseFrameResponse(t *testing.T) {
	res, n, err := ParseFrame(codec.MapOf("id", int64(7), "result", "ok"))
	require.NoError(t, err)
	require.Nil(t, n)
	require.Equal(t, &Response{ID: 7, Result: "ok"}, res)

	// Ids may arrive as numeric text
	res, _, err = ParseFrame(codec.MapOf("id", "8", "result", nil))
	require.NoError(t, err)
	require.Equal(t, uint64(8), res.ID)
}

func TestParseFrameError(t *testing.T) {
	res, _, err := ParseFrame(codec.MapOf(
		"id", int64(1),
		"error", codec.MapOf("code", int64(-32602), "message", "invalid params"),
	))
	require.NoError(t, err)
	require.Equal(t, &RPCError{Code: -32602, Message: "invalid params"}, res.Error)
	require.EqualError(t, res.Error, "rpc error -32602: invalid params")

	res, _, err = ParseFrame(codec.MapOf("id", int64(1), "error", "boom"))
	require.NoError(t, err)
	require.Equal(t, &RPCError{Code: CodeServerError, Message: "boom"}, res.Error)
}

func TestParseFrameNotification(t *testing.T) {
	id := uuid.Must(uuid.NewV4())

	_, n, err := ParseFrame(Notification{ID: id.String(), Action: "CREATE", Result: int64(1)}.Value())
	require.NoError(t, err)
	require.Equal(t, &Notification{ID: id.String(), Action: "CREATE", Result: int64(1)}, n)

	_, n, err = ParseFrame(codec.MapOf("result", codec.MapOf("id", "abc", "action", "DELETE")))
	require.NoError(t, err)
	require.Equal(t, &Notification{ID: "abc", Action: "DELETE"}, n)
}

func TestParseFrameInvalid(t *testing.T) {
	for _, v := range []any{
		"not a map",
		codec.MapOf("id", int64(-1)),
		codec.MapOf("id", 1.5),
		codec.MapOf("result", "no id"),
		codec.MapOf("result", codec.MapOf("id", int64(5))),
	} {
		_, _, err := ParseFrame(v)
		require.ErrorIs(t, err, ErrInvalidFrame, "%#v", v)
	}
}

func TestSubscriptionID(t *testing.T) {
	id := uuid.Must(uuid.NewV4())

	for _, v := range []any{id, id.String(), id.Bytes()} {
		got, err := SubscriptionID(v)
		require.NoError(t, err)
		require.Equal(t, id.String(), got)
	}
}
