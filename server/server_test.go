package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.arsenm.dev/cborpc/codec"
	"go.arsenm.dev/cborpc/internal/types"
	"go.arsenm.dev/cborpc/models"
	"go.arsenm.dev/cborpc/transport"
)

// testConn plays the client's side of a connection
type testConn struct {
	t    *testing.T
	conn transport.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
}

func (tc *testConn) request(id uint64, method string, params ...any) {
	tc.t.Helper()
	data, err := tc.enc.Encode(types.Request{ID: id, Method: method, Params: params}.Value())
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.conn.WriteMessage(data))
}

func (tc *testConn) read() (*types.Response, *types.Notification) {
	tc.t.Helper()

	type msg struct {
		data []byte
		err  error
	}
	ch := make(chan msg, 1)
	go func() {
		data, err := tc.conn.ReadMessage()
		ch <- msg{data, err}
	}()

	select {
	case m := <-ch:
		require.NoError(tc.t, m.err)
		v, err := tc.dec.Decode(m.data)
		require.NoError(tc.t, err)
		res, n, err := types.ParseFrame(v)
		require.NoError(tc.t, err)
		return res, n
	case <-time.After(2 * time.Second):
		tc.t.Fatal("timed out waiting for frame")
		return nil, nil
	}
}

func (tc *testConn) response() *types.Response {
	tc.t.Helper()
	res, n := tc.read()
	require.Nil(tc.t, n, "expected response, got notification")
	return res
}

func (tc *testConn) notification() *types.Notification {
	tc.t.Helper()
	res, n := tc.read()
	require.Nil(tc.t, res, "expected notification, got response")
	return n
}

func newTestServer(t *testing.T) (*Server, *testConn) {
	t.Helper()

	s := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(s.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, b := transport.Pipe()
	go s.ServeConn(ctx, a)

	return s, &testConn{
		t:    t,
		conn: b,
		enc:  &codec.Encoder{Tags: models.Tags},
		dec:  &codec.Decoder{Tags: models.Tags},
	}
}

func sum(ctx *Context) (any, error) {
	var nums []int
	if err := ctx.ParamInto(0, &nums); err != nil {
		return nil, err
	}

	out := 0
	for _, n := range nums {
		out += n
	}
	return out, nil
}

func TestCall(t *testing.T) {
	s, tc := newTestServer(t)
	s.Register("sum", sum)

	tc.request(1, "sum", []any{2, 3})
	res := tc.response()
	require.Equal(t, uint64(1), res.ID)
	require.Nil(t, res.Error)
	require.Equal(t, int64(5), res.Result)
}

func TestErrors(t *testing.T) {
	s, tc := newTestServer(t)
	s.Register("sum", sum)
	s.Register("coded", func(*Context) (any, error) {
		return nil, &types.RPCError{Code: 42, Message: "custom"}
	})
	s.Register("plain", func(*Context) (any, error) {
		return nil, errors.New("something broke")
	})
	s.Register("panics", func(*Context) (any, error) {
		panic("oh no")
	})

	tests := []struct {
		method string
		code   int
	}{
		{"missing", CodeMethodNotFound},
		{"sum", CodeInvalidParams},
		{"coded", 42},
		{"plain", types.CodeServerError},
		{"panics", types.CodeServerError},
	}

	for i, tt := range tests {
		tc.request(uint64(i+1), tt.method)
		res := tc.response()
		require.Equal(t, uint64(i+1), res.ID, tt.method)
		require.NotNil(t, res.Error, tt.method)
		require.Equal(t, tt.code, res.Error.Code, tt.method)
	}
}

func TestParam(t *testing.T) {
	ctx := &Context{Params: []any{"a"}}
	require.Equal(t, "a", ctx.Param(0))
	require.Nil(t, ctx.Param(1))
	require.Nil(t, ctx.Param(-1))
}

func TestLive(t *testing.T) {
	s, tc := newTestServer(t)

	lives := make(chan *Live, 1)
	s.Register("live", func(ctx *Context) (any, error) {
		l, err := ctx.MakeLive()
		if err != nil {
			return nil, err
		}
		lives <- l
		return "ignored", nil
	})

	tc.request(1, "live", models.Table("person"))
	res := tc.response()
	require.Nil(t, res.Error)

	id, ok := res.Result.(uuid.UUID)
	require.True(t, ok, "expected uuid, got %T", res.Result)
	l := <-lives
	require.Equal(t, l.ID, id)
	require.Equal(t, []string{id.String()}, s.LiveIDs())

	require.NoError(t, s.Notify(id.String(), ActionCreate, int64(7)))
	n := tc.notification()
	require.Equal(t, id.String(), n.ID)
	require.Equal(t, ActionCreate, n.Action)
	require.Equal(t, int64(7), n.Result)

	// Killing sends a final update before the response
	tc.request(2, "kill", id)
	n = tc.notification()
	require.Equal(t, ActionKilled, n.Action)
	res = tc.response()
	require.Equal(t, uint64(2), res.ID)
	require.Nil(t, res.Error)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("live query was not ended")
	}
	require.Empty(t, s.LiveIDs())
	require.ErrorIs(t, s.Notify(id.String(), ActionCreate, nil), ErrNoSuchLive)

	// Killing it again fails
	tc.request(3, "kill", id)
	res = tc.response()
	require.NotNil(t, res.Error)
}

func TestLiveEndsWithConnection(t *testing.T) {
	s, tc := newTestServer(t)

	lives := make(chan *Live, 1)
	s.Register("live", func(ctx *Context) (any, error) {
		l, err := ctx.MakeLive()
		lives <- l
		return nil, err
	})

	tc.request(1, "live", models.Table("person"))
	tc.response()
	l := <-lives

	require.NoError(t, tc.conn.Close())
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("live query outlived its connection")
	}

	require.Eventually(t, func() bool {
		return len(s.LiveIDs()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLiveFailedHandler(t *testing.T) {
	s, tc := newTestServer(t)
	s.Register("live", func(ctx *Context) (any, error) {
		if _, err := ctx.MakeLive(); err != nil {
			return nil, err
		}
		return nil, errors.New("table does not exist")
	})

	tc.request(1, "live", models.Table("nothing"))
	res := tc.response()
	require.NotNil(t, res.Error)
	require.Empty(t, s.LiveIDs())
}

func TestHandler(t *testing.T) {
	s := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer s.Close()
	s.Register("sum", sum)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + transport.RPCPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.WebSocketDialer{}.Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	tc := &testConn{
		t:    t,
		conn: conn,
		enc:  &codec.Encoder{Tags: models.Tags},
		dec:  &codec.Decoder{Tags: models.Tags},
	}
	tc.request(7, "sum", []any{1, 2, 3})
	res := tc.response()
	require.Equal(t, uint64(7), res.ID)
	require.Equal(t, int64(6), res.Result)

	// Connections without the cbor subprotocol are refused
	_, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
}
