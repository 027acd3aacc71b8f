package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	a, b := Pipe()

	buf := []byte("hello")
	require.NoError(t, a.WriteMessage(buf))
	buf[0] = 'j'

	msg, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg)

	require.NoError(t, b.WriteMessage([]byte("back")))
	msg, err = a.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("back"), msg)

	done := make(chan error, 1)
	go func() {
		_, err := a.ReadMessage()
		done <- err
	}()

	require.NoError(t, b.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by close")
	}

	require.ErrorIs(t, a.WriteMessage([]byte("x")), ErrClosed)
	require.NoError(t, a.Close())
}

func TestRPCURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:8000", "ws://localhost:8000/rpc"},
		{"http://db.example.com", "ws://db.example.com/rpc"},
		{"https://db.example.com/", "wss://db.example.com/rpc"},
		{"ws://127.0.0.1:8000/rpc", "ws://127.0.0.1:8000/rpc"},
		{"wss://db.example.com/base", "wss://db.example.com/base/rpc"},
	}

	for _, tt := range tests {
		got, err := RPCURL(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}

	_, err := RPCURL("ftp://example.com")
	require.Error(t, err)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + RPCPath
}

// echoServer echoes binary messages after sending one text message
func echoServer(subprotocols []string) *httptest.Server {
	upgrader := websocket.Upgrader{Subprotocols: subprotocols}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte("ignored"))
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketDialer(t *testing.T) {
	srv := echoServer([]string{Subprotocol})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := WebSocketDialer{PingInterval: time.Second}.Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage([]byte{0x01, 0x02}))
	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, msg)

	require.NoError(t, conn.Close())
	_, err = conn.ReadMessage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketDialerRequiresSubprotocol(t *testing.T) {
	srv := echoServer(nil)
	defer srv.Close()

	_, err := WebSocketDialer{}.Dial(context.Background(), wsURL(srv))
	require.ErrorIs(t, err, ErrSubprotocol)
}
