package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// serve runs handler for every upgraded connection and returns a dialed
// client side.
func serve(t *testing.T, handler func(*Conn)) *Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, time.Second)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestConn_RecordRoundTrip(t *testing.T) {
	conn := serve(t, func(c *Conn) {
		for {
			var rec record
			if err := c.Read(&rec); err != nil {
				return
			}
			rec.Count++
			_ = c.Write(rec)
		}
	})

	require.NoError(t, conn.Write(record{Name: "a", Count: 1}))
	var got record
	require.NoError(t, conn.Read(&got))
	assert.Equal(t, record{Name: "a", Count: 2}, got)
}

func TestConn_Stream(t *testing.T) {
	conn := serve(t, func(c *Conn) {
		_ = c.WriteStream(record{Name: "head"}, record{Name: "a"}, record{Name: "b"})
		_ = c.WriteStream(record{Name: "empty"})
		_ = c.Write(record{Name: "after"})
		time.Sleep(100 * time.Millisecond)
	})

	var rec record
	_, counted, err := conn.Next(&rec)
	require.NoError(t, err)
	require.False(t, counted)
	assert.Equal(t, "head", rec.Name)

	n, counted, err := conn.Next(&rec)
	require.NoError(t, err)
	require.True(t, counted)
	require.Equal(t, uint32(2), n)
	for _, want := range []string{"a", "b"} {
		require.NoError(t, conn.Read(&rec))
		assert.Equal(t, want, rec.Name)
	}

	require.NoError(t, conn.Read(&rec))
	assert.Equal(t, "empty", rec.Name)
	n, counted, err = conn.Next(&rec)
	require.NoError(t, err)
	require.True(t, counted)
	assert.Zero(t, n)

	_, counted, err = conn.Next(&rec)
	require.NoError(t, err)
	assert.False(t, counted)
	assert.Equal(t, "after", rec.Name)
}

func TestConn_MalformedKeepsConnection(t *testing.T) {
	conn := serve(t, func(c *Conn) {
		c.wmx.Lock()
		_ = c.ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
		c.wmx.Unlock()
		_ = c.Write(record{Name: "ok"})
		time.Sleep(100 * time.Millisecond)
	})

	var rec record
	require.ErrorIs(t, conn.Read(&rec), ErrMalformed)
	require.NoError(t, conn.Read(&rec))
	assert.Equal(t, "ok", rec.Name)
}

func TestConn_OrderlyClose(t *testing.T) {
	conn := serve(t, func(c *Conn) {
		_ = c.Close()
	})

	var rec record
	err := conn.Read(&rec)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	conn := serve(t, func(c *Conn) {
		var rec record
		_ = c.Read(&rec)
	})
	require.NoError(t, conn.Close())
	_ = conn.Close()
	require.Error(t, conn.Write(record{}))
}

// serveKeepAlive is serve with short keepalive intervals; reads on the
// server side report their outcome on the returned channel.
func serveKeepAlive(t *testing.T) (string, <-chan error) {
	t.Helper()

	errc := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(ws, time.Second)
		defer func() {
			_ = c.Close()
		}()
		if err = c.keepAlive(20*time.Millisecond, 80*time.Millisecond); err != nil {
			errc <- err
			return
		}
		var rec record
		if err = c.Read(&rec); err != nil {
			errc <- err
			return
		}
		errc <- c.Write(rec)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), errc
}

func TestConn_KeepAliveDropsSilentPeer(t *testing.T) {
	url, errc := serveKeepAlive(t)

	// a raw connection that never reads never answers pings
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ws.Close()
	})

	select {
	case err = <-errc:
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMalformed)
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was not dropped")
	}
}

func TestConn_KeepAliveKeepsReadingPeer(t *testing.T) {
	url, errc := serveKeepAlive(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	// reading answers pings while the peer stays quiet for several pong waits
	got := make(chan record, 1)
	go func() {
		var rec record
		if conn.Read(&rec) == nil {
			got <- rec
		}
	}()
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, conn.Write(record{Name: "late"}))

	select {
	case rec := <-got:
		assert.Equal(t, "late", rec.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
	require.NoError(t, <-errc)
}

func TestURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:6000/room", URL("127.0.0.1", 6000, RoomPath))
	assert.Equal(t, "ws://:5022/root", URL("", 5022, RootPath))
}
