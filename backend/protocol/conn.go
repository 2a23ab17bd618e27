package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	RootPath = "/root"
	RoomPath = "/room"

	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultHandshakeTimeout   = 3 * time.Second
	defaultReadBufferSize     = 10000
	defaultWriteBufferSize    = 10000
	defaultMaxRecordSize      = 1 << 16

	// defaultPongWait - defaultPingInterval is how long the peer has to answer a ping
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	countSize = 4
)

var (
	// ErrClosed is returned by reads when the peer went away in an orderly
	// fashion or the connection was closed locally.
	ErrClosed = errors.New("connection closed")
	// ErrMalformed is returned when a frame arrived intact but does not hold
	// the expected record. The connection stays usable.
	ErrMalformed = errors.New("malformed record")
	ErrTransport = errors.New("transport error")
)

var upgrader = &websocket.Upgrader{
	HandshakeTimeout: defaultHandshakeTimeout,
	ReadBufferSize:   defaultReadBufferSize,
	WriteBufferSize:  defaultWriteBufferSize,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// Peer is the write side of a connection as seen by request handlers.
type Peer interface {
	Write(v any) error
	WriteStream(head any, records ...any) error
	Close() error
}

// Conn carries fixed records over a websocket connection. One record is one
// websocket message; reads must come from a single goroutine while writes
// may come from any.
type Conn struct {
	ws            *websocket.Conn
	wmx           *sync.Mutex
	writeDeadline time.Duration
	closeOnce     *sync.Once
	closeErr      error
	done          chan struct{}
}

func newConn(ws *websocket.Conn, writeDeadline time.Duration) *Conn {
	if writeDeadline <= 0 {
		writeDeadline = defaultWriteDeadline
	}
	ws.SetReadLimit(defaultMaxRecordSize)
	return &Conn{
		ws:            ws,
		wmx:           &sync.Mutex{},
		writeDeadline: writeDeadline,
		closeOnce:     &sync.Once{},
		done:          make(chan struct{}),
	}
}

// Upgrade turns an inbound http request into a record connection. The
// server side pings the peer and fails reads once pongs stop coming.
func Upgrade(w http.ResponseWriter, r *http.Request, writeDeadline time.Duration) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	c := newConn(ws, writeDeadline)
	if err = c.keepAlive(defaultPingInterval, defaultPongWait); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) keepAlive(pingInterval, pongWait time.Duration) error {
	readDeadline := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
	c.ws.SetPongHandler(func(string) error {
		return readDeadline()
	})
	if err := readDeadline(); err != nil {
		return classify(err)
	}

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeDeadline)); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

// Dial opens a record connection to url (ws://host:port/path).
func Dial(ctx context.Context, url string, writeDeadline time.Duration) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}
	return newConn(ws, writeDeadline), nil
}

// Read blocks until the next record arrives and decodes it into v.
func (c *Conn) Read(v any) error {
	mt, b, err := c.ws.ReadMessage()
	if err != nil {
		return classify(err)
	}
	if mt != websocket.TextMessage {
		return ErrMalformed
	}
	if err = json.Unmarshal(b, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

// Next reads whichever arrives first: a record, decoded into v, or a count
// frame, in which case counted is true and v is left untouched.
func (c *Conn) Next(v any) (n uint32, counted bool, err error) {
	mt, b, err := c.ws.ReadMessage()
	if err != nil {
		return 0, false, classify(err)
	}
	switch mt {
	case websocket.BinaryMessage:
		if len(b) != countSize {
			return 0, false, ErrMalformed
		}
		return binary.BigEndian.Uint32(b), true, nil
	case websocket.TextMessage:
		if err = json.Unmarshal(b, v); err != nil {
			return 0, false, errors.Join(ErrMalformed, err)
		}
		return 0, false, nil
	}
	return 0, false, ErrMalformed
}

// Write sends v as one record.
func (c *Conn) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return c.writeMessage(websocket.TextMessage, b)
}

// WriteStream sends head as a record, then a count frame followed by every
// record. No other write can interleave with the stream.
func (c *Conn) WriteStream(head any, records ...any) error {
	frames := make([][]byte, 0, len(records)+1)
	for _, r := range append([]any{head}, records...) {
		b, err := json.Marshal(r)
		if err != nil {
			return errors.Join(ErrMalformed, err)
		}
		frames = append(frames, b)
	}
	count := make([]byte, countSize)
	binary.BigEndian.PutUint32(count, uint32(len(records)))

	c.wmx.Lock()
	defer c.wmx.Unlock()

	if err := c.writeLocked(websocket.TextMessage, frames[0]); err != nil {
		return err
	}
	if err := c.writeLocked(websocket.BinaryMessage, count); err != nil {
		return err
	}
	for _, b := range frames[1:] {
		if err := c.writeLocked(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeMessage(mt int, b []byte) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	return c.writeLocked(mt, b)
}

func (c *Conn) writeLocked(mt int, b []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeDeadline)); err != nil {
		return classify(err)
	}
	if err := c.ws.WriteMessage(mt, b); err != nil {
		return classify(err)
	}
	return nil
}

// Close sends a close frame and closes the underlying connection.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmx.Lock()
		if err := c.ws.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline)); err == nil {
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.wmx.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func classify(err error) error {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent):
		return errors.Join(ErrClosed, err)
	}
	return errors.Join(ErrTransport, err)
}

// URL builds the websocket address of a channel endpoint.
func URL(host string, port int, path string) string {
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}
