// Package client drives the root and room channels of a relaychat server.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultWriteTimeout = 5 * time.Second
	pushBuffer          = 16
)

var (
	ErrRejected     = errors.New("request rejected")
	ErrPortInUse    = errors.New("port in use")
	ErrRoomFull     = errors.New("room is full")
	ErrDisconnected = errors.New("disconnected from root")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// RootURL is the root channel endpoint, ws://host:port/root.
		RootURL string
		// RoomHost is the host room channels are dialed on.
		RoomHost     string
		Handle       string
		WriteTimeout time.Duration
	}

	// Client is one session on the root channel. Requests are issued one at
	// a time; records the server pushes on its own are delivered on Pushes.
	Client struct {
		conn     *protocol.Conn
		roomHost string
		wt       time.Duration

		reqMx   *sync.Mutex
		replies chan reply
		pushes  chan model.Response
		done    chan struct{}

		mx   *sync.Mutex
		self model.Client
		// replies still due to requests whose callers gave up: first
		// replies per command, make-room finals per alias
		stale       map[model.RootCommand]int
		staleMakes  []string
		staleFinals map[string]int

		logger zerolog.Logger
	}

	reply struct {
		resp  model.Response
		rooms []model.Room
		list  bool
	}
)

// Connect dials the root channel and registers under cfg.Handle, or under
// a generated handle when it is empty.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Handle == "" {
		cfg.Handle = model.DefaultHandle(time.Now())
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	conn, err := protocol.Dial(ctx, cfg.RootURL, cfg.WriteTimeout)
	if err != nil {
		return nil, err
	}
	if err = conn.Write(model.RootRequest{
		Command: model.RootConnectClient,
		Client:  model.Client{Handle: cfg.Handle},
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var resp model.Response
	if err = conn.Read(&resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !resp.OK() || resp.Client == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: connect: %s", ErrRejected, resp.Code)
	}

	c := &Client{
		conn:        conn,
		roomHost:    cfg.RoomHost,
		wt:          cfg.WriteTimeout,
		reqMx:       &sync.Mutex{},
		replies:     make(chan reply, 4),
		pushes:      make(chan model.Response, pushBuffer),
		done:        make(chan struct{}),
		mx:          &sync.Mutex{},
		self:        *resp.Client,
		stale:       make(map[model.RootCommand]int),
		staleFinals: make(map[string]int),
		logger: logger.With().
			Str("component", "client").
			Str("handle", resp.Client.Handle).
			Logger(),
	}
	go c.read()
	return c, nil
}

// Self returns the client record as last known from the root.
func (c *Client) Self() model.Client {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.self
}

// Pushes delivers private message invites and room hand-overs. It is
// closed when the root connection goes away.
func (c *Client) Pushes() <-chan model.Response {
	return c.pushes
}

// Done is closed when the root connection goes away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// read demultiplexes the root channel into replies and pushes.
func (c *Client) read() {
	defer func() {
		close(c.done)
		close(c.pushes)
	}()
	for {
		var resp model.Response
		n, counted, err := c.conn.Next(&resp)
		switch {
		case errors.Is(err, protocol.ErrMalformed):
			c.logger.Warn().Err(err).Msg("failed to decode root record")
			continue
		case err != nil:
			c.logger.Debug().Err(err).Msg("root channel closed")
			return
		}

		if counted {
			// a list without its envelope is drained and dropped
			if _, errL := c.readRooms(n); errL != nil {
				c.logger.Debug().Err(errL).Msg("room list interrupted")
				return
			}
			c.logger.Warn().Uint32("count", n).Msg("room list without envelope dropped")
			continue
		}
		if resp.Push {
			select {
			case c.pushes <- resp:
			default:
				c.logger.Warn().Stringer("command", resp.Command).Msg("push dropped, nobody is listening")
			}
			continue
		}

		r := reply{resp: resp}
		if resp.Command == model.RootListRooms && resp.OK() {
			rooms, errL := c.readList()
			if errL != nil {
				c.logger.Debug().Err(errL).Msg("room list interrupted")
				return
			}
			r.rooms, r.list = rooms, true
		}
		c.deliver(r)
	}
}

// readList reads the count frame and the room records that follow a list
// envelope.
func (c *Client) readList() ([]model.Room, error) {
	var unexpected model.Response
	n, counted, err := c.conn.Next(&unexpected)
	if err != nil {
		return nil, err
	}
	if !counted {
		return nil, fmt.Errorf("%w: expected room count", protocol.ErrMalformed)
	}
	return c.readRooms(n)
}

func (c *Client) readRooms(n uint32) ([]model.Room, error) {
	rooms := make([]model.Room, 0, n)
	for i := uint32(0); i < n; i++ {
		var r model.Room
		if err := c.conn.Read(&r); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// deliver hands a reply to the waiting request unless it belongs to one
// that was abandoned.
func (c *Client) deliver(r reply) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.dropStaleLocked(r.resp) {
		c.logger.Debug().Stringer("command", r.resp.Command).Msg("reply to abandoned request dropped")
		return
	}
	select {
	case c.replies <- r:
	default:
		c.logger.Warn().Stringer("command", r.resp.Command).Msg("reply dropped, nobody is waiting")
	}
}

// dropStaleLocked consumes resp if an abandoned request still expects it.
// Make-room first replies arrive in request order and carry no room;
// finals are told apart by the alias of the room they carry.
func (c *Client) dropStaleLocked(resp model.Response) bool {
	if resp.Command == model.RootMakeRoom {
		if resp.Room != nil {
			alias := model.NormalizeAlias(resp.Room.Alias)
			if c.staleFinals[alias] == 0 {
				return false
			}
			if c.staleFinals[alias]--; c.staleFinals[alias] == 0 {
				delete(c.staleFinals, alias)
			}
			return true
		}
		if len(c.staleMakes) == 0 {
			return false
		}
		alias := c.staleMakes[0]
		c.staleMakes = c.staleMakes[1:]
		if resp.OK() {
			c.staleFinals[alias]++
		}
		return true
	}

	n := c.stale[resp.Command]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(c.stale, resp.Command)
	} else {
		c.stale[resp.Command] = n - 1
	}
	return true
}

// abandon marks a request whose caller gave up. Replies already queued for
// it are consumed, later ones are dropped on arrival. For a make-room,
// acknowledged tells whether its first reply was already received.
func (c *Client) abandon(req model.RootRequest, acknowledged bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	switch {
	case req.Command != model.RootMakeRoom:
		c.stale[req.Command]++
	case acknowledged:
		c.staleFinals[model.NormalizeAlias(req.Room.Alias)]++
	default:
		c.staleMakes = append(c.staleMakes, model.NormalizeAlias(req.Room.Alias))
	}
	for {
		select {
		case r := <-c.replies:
			if !c.dropStaleLocked(r.resp) {
				c.logger.Debug().Stringer("command", r.resp.Command).Msg("unexpected reply dropped")
			}
		default:
			return
		}
	}
}

// await returns the next reply to cmd. Replies to other commands are
// dropped.
func (c *Client) await(ctx context.Context, cmd model.RootCommand) (reply, error) {
	for {
		select {
		case r := <-c.replies:
			if r.resp.Command != cmd {
				c.logger.Debug().
					Stringer("want", cmd).
					Stringer("got", r.resp.Command).
					Msg("mismatched reply dropped")
				continue
			}
			return r, nil
		case <-c.done:
			return reply{}, ErrDisconnected
		case <-ctx.Done():
			return reply{}, ctx.Err()
		}
	}
}

func (c *Client) request(ctx context.Context, req model.RootRequest) (model.Response, error) {
	if err := c.conn.Write(req); err != nil {
		return model.Response{}, err
	}
	r, err := c.await(ctx, req.Command)
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(req, false)
		}
		return model.Response{}, err
	}
	return r.resp, nil
}

// ListRooms returns the online public rooms in directory order.
func (c *Client) ListRooms(ctx context.Context) ([]model.Room, error) {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	req := model.RootRequest{Command: model.RootListRooms}
	if err := c.conn.Write(req); err != nil {
		return nil, err
	}
	r, err := c.await(ctx, model.RootListRooms)
	if err != nil {
		if ctx.Err() != nil {
			c.abandon(req, false)
		}
		return nil, err
	}
	if !r.list {
		return nil, fmt.Errorf("%w: list rooms: %s", ErrRejected, r.resp.Code)
	}
	return r.rooms, nil
}

// FindRoom returns the first online room with alias, compared
// case-insensitively.
func (c *Client) FindRoom(ctx context.Context, alias string) (model.Room, bool, error) {
	rooms, err := c.ListRooms(ctx)
	if err != nil {
		return model.Room{}, false, err
	}
	want := model.NormalizeAlias(alias)
	for _, r := range rooms {
		if model.NormalizeAlias(r.Alias) == want {
			return r, true, nil
		}
	}
	return model.Room{}, false, nil
}

// MakeRoom asks the root to host a room. It waits for both the
// acknowledgement and the final record.
func (c *Client) MakeRoom(ctx context.Context, alias string, port, maxClients int) (model.Room, error) {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	req := model.RootRequest{
		Command: model.RootMakeRoom,
		Room:    model.Room{Alias: alias, Port: port, MaxClients: maxClients},
	}
	resp, err := c.request(ctx, req)
	if err != nil {
		return model.Room{}, err
	}
	if err = responseError("make room", resp); err != nil {
		return model.Room{}, err
	}
	if resp.Flag == model.FlagDataUnused {
		r, errA := c.await(ctx, model.RootMakeRoom)
		if errA != nil {
			if ctx.Err() != nil {
				c.abandon(req, true)
			}
			return model.Room{}, errA
		}
		resp = r.resp
		if err = responseError("make room", resp); err != nil {
			return model.Room{}, err
		}
	}
	if resp.Room == nil {
		return model.Room{}, fmt.Errorf("%w: make room: no room record", ErrRejected)
	}
	c.setRoom(resp.Room.ID)
	return *resp.Room, nil
}

// RequestPrivateMessage invites peer to a private room and blocks until
// the peer answers. The returned room is hosted by this client.
func (c *Client) RequestPrivateMessage(ctx context.Context, peer, text string) (model.Room, error) {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	resp, err := c.request(ctx, model.RootRequest{
		Command: model.RootRequestPrivateMessage,
		Client:  model.Client{Handle: peer},
		Message: model.ChatMessage{Text: text},
	})
	if err != nil {
		return model.Room{}, err
	}
	if err = responseError("private message", resp); err != nil {
		return model.Room{}, err
	}
	if resp.Room == nil {
		return model.Room{}, fmt.Errorf("%w: private message: no room record", ErrRejected)
	}
	return *resp.Room, nil
}

// AnswerPrivateMessage accepts or declines an invite received on Pushes.
// The server does not reply to it.
func (c *Client) AnswerPrivateMessage(requester model.Client, accept bool) error {
	cmd := model.RootClientDeclinedPrivateMessage
	if accept {
		cmd = model.RootClientAcceptedPrivateMessage
	}
	return c.conn.Write(model.RootRequest{Command: cmd, Client: requester})
}

// Kick removes target from the room this client is in. An empty target
// leaves the room.
func (c *Client) Kick(ctx context.Context, target string) error {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	resp, err := c.request(ctx, model.RootRequest{
		Command: model.RootKickClientFromRoom,
		Message: model.ChatMessage{Text: target},
	})
	if err != nil {
		return err
	}
	return responseError("kick", resp)
}

func (c *Client) RemoveRoom(ctx context.Context, alias string) error {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	resp, err := c.request(ctx, model.RootRequest{
		Command: model.RootRemoveRoom,
		Room:    model.Room{Alias: alias},
	})
	if err != nil {
		return err
	}
	return responseError("remove room", resp)
}

func (c *Client) AppendRoom(ctx context.Context, room model.Room) error {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	resp, err := c.request(ctx, model.RootRequest{
		Command: model.RootAppendRoom,
		Room:    room,
	})
	if err != nil {
		return err
	}
	return responseError("append room", resp)
}

// RefreshRoom fetches the current record of room.
func (c *Client) RefreshRoom(ctx context.Context, room model.Room) (model.Room, error) {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	resp, err := c.request(ctx, model.RootRequest{
		Command: model.RootRefreshRoomInfo,
		Room:    room,
	})
	if err != nil {
		return model.Room{}, err
	}
	if err = responseError("refresh room", resp); err != nil {
		return model.Room{}, err
	}
	return *resp.Room, nil
}

// Rename changes the handle of this client. An empty handle just refreshes
// the record.
func (c *Client) Rename(ctx context.Context, handle string) (model.Client, error) {
	c.reqMx.Lock()
	defer c.reqMx.Unlock()

	resp, err := c.request(ctx, model.RootRequest{
		Command: model.RootRefreshClientInfo,
		Client:  model.Client{Handle: handle},
	})
	if err != nil {
		return model.Client{}, err
	}
	if err = responseError("refresh client", resp); err != nil {
		return model.Client{}, err
	}
	c.mx.Lock()
	c.self = *resp.Client
	c.mx.Unlock()
	return *resp.Client, nil
}

// Disconnect ends the session. The server closes the connection without
// replying.
func (c *Client) Disconnect() error {
	err := c.conn.Write(model.RootRequest{Command: model.RootDisconnectClient})
	select {
	case <-c.done:
	case <-time.After(c.wt):
	}
	if errC := c.conn.Close(); err == nil {
		err = errC
	}
	return err
}

func (c *Client) setRoom(id int) {
	c.mx.Lock()
	c.self.RoomID = id
	c.mx.Unlock()
}

func responseError(op string, resp model.Response) error {
	switch resp.Code {
	case model.CodeOperationSuccessful:
		return nil
	case model.CodePortInUse:
		return fmt.Errorf("%s: %w", op, ErrPortInUse)
	case model.CodeRoomFull:
		return fmt.Errorf("%s: %w", op, ErrRoomFull)
	}
	return fmt.Errorf("%w: %s: %s", ErrRejected, op, resp.Code)
}
