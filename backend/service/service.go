package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/config"
	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/adwski/relaychat/backend/room"
	"github.com/adwski/relaychat/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type (
	Service struct {
		reg      *memory.Registry
		limits   config.Limits
		rooms    config.RoomConfig
		rootPort int

		mx       *sync.Mutex
		sessions map[string]protocol.Peer
		live     map[int]*room.Server
		making   map[string]struct{}
		pending  map[string]chan bool

		baseLogger *zerolog.Logger
		logger     zerolog.Logger
	}

	Config struct {
		Registry *memory.Registry
		Limits   config.Limits
		Rooms    config.RoomConfig
		RootPort int
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:        cfg.Registry,
		limits:     cfg.Limits,
		rooms:      cfg.Rooms,
		rootPort:   cfg.RootPort,
		mx:         &sync.Mutex{},
		sessions:   make(map[string]protocol.Peer),
		live:       make(map[int]*room.Server),
		making:     make(map[string]struct{}),
		pending:    make(map[string]chan bool),
		baseLogger: cfg.Logger,
		logger:     cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// ConnectClient registers a client that just completed the root handshake.
// The returned record carries the server assigned id.
func (svc *Service) ConnectClient(peer protocol.Peer, c model.Client) (model.Client, error) {
	c.Handle = strings.TrimSpace(c.Handle)
	if c.Handle == "" {
		c.Handle = model.DefaultHandle(time.Now())
	}
	c.Handle = truncate(c.Handle, svc.limits.MaxHandleLength)
	c.ID = uuid.NewString()
	c.RoomID = model.RootRoomID
	c.JoinedAt = time.Now()

	if err := svc.reg.Clients.Add(c); err != nil {
		return model.Client{}, errors.Join(ErrConnect, err)
	}

	svc.mx.Lock()
	svc.sessions[c.ID] = peer
	svc.mx.Unlock()

	svc.logger.Debug().
		Str("clientID", c.ID).
		Str("handle", c.Handle).
		Str("addr", c.Addr).
		Msg("client connected")
	return c, nil
}

// Handle executes one root request on behalf of the client. It returns
// false once the session is over and the receive loop must stop.
func (svc *Service) Handle(ctx context.Context, clientID string, req model.RootRequest) bool {
	client, ok := svc.reg.Clients.Get(clientID)
	if !ok {
		return false
	}
	peer, ok := svc.peer(clientID)
	if !ok {
		return false
	}

	svc.logger.Trace().Func(func(e *zerolog.Event) {
		e.Str("record", spew.Sdump(req))
	}).Str("clientID", clientID).Msg("root request")

	switch req.Command {
	case model.RootNone:
	case model.RootListRooms:
		svc.ListRooms(peer)
	case model.RootMakeRoom:
		svc.MakeRoom(ctx, peer, client, req.Room)
	case model.RootRemoveRoom:
		svc.RemoveRoom(peer, req.Room)
	case model.RootAppendRoom:
		svc.AppendRoom(peer, req.Room)
	case model.RootDisconnectClient:
		svc.DisconnectClient(clientID)
		return false
	case model.RootKickClientFromRoom:
		svc.KickClientFromRoom(peer, client, req.Message.Text)
	case model.RootRequestPrivateMessage:
		svc.RequestPrivateMessage(ctx, peer, client, req.Client.Handle, req.Message)
	case model.RootClientAcceptedPrivateMessage:
		svc.AnswerPrivateMessage(client, req.Client, true)
	case model.RootClientDeclinedPrivateMessage:
		svc.AnswerPrivateMessage(client, req.Client, false)
	case model.RootRefreshRoomInfo:
		svc.RefreshRoomInfo(peer, req.Room)
	case model.RootRefreshClientInfo:
		svc.RefreshClientInfo(peer, client, req.Client)
	default:
		svc.logger.Debug().Stringer("command", req.Command).Msg("unsupported root command")
		svc.reply(peer, model.Response{
			Command: req.Command,
			Code:    model.CodeInternalError,
			Flag:    model.FlagNoResponse,
		})
	}
	return true
}

// DisconnectClient drops the client from the root, shuts down every room it
// hosts, evicts it from the room it is in and closes its root connection.
// Nothing is sent back.
func (svc *Service) DisconnectClient(clientID string) {
	c, removed := svc.reg.Clients.Remove(clientID)

	svc.mx.Lock()
	peer, hasPeer := svc.sessions[clientID]
	delete(svc.sessions, clientID)
	for key, answer := range svc.pending {
		if pmPeer(key) == clientID {
			select {
			case answer <- false:
			default:
			}
		}
	}
	svc.mx.Unlock()

	for _, srv := range svc.liveRooms() {
		if srv.Host().ID == clientID {
			srv.Shutdown()
		} else {
			srv.Evict(clientID)
		}
	}

	if hasPeer {
		if err := peer.Close(); err != nil {
			svc.logger.Debug().Err(err).Str("clientID", clientID).Msg("root connection close failed")
		}
	}
	if removed {
		svc.logger.Debug().
			Str("clientID", clientID).
			Str("handle", c.Handle).
			Msg("client disconnected")
	}
}

// Shutdown takes every live room offline and closes all root sessions.
func (svc *Service) Shutdown() {
	wg := &sync.WaitGroup{}
	for _, srv := range svc.liveRooms() {
		wg.Add(1)
		go func(srv *room.Server) {
			defer wg.Done()
			srv.Shutdown()
		}(srv)
	}
	wg.Wait()

	svc.mx.Lock()
	peers := make([]protocol.Peer, 0, len(svc.sessions))
	for id, p := range svc.sessions {
		peers = append(peers, p)
		delete(svc.sessions, id)
	}
	svc.mx.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	svc.logger.Info().Int("sessions", len(peers)).Msg("service stopped")
}

// Rooms returns the online public rooms in directory order.
func (svc *Service) Rooms() []model.Room {
	return svc.reg.Rooms.Snapshot()
}

// Root returns the record of the root pseudo-room.
func (svc *Service) Root() model.Room {
	root := model.RootRoom(svc.rootPort)
	root.ConnectedClients = svc.reg.Clients.Len()
	root.MaxClients = svc.limits.MaxGlobalClients
	return root
}

// Clients returns the clients connected to the root.
func (svc *Service) Clients() []model.Client {
	return svc.reg.Clients.Snapshot()
}

func (svc *Service) peer(clientID string) (protocol.Peer, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	p, ok := svc.sessions[clientID]
	return p, ok
}

func (svc *Service) reply(peer protocol.Peer, resp model.Response) {
	if err := peer.Write(resp); err != nil {
		svc.logger.Error().
			Err(err).
			Stringer("command", resp.Command).
			Stringer("code", resp.Code).
			Msg("failed to send reply")
	}
}

func truncate(s string, max int) string {
	msg := model.ChatMessage{Text: s}
	msg.Truncate(max)
	return msg.Text
}
