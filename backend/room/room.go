package room

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/relaychat/backend/config"
	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/adwski/relaychat/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type (
	Config struct {
		Logger   *zerolog.Logger
		Registry *memory.Registry
		Limits   config.Limits
		Rooms    config.RoomConfig

		// Room carries the requested alias, port, size and network tags.
		Room model.Room
		Host model.Client

		// OnClosed is called once after the room has shut down.
		OnClosed func(*Server)
	}

	// Server is one chat room: it owns a listener, its member list and relays
	// chat between members.
	Server struct {
		reg      *memory.Registry
		limits   config.Limits
		opts     config.RoomConfig
		onClosed func(*Server)

		mx      *sync.Mutex
		info    model.Room
		members []*member
		started bool
		closed  bool

		ln      net.Listener
		httpSrv *http.Server

		logger zerolog.Logger
	}
)

func New(cfg Config) *Server {
	info := cfg.Room.Clone()
	info.Host = cfg.Host
	info.IsRoot = false
	info.Online = false
	info.ConnectedClients = 0
	info.Members = nil
	if info.Domain == "" {
		info.Domain = model.DomainInet
	}
	if info.Type == "" {
		info.Type = model.TypeStream
	}
	if info.Protocol == "" {
		info.Protocol = model.ProtocolWire
	}
	switch {
	case info.MaxClients <= 0:
		info.MaxClients = cfg.Limits.DefaultMaxClients
	case info.MaxClients > cfg.Limits.MaxRoomMembers:
		info.MaxClients = cfg.Limits.MaxRoomMembers
	}

	return &Server{
		reg:      cfg.Registry,
		limits:   cfg.Limits,
		opts:     cfg.Rooms,
		onClosed: cfg.OnClosed,
		mx:       &sync.Mutex{},
		info:     info,
		logger: cfg.Logger.With().
			Str("component", "room").
			Str("alias", info.Alias).
			Int("port", info.Port).
			Logger(),
	}
}

// Start binds the room listener, registers the room and begins accepting
// members. A failed bind is terminal: nothing gets registered. A room shut
// down before it came online never registers either and Start returns
// ErrRoomClosed.
func (s *Server) Start(ctx context.Context) (model.Room, error) {
	s.mx.Lock()
	if s.started || s.closed {
		s.mx.Unlock()
		return model.Room{}, ErrRoomClosed
	}
	s.started = true
	s.mx.Unlock()

	ln, err := listen(ctx, s.opts.Host, s.info.Port)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to bind room listener")
		return model.Room{}, errors.Join(ErrBind, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.RoomPath, s.accept)

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		_ = ln.Close()
		s.logger.Debug().Msg("room closed while binding")
		return model.Room{}, ErrRoomClosed
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.info.ID = GenerateID(s.info.Port)
	s.info.Online = true
	info := s.info.Clone()
	httpSrv := s.httpSrv

	if prev, ok := s.reg.Rooms.Lookup(info.ID); ok && prev.Online && prev.Port != info.Port {
		s.logger.Warn().
			Int("id", info.ID).
			Str("other", prev.Alias).
			Msg("room id collision, id table entry is overwritten")
	}
	if !info.Private {
		if _, err = s.reg.Rooms.Add(info); err != nil {
			s.logger.Error().Err(err).Msg("failed to add room to directory")
		}
	}
	s.reg.Rooms.Store(info)
	s.reg.Clients.SetRoom(info.Host.ID, info.ID)
	s.mx.Unlock()

	go func() {
		if errSrv := httpSrv.Serve(ln); errSrv != nil && !errors.Is(errSrv, http.ErrServerClosed) {
			s.logger.Error().Err(errSrv).Msg("room listener stopped unexpectedly")
			s.Shutdown()
		}
	}()

	s.logger.Info().
		Int("id", info.ID).
		Int("maxClients", info.MaxClients).
		Bool("private", info.Private).
		Str("host", info.Host.Handle).
		Msg("room online")
	return info, nil
}

// accept handles one inbound room connection for its whole lifetime.
func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := protocol.Upgrade(w, r, s.opts.WriteTimeout)
	if err != nil {
		s.logger.Error().Err(err).Msg("room connection upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	var identity model.Client
	if err = conn.Read(&identity); err != nil {
		s.logger.Debug().Err(err).Msg("dropping connection without identity")
		return
	}
	if strings.TrimSpace(identity.Handle) == "" {
		s.logger.Debug().Str("clientID", identity.ID).Msg("dropping identity without handle")
		return
	}

	m := &member{conn: conn}
	info, err := s.admit(m, identity)
	if err != nil {
		code := model.CodeInternalError
		if errors.Is(err, ErrRoomFull) {
			code = model.CodeRoomFull
		}
		s.logger.Warn().Err(err).Str("handle", identity.Handle).Msg("member rejected")
		_ = conn.Write(model.Response{Code: code, Flag: model.FlagDataUnused, Room: &info})
		return
	}

	if err = conn.Write(model.Response{
		Code: model.CodeOperationSuccessful,
		Flag: model.FlagDataUpdated,
		Room: &info,
	}); err != nil {
		s.logger.Error().Err(err).Str("handle", m.client.Handle).Msg("failed to send room record")
		s.removeMember(m, reasonLeft)
		return
	}

	s.receive(m)
}

// receive serves requests from one member until it leaves or goes away.
func (s *Server) receive(m *member) {
	logger := s.logger.With().Str("handle", m.client.Handle).Logger()
	for {
		var msg model.ChatMessage
		err := m.conn.Read(&msg)
		switch {
		case errors.Is(err, protocol.ErrMalformed):
			logger.Warn().Err(err).Msg("failed to decode room request")
			continue
		case err != nil:
			if !errors.Is(err, protocol.ErrClosed) {
				logger.Error().Err(err).Msg("unexpected error during receive")
			}
			s.removeMember(m, reasonLeft)
			return
		}

		logger.Trace().Func(func(e *zerolog.Event) {
			e.Str("record", spew.Sdump(msg))
		}).Msg("room request")

		// sender is whoever owns this connection, not what the record says
		msg.Sender = m.client

		switch msg.Command {
		case model.RoomNone:
		case model.RoomEchoChatMessage:
			s.Echo(msg)
		case model.RoomKickClientFromRoom:
			if msg.Text == m.client.Handle {
				s.removeMember(m, reasonLeft)
				return
			}
			s.Kick(m.client, msg.Text)
		default:
			logger.Debug().Stringer("command", msg.Command).Msg("unsupported room command")
		}
	}
}

// Shutdown notifies and evicts every member, then takes the room offline.
// A room that is not online yet is marked closed so it never comes up.
// Calling it more than once does nothing.
func (s *Server) Shutdown() {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	s.closed = true
	if !s.info.Online {
		s.mx.Unlock()
		return
	}
	s.info.Online = false
	members := s.members
	s.members = nil
	s.info.ConnectedClients = 0
	s.info.Members = nil
	info := s.info.Clone()
	httpSrv := s.httpSrv
	s.mx.Unlock()

	s.logger.Info().Int("members", len(members)).Msg("room shutting down")

	for _, m := range members {
		notice := model.ChatMessage{
			Command: model.RoomConnectedRoomShutdown,
			Sender:  m.client,
			Text:    info.Alias,
		}
		if err := m.conn.Write(notice); err != nil {
			s.logger.Debug().Err(err).Str("handle", m.client.Handle).Msg("shutdown notice not delivered")
		}
	}
	if len(members) > 0 && s.opts.ShutdownGrace > 0 {
		time.Sleep(s.opts.ShutdownGrace)
	}
	for _, m := range members {
		s.returnToRoot(m.client.ID, info.ID)
		_ = m.conn.Close()
	}
	s.returnToRoot(info.Host.ID, info.ID)

	if !info.Private {
		s.reg.Rooms.Remove(info.Alias)
	}
	s.reg.Ports.Release(info.Port)
	s.reg.Rooms.MarkOffline(info.ID)

	if httpSrv != nil {
		if err := httpSrv.Close(); err != nil {
			s.logger.Error().Err(err).Msg("failed to close room listener")
		}
	}
	s.logger.Info().Msg("room closed")

	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// returnToRoot moves the client back to the root room if it is still
// recorded as being in room id.
func (s *Server) returnToRoot(clientID string, id int) {
	if clientID == "" {
		return
	}
	if c, ok := s.reg.Clients.Get(clientID); ok && c.RoomID == id {
		s.reg.Clients.SetRoom(clientID, model.RootRoomID)
	}
}

// publish writes the current record to the registry. Callers hold s.mx so
// records reach the registry in the order they were produced.
func (s *Server) publish(info model.Room) {
	if !info.Private {
		s.reg.Rooms.Update(info)
	}
	s.reg.Rooms.Store(info)
}

// Info returns the current room record.
func (s *Server) Info() model.Room {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.info.Clone()
}

func (s *Server) Online() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.info.Online
}

func (s *Server) Host() model.Client {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.info.Host
}

func (s *Server) Port() int {
	return s.info.Port
}
