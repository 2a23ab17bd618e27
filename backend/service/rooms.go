package service

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/adwski/relaychat/backend/room"
)

// ListRooms replies with an envelope, then streams the online rooms in
// directory order preceded by their count.
func (svc *Service) ListRooms(peer protocol.Peer) {
	rooms := svc.reg.Rooms.Snapshot()
	records := make([]any, 0, len(rooms))
	for _, r := range rooms {
		records = append(records, r)
	}
	envelope := model.Response{
		Command: model.RootListRooms,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagDataUpdated,
	}
	if err := peer.WriteStream(envelope, records...); err != nil {
		svc.logger.Error().Err(err).Msg("failed to stream room list")
	}
}

// MakeRoom validates the request and reserves the port bucket, then
// acknowledges and starts the room in the background. The final reply
// is sent once the room listener is bound or has failed to bind.
func (svc *Service) MakeRoom(ctx context.Context, peer protocol.Peer, host model.Client, req model.Room) {
	logger := svc.logger.With().
		Str("handle", host.Handle).
		Str("alias", req.Alias).
		Int("port", req.Port).
		Logger()

	reject := func(code model.ResponseCode, err error) {
		logger.Warn().Err(err).Msg("make room rejected")
		svc.reply(peer, model.Response{
			Command: model.RootMakeRoom,
			Code:    code,
			Flag:    model.FlagDataUnused,
		})
	}

	if err := svc.validateAlias(req.Alias); err != nil {
		reject(model.CodeInternalError, err)
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		reject(model.CodeInternalError, ErrInvalidPort)
		return
	}

	req.Private = false
	key := model.NormalizeAlias(req.Alias)
	svc.mx.Lock()
	if svc.aliasTakenLocked(key) {
		svc.mx.Unlock()
		reject(model.CodeInternalError, ErrAliasTaken)
		return
	}
	if err := svc.reg.Ports.Reserve(req.Port); err != nil {
		svc.mx.Unlock()
		reject(model.CodePortInUse, err)
		return
	}
	svc.making[key] = struct{}{}
	srv := svc.trackLocked(host, req)
	svc.mx.Unlock()

	svc.reply(peer, model.Response{
		Command: model.RootMakeRoom,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagDataUnused,
	})

	go func() {
		defer func() {
			svc.mx.Lock()
			delete(svc.making, key)
			svc.mx.Unlock()
		}()

		info, err := svc.launch(ctx, srv)
		if err != nil {
			// the requested record tells the caller which room failed
			svc.reply(peer, model.Response{
				Command: model.RootMakeRoom,
				Code:    model.CodeInternalError,
				Flag:    model.FlagDataUnused,
				Room:    &req,
			})
			return
		}
		svc.reply(peer, model.Response{
			Command: model.RootMakeRoom,
			Code:    model.CodeOperationSuccessful,
			Flag:    model.FlagDataUpdated,
			Room:    &info,
		})
	}()
}

// startRoom binds a room on a port the caller has already reserved. The
// reservation is released when the room fails to start.
func (svc *Service) startRoom(ctx context.Context, host model.Client, req model.Room) (model.Room, error) {
	svc.mx.Lock()
	srv := svc.trackLocked(host, req)
	svc.mx.Unlock()
	return svc.launch(ctx, srv)
}

// trackLocked creates the room and lists it as live before it is bound, so
// a host disconnecting meanwhile still shuts it down.
func (svc *Service) trackLocked(host model.Client, req model.Room) *room.Server {
	srv := room.New(room.Config{
		Logger:   svc.baseLogger,
		Registry: svc.reg,
		Limits:   svc.limits,
		Rooms:    svc.rooms,
		Room:     req,
		Host:     host,
		OnClosed: svc.roomClosed,
	})
	svc.live[req.Port] = srv
	return srv
}

func (svc *Service) launch(ctx context.Context, srv *room.Server) (model.Room, error) {
	info, err := srv.Start(context.WithoutCancel(ctx))
	if err != nil {
		svc.roomClosed(srv)
		svc.reg.Ports.Release(srv.Port())
		return model.Room{}, err
	}
	return info, nil
}

func (svc *Service) roomClosed(srv *room.Server) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	if svc.live[srv.Port()] == srv {
		delete(svc.live, srv.Port())
	}
}

func (svc *Service) liveRooms() []*room.Server {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	rooms := make([]*room.Server, 0, len(svc.live))
	for _, srv := range svc.live {
		rooms = append(rooms, srv)
	}
	return rooms
}

// roomOf returns the live room the client is a member of.
func (svc *Service) roomOf(clientID string) (*room.Server, bool) {
	for _, srv := range svc.liveRooms() {
		if srv.HasMember(clientID) {
			return srv, true
		}
	}
	return nil, false
}

func (svc *Service) validateAlias(alias string) error {
	n := utf8.RuneCountInString(alias)
	if n < svc.limits.MinAliasLength || n > svc.limits.MaxAliasLength {
		return fmt.Errorf("%w: length must be between %d and %d",
			ErrInvalidAlias, svc.limits.MinAliasLength, svc.limits.MaxAliasLength)
	}
	if strings.IndexFunc(alias, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: whitespace is not allowed", ErrInvalidAlias)
	}
	return nil
}

// aliasTakenLocked reports whether an online room or one being made uses
// the normalized alias. Callers hold svc.mx.
func (svc *Service) aliasTakenLocked(key string) bool {
	if _, busy := svc.making[key]; busy {
		return true
	}
	if _, matches, ok := svc.reg.Rooms.FindByAlias(key); ok {
		for _, r := range matches {
			if r.Online {
				return true
			}
		}
	}
	return false
}

// RemoveRoom drops a room from the public directory.
func (svc *Service) RemoveRoom(peer protocol.Peer, r model.Room) {
	resp := model.Response{Command: model.RootRemoveRoom}
	if svc.reg.Rooms.Remove(r.Alias) {
		resp.Code, resp.Flag = model.CodeOperationSuccessful, model.FlagNoDataReturned
	} else {
		resp.Code, resp.Flag = model.CodeInternalError, model.FlagNoResponse
	}
	svc.reply(peer, resp)
}

// AppendRoom adds an online room record to the public directory.
func (svc *Service) AppendRoom(peer protocol.Peer, r model.Room) {
	resp := model.Response{Command: model.RootAppendRoom}
	if _, err := svc.reg.Rooms.Add(r); err != nil {
		svc.logger.Warn().Err(err).Str("alias", r.Alias).Msg("append room rejected")
		resp.Code, resp.Flag = model.CodeInternalError, model.FlagNoResponse
	} else {
		resp.Code, resp.Flag = model.CodeOperationSuccessful, model.FlagNoDataReturned
	}
	svc.reply(peer, resp)
}

// KickClientFromRoom kicks target out of the room the requester is in. An
// empty target or the requester's own handle means leaving the room.
func (svc *Service) KickClientFromRoom(peer protocol.Peer, requester model.Client, target string) {
	srv, ok := svc.roomOf(requester.ID)
	if !ok {
		svc.logger.Debug().Err(ErrNotInRoom).Str("handle", requester.Handle).Msg("kick rejected")
		svc.reply(peer, model.Response{
			Command: model.RootKickClientFromRoom,
			Code:    model.CodeInternalError,
			Flag:    model.FlagNoResponse,
		})
		return
	}

	if target == "" || target == requester.Handle {
		srv.Evict(requester.ID)
	} else {
		srv.Kick(requester, target)
	}
	svc.reply(peer, model.Response{
		Command: model.RootKickClientFromRoom,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagNoDataReturned,
	})
}

// RefreshRoomInfo replies with the freshest record of a room, looked up
// by id first and by alias otherwise.
func (svc *Service) RefreshRoomInfo(peer protocol.Peer, r model.Room) {
	resp := model.Response{Command: model.RootRefreshRoomInfo}

	fresh, ok := svc.reg.Rooms.Lookup(r.ID)
	if !ok || !fresh.Online || (r.Alias != "" && model.NormalizeAlias(fresh.Alias) != model.NormalizeAlias(r.Alias)) {
		fresh, _, ok = svc.reg.Rooms.FindByAlias(r.Alias)
	}
	if ok && fresh.Online {
		resp.Code, resp.Flag, resp.Room = model.CodeOperationSuccessful, model.FlagDataUpdated, &fresh
	} else {
		resp.Code, resp.Flag = model.CodeInternalError, model.FlagNoResponse
	}
	svc.reply(peer, resp)
}

// RefreshClientInfo applies a handle change, if any, and replies with the
// stored client record.
func (svc *Service) RefreshClientInfo(peer protocol.Peer, client, update model.Client) {
	resp := model.Response{Command: model.RootRefreshClientInfo}

	if handle := strings.TrimSpace(update.Handle); handle != "" && handle != client.Handle {
		if err := svc.validateHandle(handle); err != nil {
			svc.logger.Warn().Err(err).Str("clientID", client.ID).Msg("handle change rejected")
			resp.Code, resp.Flag = model.CodeInternalError, model.FlagDataUnused
			svc.reply(peer, resp)
			return
		}
		client.Handle = handle
		svc.reg.Clients.Update(client)
	}

	fresh, ok := svc.reg.Clients.Get(client.ID)
	if !ok {
		resp.Code, resp.Flag = model.CodeInternalError, model.FlagNoResponse
		svc.reply(peer, resp)
		return
	}
	resp.Code, resp.Flag, resp.Client = model.CodeOperationSuccessful, model.FlagDataUpdated, &fresh
	svc.reply(peer, resp)
}

func (svc *Service) validateHandle(handle string) error {
	if len(handle) > svc.limits.MaxHandleLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidHandle, svc.limits.MaxHandleLength)
	}
	return nil
}

// LiveRoom returns the running room bound to port.
func (svc *Service) LiveRoom(port int) (*room.Server, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	srv, ok := svc.live[port]
	return srv, ok
}
