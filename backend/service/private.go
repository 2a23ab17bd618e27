package service

import (
	"context"
	"strings"
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
)

const privateRoomMembers = 2

// RequestPrivateMessage invites the client with handle target to a
// private two-party room and waits for the answer. The invite goes out as
// a push on the target's root channel; the target answers with
// RootClientAcceptedPrivateMessage or RootClientDeclinedPrivateMessage.
// On accept the room is started and both parties receive its record.
func (svc *Service) RequestPrivateMessage(
	ctx context.Context,
	peer protocol.Peer,
	requester model.Client,
	target string,
	msg model.ChatMessage,
) {
	logger := svc.logger.With().
		Str("requester", requester.Handle).
		Str("target", target).
		Logger()

	fail := func(flag model.ResponseFlag, err error) {
		logger.Debug().Err(err).Msg("private message request failed")
		svc.reply(peer, model.Response{
			Command: model.RootRequestPrivateMessage,
			Code:    model.CodeInternalError,
			Flag:    flag,
		})
	}

	other, ok := svc.reg.Clients.FindByHandle(target)
	if !ok || other.ID == requester.ID {
		fail(model.FlagNoResponse, ErrNoSuchClient)
		return
	}
	otherPeer, ok := svc.peer(other.ID)
	if !ok {
		fail(model.FlagNoResponse, ErrNoSuchClient)
		return
	}

	key := pmKey(requester.ID, other.ID)
	answer := make(chan bool, 1)
	svc.mx.Lock()
	if _, busy := svc.pending[key]; busy {
		svc.mx.Unlock()
		fail(model.FlagNoResponse, ErrPMPending)
		return
	}
	svc.pending[key] = answer
	svc.mx.Unlock()
	defer func() {
		svc.mx.Lock()
		delete(svc.pending, key)
		svc.mx.Unlock()
	}()

	msg.Command = model.RoomNone
	msg.Sender = requester
	msg.Truncate(svc.limits.MaxMessageLength)
	if err := otherPeer.Write(model.Response{
		Command: model.RootRequestPrivateMessage,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagDataUpdated,
		Push:    true,
		Client:  &requester,
		Message: &msg,
	}); err != nil {
		fail(model.FlagNoResponse, err)
		return
	}
	logger.Debug().Msg("private message invite sent")

	timer := time.NewTimer(svc.rooms.PMAnswerTimeout)
	defer timer.Stop()

	var accepted bool
	select {
	case accepted = <-answer:
	case <-timer.C:
		fail(model.FlagNoDataReturned, ErrPMTimeout)
		return
	case <-ctx.Done():
		return
	}
	if !accepted {
		fail(model.FlagNoDataReturned, ErrPMDeclined)
		return
	}

	req := model.Room{
		Alias:      requester.Handle + "-" + other.Handle,
		Port:       svc.rooms.PrivateRoomPort,
		MaxClients: privateRoomMembers,
		Private:    true,
	}
	if err := svc.reg.Ports.Reserve(req.Port); err != nil {
		logger.Warn().Err(err).Int("port", req.Port).Msg("private room port is taken")
		svc.reply(peer, model.Response{
			Command: model.RootRequestPrivateMessage,
			Code:    model.CodePortInUse,
			Flag:    model.FlagDataUnused,
		})
		return
	}
	info, err := svc.startRoom(ctx, requester, req)
	if err != nil {
		fail(model.FlagDataUnused, err)
		return
	}

	if err = otherPeer.Write(model.Response{
		Command: model.RootRefreshRoomInfo,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagDataUpdated,
		Push:    true,
		Room:    &info,
		Client:  &requester,
	}); err != nil {
		logger.Warn().Err(err).Msg("private room record not delivered to target")
	}
	svc.reply(peer, model.Response{
		Command: model.RootRequestPrivateMessage,
		Code:    model.CodeOperationSuccessful,
		Flag:    model.FlagDataUpdated,
		Room:    &info,
		Client:  &other,
	})
	logger.Info().Str("alias", info.Alias).Msg("private room opened")
}

// AnswerPrivateMessage hands the client's answer to the pending request of
// requester. Answers nobody waits for are dropped.
func (svc *Service) AnswerPrivateMessage(client, requester model.Client, accepted bool) {
	requesterID := requester.ID
	if requesterID == "" {
		if c, ok := svc.reg.Clients.FindByHandle(requester.Handle); ok {
			requesterID = c.ID
		}
	}

	svc.mx.Lock()
	answer, ok := svc.pending[pmKey(requesterID, client.ID)]
	svc.mx.Unlock()
	if !ok {
		svc.logger.Debug().
			Str("handle", client.Handle).
			Str("requester", requester.Handle).
			Msg("no pending private message request")
		return
	}
	select {
	case answer <- accepted:
	default:
	}
}

func pmKey(requesterID, peerID string) string {
	return requesterID + "/" + peerID
}

func pmPeer(key string) string {
	_, peerID, _ := strings.Cut(key, "/")
	return peerID
}
