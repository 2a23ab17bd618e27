package room

import (
	"github.com/adwski/relaychat/backend/model"
	"github.com/rs/zerolog"
)

// Echo relays a chat message from one member to every member, the sender
// included.
func (s *Server) Echo(msg model.ChatMessage) {
	msg.Command = model.RoomPrintPeerMessage
	msg.Scrambled = false
	msg.Truncate(s.limits.MaxMessageLength)

	s.mx.Lock()
	key := byte(s.info.ID)
	s.mx.Unlock()
	if s.opts.Obfuscate {
		msg.Scramble(key)
	}

	if n := s.broadcast(msg); n == 0 {
		s.logger.Debug().
			Str("sender", msg.Sender.Handle).
			Msg("message did not reach anyone")
	}
}

// Announce sends a server announcement to every member.
func (s *Server) Announce(text string) {
	s.mx.Lock()
	sender := model.Client{Handle: s.info.Alias, RoomID: s.info.ID}
	s.mx.Unlock()

	s.broadcast(model.ChatMessage{
		Command: model.RoomPrintServerAnnouncement,
		Sender:  sender,
		Text:    text,
	})
}

// Kick removes target on behalf of requester. Kicking yourself is leaving;
// kicking someone who is not a member does nothing.
func (s *Server) Kick(requester model.Client, target string) {
	if target == requester.Handle {
		s.RemoveClient(target, false)
		return
	}

	m, ok := s.isMember(target)
	if !ok {
		s.logger.Debug().
			Str("requester", requester.Handle).
			Str("target", target).
			Msg("kick target is not a member")
		return
	}

	envelope := model.ChatMessage{
		Command: model.RoomKickClientFromRoom,
		Sender:  requester,
		Text:    target,
	}
	if err := m.conn.Write(envelope); err != nil {
		s.logger.Debug().Err(err).Str("target", target).Msg("kick notice not delivered")
	}
	s.evict(m, reasonKicked)
}

// broadcast sends msg to a snapshot of the member list and returns how many
// members it reached. A failed write only affects that member.
func (s *Server) broadcast(msg model.ChatMessage) int {
	s.mx.Lock()
	members := append([]*member(nil), s.members...)
	s.mx.Unlock()

	logger := s.logger.With().
		Stringer("command", msg.Command).
		Str("src", msg.Sender.Handle).
		Logger()

	var sent int
	for _, m := range members {
		if send(m, msg, &logger) {
			sent++
		}
	}
	return sent
}

func send(m *member, msg model.ChatMessage, logger *zerolog.Logger) bool {
	if err := m.conn.Write(msg); err != nil {
		logger.Error().Err(err).Str("dst", m.client.Handle).Msg("dead member")
		return false
	}
	logger.Debug().Str("dst", m.client.Handle).Msg("message is forwarded")
	return true
}
