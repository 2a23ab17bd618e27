package room

import (
	"time"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
)

type reason int

const (
	reasonLeft reason = iota
	reasonKicked
)

type member struct {
	client model.Client
	conn   *protocol.Conn
}

// admit appends a member and returns the updated room record.
func (s *Server) admit(m *member, identity model.Client) (model.Room, error) {
	s.mx.Lock()
	if !s.info.Online {
		info := s.info.Clone()
		s.mx.Unlock()
		return info, ErrRoomClosed
	}
	if len(s.members) >= s.info.MaxClients {
		info := s.info.Clone()
		s.mx.Unlock()
		return info, ErrRoomFull
	}

	identity.RoomID = s.info.ID
	identity.Addr = m.conn.RemoteAddr()
	identity.JoinedAt = time.Now()
	m.client = identity

	s.members = append(s.members, m)
	s.syncMembersLocked()
	info := s.info.Clone()
	s.publish(info)
	s.mx.Unlock()

	s.reg.Clients.SetRoom(identity.ID, info.ID)

	s.logger.Info().
		Str("handle", identity.Handle).
		Int("connected", info.ConnectedClients).
		Msg("member joined")
	return info, nil
}

// RemoveClient evicts the first member with handle and closes its room
// connection. It reports false when no such member exists, in which case
// nothing is announced.
func (s *Server) RemoveClient(handle string, kicked bool) bool {
	m, ok := s.isMember(handle)
	if !ok {
		return false
	}
	r := reasonLeft
	if kicked {
		r = reasonKicked
	}
	return s.evict(m, r)
}

// Evict removes the member with the given client id as if it left.
func (s *Server) Evict(clientID string) bool {
	s.mx.Lock()
	var m *member
	for _, mm := range s.members {
		if mm.client.ID == clientID {
			m = mm
			break
		}
	}
	s.mx.Unlock()
	if m == nil {
		return false
	}
	return s.evict(m, reasonLeft)
}

func (s *Server) evict(m *member, r reason) bool {
	removed := s.removeMember(m, r)
	_ = m.conn.Close()
	return removed
}

// HasMember reports whether the client with id is in the room.
func (s *Server) HasMember(clientID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, m := range s.members {
		if m.client.ID == clientID {
			return true
		}
	}
	return false
}

func (s *Server) removeMember(m *member, r reason) bool {
	s.mx.Lock()
	idx := -1
	for i, mm := range s.members {
		if mm == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mx.Unlock()
		return false
	}
	s.members = append(s.members[:idx], s.members[idx+1:]...)
	s.syncMembersLocked()
	info := s.info.Clone()
	isHost := info.HostedBy(m.client)
	s.publish(info)
	s.mx.Unlock()

	s.returnToRoot(m.client.ID, info.ID)

	s.logger.Info().
		Str("handle", m.client.Handle).
		Bool("kicked", r == reasonKicked).
		Int("connected", info.ConnectedClients).
		Msg("member removed")

	if r == reasonKicked {
		s.Announce(m.client.Handle + " was kicked from the server.")
	} else {
		s.Announce(m.client.Handle + " left the server.")
	}
	if isHost {
		s.Shutdown()
	}
	return true
}

// Members returns the member list in join order.
func (s *Server) Members() []model.Client {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.clientsLocked()
}

func (s *Server) isMember(handle string) (*member, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, m := range s.members {
		if m.client.Handle == handle {
			return m, true
		}
	}
	return nil, false
}

func (s *Server) syncMembersLocked() {
	s.info.ConnectedClients = len(s.members)
	s.info.Members = s.clientsLocked()
}

func (s *Server) clientsLocked() []model.Client {
	clients := make([]model.Client, 0, len(s.members))
	for _, m := range s.members {
		clients = append(clients, m.client)
	}
	return clients
}
