package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/rs/zerolog"
)

// RoomSession is a direct connection to one room.
type RoomSession struct {
	conn   *protocol.Conn
	info   model.Room
	self   model.Client
	logger zerolog.Logger
}

// JoinRoom dials the room's own listener and presents this client's
// identity. Rooms already known to be full are refused without dialing.
func (c *Client) JoinRoom(ctx context.Context, room model.Room) (*RoomSession, error) {
	if room.Full() {
		return nil, ErrRoomFull
	}

	conn, err := protocol.Dial(ctx, protocol.URL(c.roomHost, room.Port, protocol.RoomPath), c.wt)
	if err != nil {
		return nil, err
	}
	self := c.Self()
	if err = conn.Write(self); err != nil {
		_ = conn.Close()
		return nil, err
	}
	var resp model.Response
	if err = conn.Read(&resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err = responseError("join room", resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.Room == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: join room: no room record", ErrRejected)
	}

	c.setRoom(resp.Room.ID)
	return &RoomSession{
		conn: conn,
		info: *resp.Room,
		self: self,
		logger: c.logger.With().
			Str("room", resp.Room.Alias).
			Logger(),
	}, nil
}

// Info returns the room record received on join.
func (rs *RoomSession) Info() model.Room {
	return rs.info
}

// Send posts a chat message to every member of the room.
func (rs *RoomSession) Send(text string) error {
	return rs.conn.Write(model.ChatMessage{
		Command: model.RoomEchoChatMessage,
		Sender:  rs.self,
		Text:    text,
	})
}

// Kick asks the room to remove target. Kicking yourself leaves the room.
func (rs *RoomSession) Kick(target string) error {
	return rs.conn.Write(model.ChatMessage{
		Command: model.RoomKickClientFromRoom,
		Sender:  rs.self,
		Text:    target,
	})
}

// Leave announces the departure and closes the connection.
func (rs *RoomSession) Leave() error {
	err := rs.Kick(rs.self.Handle)
	if errC := rs.conn.Close(); err == nil {
		err = errC
	}
	return err
}

// Receive blocks until the next room message. Obfuscated text is restored.
// A closed room connection yields protocol.ErrClosed.
func (rs *RoomSession) Receive() (model.ChatMessage, error) {
	for {
		var msg model.ChatMessage
		err := rs.conn.Read(&msg)
		if errors.Is(err, protocol.ErrMalformed) {
			rs.logger.Warn().Err(err).Msg("failed to decode room message")
			continue
		}
		if err != nil {
			return model.ChatMessage{}, err
		}
		if msg.Scrambled {
			msg.Scramble(byte(rs.info.ID))
		}
		return msg, nil
	}
}

// Messages streams room messages until the connection closes or ctx is
// done.
func (rs *RoomSession) Messages(ctx context.Context) <-chan model.ChatMessage {
	out := make(chan model.ChatMessage)
	go func() {
		defer close(out)
		for {
			msg, err := rs.Receive()
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (rs *RoomSession) Close() error {
	return rs.conn.Close()
}
