package room

import "errors"

var (
	ErrBind       = errors.New("unable to bind room listener")
	ErrRoomFull   = errors.New("room is full")
	ErrRoomClosed = errors.New("room is closed")
)
