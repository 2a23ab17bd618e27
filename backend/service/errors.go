package service

import "errors"

var (
	ErrConnect       = errors.New("unable to connect client")
	ErrInvalidAlias  = errors.New("invalid room alias")
	ErrAliasTaken    = errors.New("room alias is already taken")
	ErrInvalidPort   = errors.New("invalid room port")
	ErrInvalidHandle = errors.New("invalid client handle")
	ErrNoSuchClient  = errors.New("no such client")
	ErrNotInRoom     = errors.New("client is not in a room")
	ErrPMPending     = errors.New("private message request already pending")
	ErrPMDeclined    = errors.New("private message declined")
	ErrPMTimeout     = errors.New("private message request timed out")
)
