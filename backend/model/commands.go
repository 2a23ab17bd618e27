package model

import "strconv"

type RootCommand int

const (
	RootNone RootCommand = iota
	RootListRooms
	RootMakeRoom
	RootRemoveRoom
	RootAppendRoom
	RootConnectClient
	RootDisconnectClient
	RootKickClientFromRoom
	RootRequestPrivateMessage
	RootClientAcceptedPrivateMessage
	RootClientDeclinedPrivateMessage
	RootRefreshRoomInfo
	RootRefreshClientInfo
)

var rootCommandNames = map[RootCommand]string{
	RootNone:                         "none",
	RootListRooms:                    "list-rooms",
	RootMakeRoom:                     "make-room",
	RootRemoveRoom:                   "remove-room",
	RootAppendRoom:                   "append-room",
	RootConnectClient:                "connect-client",
	RootDisconnectClient:             "disconnect-client",
	RootKickClientFromRoom:           "kick-client-from-room",
	RootRequestPrivateMessage:        "request-private-message",
	RootClientAcceptedPrivateMessage: "client-accepted-private-message",
	RootClientDeclinedPrivateMessage: "client-declined-private-message",
	RootRefreshRoomInfo:              "refresh-room-info",
	RootRefreshClientInfo:            "refresh-client-info",
}

func (c RootCommand) String() string {
	if s, ok := rootCommandNames[c]; ok {
		return s
	}
	return "root-command(" + strconv.Itoa(int(c)) + ")"
}

type RoomCommand int

const (
	RoomNone RoomCommand = iota
	RoomEchoChatMessage
	RoomPrintPeerMessage
	RoomPrintServerAnnouncement
	RoomKickClientFromRoom
	RoomConnectedRoomShutdown
)

var roomCommandNames = map[RoomCommand]string{
	RoomNone:                    "none",
	RoomEchoChatMessage:         "echo-chat-message",
	RoomPrintPeerMessage:        "print-peer-message",
	RoomPrintServerAnnouncement: "print-server-announcement",
	RoomKickClientFromRoom:      "kick-client-from-room",
	RoomConnectedRoomShutdown:   "connected-room-shutdown",
}

func (c RoomCommand) String() string {
	if s, ok := roomCommandNames[c]; ok {
		return s
	}
	return "room-command(" + strconv.Itoa(int(c)) + ")"
}

type ResponseCode int

const (
	CodeOperationSuccessful ResponseCode = iota
	CodeInternalError
	CodePortInUse
	CodeRoomFull
)

func (c ResponseCode) String() string {
	switch c {
	case CodeOperationSuccessful:
		return "operation-successful"
	case CodeInternalError:
		return "internal-error"
	case CodePortInUse:
		return "port-in-use"
	case CodeRoomFull:
		return "room-full"
	}
	return "response-code(" + strconv.Itoa(int(c)) + ")"
}

// ResponseFlag tells what the payload of a response means.
type ResponseFlag int

const (
	FlagNoResponse ResponseFlag = iota
	FlagDataUnused
	FlagNoDataReturned
	FlagDataUpdated
)

func (f ResponseFlag) String() string {
	switch f {
	case FlagNoResponse:
		return "no-response"
	case FlagDataUnused:
		return "data-unused"
	case FlagNoDataReturned:
		return "no-data-returned"
	case FlagDataUpdated:
		return "data-updated"
	}
	return "response-flag(" + strconv.Itoa(int(f)) + ")"
}
