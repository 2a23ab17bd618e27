package model

import (
	"encoding/base64"
	"strings"
	"time"
)

const (
	// RootRoomID is the id of the root pseudo-room every client sits in
	// while it is not a member of any chat room.
	RootRoomID = -1
	RootAlias  = "__root__"
)

// Default network tags of a room listener.
const (
	DomainInet   = "inet"
	TypeStream   = "stream"
	ProtocolWire = "websocket"
)

type Room struct {
	ID               int      `json:"id"`
	Alias            string   `json:"alias"`
	Port             int      `json:"port"`
	Domain           string   `json:"domain"`
	Type             string   `json:"type"`
	Protocol         string   `json:"protocol"`
	Online           bool     `json:"online"`
	IsRoot           bool     `json:"is_root"`
	Private          bool     `json:"private,omitempty"`
	ConnectedClients int      `json:"connected_clients"`
	MaxClients       int      `json:"max_clients"`
	Host             Client   `json:"host"`
	Members          []Client `json:"members,omitempty"`
}

// Full reports whether the room has no free member slots left.
func (r *Room) Full() bool {
	return r.MaxClients > 0 && r.ConnectedClients >= r.MaxClients
}

// HostedBy reports whether c created the room.
func (r *Room) HostedBy(c Client) bool {
	if r.Host.ID != "" && c.ID != "" {
		return r.Host.ID == c.ID
	}
	return r.Host.Handle == c.Handle
}

// Clone returns a copy that does not share the member slice.
func (r Room) Clone() Room {
	if r.Members != nil {
		r.Members = append([]Client(nil), r.Members...)
	}
	return r
}

// NormalizeAlias is the form aliases are compared in.
func NormalizeAlias(alias string) string {
	return strings.ToLower(alias)
}

// RootRoom describes the root pseudo-room listening on port.
func RootRoom(port int) Room {
	return Room{
		ID:         RootRoomID,
		Alias:      RootAlias,
		Port:       port,
		Domain:     DomainInet,
		Type:       TypeStream,
		Protocol:   ProtocolWire,
		Online:     true,
		IsRoot:     true,
		MaxClients: -1,
	}
}

type Client struct {
	ID       string    `json:"id,omitempty"`
	Handle   string    `json:"handle"`
	Addr     string    `json:"addr,omitempty"`
	RoomID   int       `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// DefaultHandle is the handle given to clients that did not pick one.
func DefaultHandle(t time.Time) string {
	return "guest-" + t.Format("150405")
}

// InRoom reports whether the client is a member of a chat room rather than the root.
func (c *Client) InRoom() bool {
	return c.RoomID != RootRoomID
}

// ChatMessage is both chat text and a generic room-channel signal,
// depending on Command.
type ChatMessage struct {
	Command   RoomCommand `json:"command"`
	Sender    Client      `json:"sender"`
	Text      string      `json:"text,omitempty"`
	Scrambled bool        `json:"scrambled,omitempty"`
}

// Scramble XORs the text with key. Scrambled text travels base64 encoded
// so it stays valid UTF-8 on the wire. Applying it twice restores the text.
// This is an obfuscation placeholder, not encryption.
func (m *ChatMessage) Scramble(key byte) {
	if m.Scrambled {
		b, err := base64.StdEncoding.DecodeString(m.Text)
		if err != nil {
			return
		}
		m.Text = string(xorBytes(b, key))
		m.Scrambled = false
		return
	}
	m.Text = base64.StdEncoding.EncodeToString(xorBytes([]byte(m.Text), key))
	m.Scrambled = true
}

func xorBytes(b []byte, key byte) []byte {
	for i := range b {
		b[i] ^= key
	}
	return b
}

// Truncate caps the text at max bytes without splitting a UTF-8 sequence.
func (m *ChatMessage) Truncate(max int) {
	if max <= 0 || len(m.Text) <= max {
		return
	}
	cut := max
	for cut > 0 && !isRuneStart(m.Text[cut]) {
		cut--
	}
	m.Text = m.Text[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// RootRequest is sent by clients over the root channel.
type RootRequest struct {
	Command RootCommand `json:"command"`
	Room    Room        `json:"room"`
	Client  Client      `json:"client"`
	Message ChatMessage `json:"message"`
}

// Response is every server-to-client reply on both channels. Push marks
// records the server sends on its own initiative (private message invites
// and room hand-overs) rather than in reply to a request.
type Response struct {
	Command RootCommand  `json:"command"`
	Code    ResponseCode `json:"code"`
	Flag    ResponseFlag `json:"flag"`
	Push    bool         `json:"push,omitempty"`
	Room    *Room        `json:"room,omitempty"`
	Client  *Client      `json:"client,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`
}

// OK reports whether the operation succeeded.
func (r *Response) OK() bool {
	return r.Code == CodeOperationSuccessful
}
