package room

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/relaychat/backend/config"
	"github.com/adwski/relaychat/backend/model"
	"github.com/adwski/relaychat/backend/protocol"
	"github.com/adwski/relaychat/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fixture struct {
	srv    *Server
	reg    *memory.Registry
	host   model.Client
	info   model.Room
	closed *atomic.Int32
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newFixture(t *testing.T, maxClients int, obfuscate bool) *fixture {
	t.Helper()

	logger := zerolog.Nop()
	cfg := config.DefaultConfig()
	cfg.Rooms.Host = "127.0.0.1"
	cfg.Rooms.ShutdownGrace = 50 * time.Millisecond
	cfg.Rooms.Obfuscate = obfuscate

	reg := memory.NewRegistry(cfg.Limits.MaxRoomsOnline, cfg.Limits.MaxGlobalClients)
	host := model.Client{ID: "host-id", Handle: "host", RoomID: model.RootRoomID}
	require.NoError(t, reg.Clients.Add(host))

	port := freePort(t)
	require.NoError(t, reg.Ports.Reserve(port))

	f := &fixture{reg: reg, host: host, closed: &atomic.Int32{}}
	f.srv = New(Config{
		Logger:   &logger,
		Registry: reg,
		Limits:   cfg.Limits,
		Rooms:    cfg.Rooms,
		Room:     model.Room{Alias: "lobby", Port: port, MaxClients: maxClients},
		Host:     host,
		OnClosed: func(*Server) { f.closed.Add(1) },
	})

	info, err := f.srv.Start(context.Background())
	require.NoError(t, err)
	f.info = info
	t.Cleanup(f.srv.Shutdown)
	return f
}

func (f *fixture) join(t *testing.T, c model.Client) (*protocol.Conn, model.Response) {
	t.Helper()

	if c.ID != "" && c.ID != f.host.ID {
		_ = f.reg.Clients.Add(c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := protocol.Dial(ctx, protocol.URL("127.0.0.1", f.info.Port, protocol.RoomPath), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	require.NoError(t, conn.Write(c))
	var resp model.Response
	require.NoError(t, readWithin(conn, &resp))
	return conn, resp
}

func readWithin(conn *protocol.Conn, v any) error {
	errc := make(chan error, 1)
	go func() {
		errc <- conn.Read(v)
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		return context.DeadlineExceeded
	}
}

func readMessage(t *testing.T, conn *protocol.Conn) model.ChatMessage {
	t.Helper()
	var msg model.ChatMessage
	require.NoError(t, readWithin(conn, &msg))
	return msg
}

func TestGenerateID(t *testing.T) {
	for _, port := range []int{1, 5022, 6000, 65535} {
		id := GenerateID(port)
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, 1000)
		assert.Equal(t, id, GenerateID(port))
	}
}

func TestStart_RegistersRoom(t *testing.T) {
	f := newFixture(t, 5, false)

	assert.True(t, f.info.Online)
	assert.Equal(t, GenerateID(f.info.Port), f.info.ID)
	assert.Equal(t, 5, f.info.MaxClients)

	rooms := f.reg.Rooms.Snapshot()
	require.Len(t, rooms, 1)
	assert.Equal(t, "lobby", rooms[0].Alias)

	stored, ok := f.reg.Rooms.Lookup(f.info.ID)
	require.True(t, ok)
	assert.True(t, stored.Online)

	host, _ := f.reg.Clients.Get(f.host.ID)
	assert.Equal(t, f.info.ID, host.RoomID)
}

func TestNew_ClampsMaxClients(t *testing.T) {
	logger := zerolog.Nop()
	limits := config.DefaultConfig().Limits

	srv := New(Config{Logger: &logger, Limits: limits, Room: model.Room{MaxClients: 0}})
	assert.Equal(t, limits.DefaultMaxClients, srv.Info().MaxClients)

	srv = New(Config{Logger: &logger, Limits: limits, Room: model.Room{MaxClients: limits.MaxRoomMembers + 10}})
	assert.Equal(t, limits.MaxRoomMembers, srv.Info().MaxClients)
}

func TestStart_BindFailure(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.DefaultConfig()
	reg := memory.NewRegistry(cfg.Limits.MaxRoomsOnline, cfg.Limits.MaxGlobalClients)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = ln.Close()
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := New(Config{
		Logger:   &logger,
		Registry: reg,
		Limits:   cfg.Limits,
		Rooms:    config.RoomConfig{Host: "127.0.0.1"},
		Room:     model.Room{Alias: "taken", Port: port},
	})
	_, err = srv.Start(context.Background())
	require.ErrorIs(t, err, ErrBind)
	assert.Equal(t, 0, reg.Rooms.Len())
	assert.False(t, srv.Online())
}

func TestJoin_RepliesWithRecord(t *testing.T) {
	f := newFixture(t, 5, false)

	_, resp := f.join(t, model.Client{ID: "a", Handle: "alice"})
	require.True(t, resp.OK())
	assert.Equal(t, model.FlagDataUpdated, resp.Flag)
	require.NotNil(t, resp.Room)
	assert.Equal(t, 1, resp.Room.ConnectedClients)
	assert.Equal(t, "alice", resp.Room.Members[0].Handle)

	alice, _ := f.reg.Clients.Get("a")
	assert.Equal(t, f.info.ID, alice.RoomID)
	assert.Equal(t, 1, f.reg.Rooms.Snapshot()[0].ConnectedClients)
}

func TestJoin_RoomFull(t *testing.T) {
	f := newFixture(t, 1, false)

	_, resp := f.join(t, model.Client{ID: "a", Handle: "alice"})
	require.True(t, resp.OK())

	_, resp = f.join(t, model.Client{ID: "b", Handle: "bob"})
	assert.Equal(t, model.CodeRoomFull, resp.Code)
	assert.Len(t, f.srv.Members(), 1)
}

func TestEcho_ReachesEveryMember(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})
	bob, _ := f.join(t, model.Client{ID: "b", Handle: "bob"})

	require.NoError(t, alice.Write(model.ChatMessage{
		Command: model.RoomEchoChatMessage,
		Sender:  model.Client{Handle: "mallory"},
		Text:    "hi",
	}))

	for _, conn := range []*protocol.Conn{alice, bob} {
		msg := readMessage(t, conn)
		assert.Equal(t, model.RoomPrintPeerMessage, msg.Command)
		assert.Equal(t, "alice", msg.Sender.Handle)
		assert.Equal(t, "hi", msg.Text)
		assert.False(t, msg.Scrambled)
	}
}

func TestEcho_Obfuscated(t *testing.T) {
	f := newFixture(t, 5, true)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})

	require.NoError(t, alice.Write(model.ChatMessage{Command: model.RoomEchoChatMessage, Text: "secret"}))

	msg := readMessage(t, alice)
	require.True(t, msg.Scrambled)
	msg.Scramble(byte(f.info.ID))
	assert.Equal(t, "secret", msg.Text)
}

func TestKick_Other(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})
	bob, _ := f.join(t, model.Client{ID: "b", Handle: "bob"})

	require.NoError(t, alice.Write(model.ChatMessage{Command: model.RoomKickClientFromRoom, Text: "bob"}))

	envelope := readMessage(t, bob)
	assert.Equal(t, model.RoomKickClientFromRoom, envelope.Command)
	var msg model.ChatMessage
	require.ErrorIs(t, readWithin(bob, &msg), protocol.ErrClosed)

	ann := readMessage(t, alice)
	assert.Equal(t, model.RoomPrintServerAnnouncement, ann.Command)
	assert.Equal(t, "bob was kicked from the server.", ann.Text)

	assert.Len(t, f.srv.Members(), 1)
	b, _ := f.reg.Clients.Get("b")
	assert.Equal(t, model.RootRoomID, b.RoomID)
}

func TestKick_SelfIsLeave(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})
	bob, _ := f.join(t, model.Client{ID: "b", Handle: "bob"})

	require.NoError(t, bob.Write(model.ChatMessage{Command: model.RoomKickClientFromRoom, Text: "bob"}))

	ann := readMessage(t, alice)
	assert.Equal(t, "bob left the server.", ann.Text)
	require.Eventually(t, func() bool { return len(f.srv.Members()) == 1 }, waitFor, 10*time.Millisecond)
}

func TestKick_NonMemberIsDropped(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})

	require.NoError(t, alice.Write(model.ChatMessage{Command: model.RoomKickClientFromRoom, Text: "nobody"}))
	require.NoError(t, alice.Write(model.ChatMessage{Command: model.RoomEchoChatMessage, Text: "still here"}))

	msg := readMessage(t, alice)
	assert.Equal(t, model.RoomPrintPeerMessage, msg.Command)
	assert.Equal(t, "still here", msg.Text)
	assert.Len(t, f.srv.Members(), 1)
}

func TestDisconnect_RemovesMember(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})
	bob, _ := f.join(t, model.Client{ID: "b", Handle: "bob"})

	require.NoError(t, bob.Close())

	ann := readMessage(t, alice)
	assert.Equal(t, "bob left the server.", ann.Text)
	assert.Equal(t, 1, f.reg.Rooms.Snapshot()[0].ConnectedClients)
}

func TestHostLeaving_ShutsRoomDown(t *testing.T) {
	f := newFixture(t, 5, false)
	host, _ := f.join(t, f.host)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})

	require.NoError(t, host.Write(model.ChatMessage{Command: model.RoomKickClientFromRoom, Text: "host"}))

	ann := readMessage(t, alice)
	assert.Equal(t, "host left the server.", ann.Text)
	notice := readMessage(t, alice)
	assert.Equal(t, model.RoomConnectedRoomShutdown, notice.Command)

	require.Eventually(t, func() bool { return f.closed.Load() == 1 }, waitFor, 10*time.Millisecond)
	assert.False(t, f.srv.Online())
	assert.Empty(t, f.reg.Rooms.Snapshot())
	assert.False(t, f.reg.Ports.InUse(f.info.Port))

	stored, _ := f.reg.Rooms.Lookup(f.info.ID)
	assert.False(t, stored.Online)
	a, _ := f.reg.Clients.Get("a")
	assert.Equal(t, model.RootRoomID, a.RoomID)
	h, _ := f.reg.Clients.Get(f.host.ID)
	assert.Equal(t, model.RootRoomID, h.RoomID)
}

func TestShutdown_Idempotent(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})

	f.srv.Shutdown()
	f.srv.Shutdown()

	notice := readMessage(t, alice)
	assert.Equal(t, model.RoomConnectedRoomShutdown, notice.Command)
	var msg model.ChatMessage
	require.ErrorIs(t, readWithin(alice, &msg), protocol.ErrClosed)

	assert.Equal(t, int32(1), f.closed.Load())

	_, err := f.srv.Start(context.Background())
	require.ErrorIs(t, err, ErrRoomClosed)
}

func TestRemoveClient(t *testing.T) {
	f := newFixture(t, 5, false)
	alice, _ := f.join(t, model.Client{ID: "a", Handle: "alice"})
	_, _ = f.join(t, model.Client{ID: "b", Handle: "bob"})

	assert.False(t, f.srv.RemoveClient("nobody", true))
	require.True(t, f.srv.RemoveClient("bob", true))

	ann := readMessage(t, alice)
	assert.Equal(t, "bob was kicked from the server.", ann.Text)
	assert.True(t, f.srv.HasMember("a"))
	assert.False(t, f.srv.HasMember("b"))

	require.True(t, f.srv.Evict("a"))
	assert.Empty(t, f.srv.Members())
}

func TestJoin_EmptyHandleIsDropped(t *testing.T) {
	f := newFixture(t, 5, false)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := protocol.Dial(ctx, protocol.URL("127.0.0.1", f.info.Port, protocol.RoomPath), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	require.NoError(t, conn.Write(model.Client{ID: "ghost", Handle: "   "}))
	var resp model.Response
	require.ErrorIs(t, readWithin(conn, &resp), protocol.ErrClosed)
	assert.Empty(t, f.srv.Members())
}

func TestShutdown_BeforeStart(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.DefaultConfig()
	cfg.Rooms.Host = "127.0.0.1"
	reg := memory.NewRegistry(cfg.Limits.MaxRoomsOnline, cfg.Limits.MaxGlobalClients)
	host := model.Client{ID: "host-id", Handle: "host", RoomID: model.RootRoomID}
	require.NoError(t, reg.Clients.Add(host))

	closed := &atomic.Int32{}
	port := freePort(t)
	srv := New(Config{
		Logger:   &logger,
		Registry: reg,
		Limits:   cfg.Limits,
		Rooms:    cfg.Rooms,
		Room:     model.Room{Alias: "early", Port: port},
		Host:     host,
		OnClosed: func(*Server) { closed.Add(1) },
	})

	srv.Shutdown()
	_, err := srv.Start(context.Background())
	require.ErrorIs(t, err, ErrRoomClosed)

	assert.False(t, srv.Online())
	assert.Zero(t, reg.Rooms.Len())
	h, _ := reg.Clients.Get(host.ID)
	assert.Equal(t, model.RootRoomID, h.RoomID)
	assert.Zero(t, closed.Load())

	// the port was never bound
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}
