package memory

import (
	"strconv"
	"sync"
	"testing"

	"github.com/adwski/relaychat/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onlineRoom(id int, alias string, port int) model.Room {
	return model.Room{ID: id, Alias: alias, Port: port, Online: true, MaxClients: 10}
}

func aliases(rooms []model.Room) []string {
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Alias)
	}
	return out
}

func TestDirectory_AddRejectsOffline(t *testing.T) {
	d := NewDirectory()

	_, err := d.Add(model.Room{Alias: "lobby"})
	require.ErrorIs(t, err, ErrRoomOffline)
	assert.Equal(t, 0, d.Len())

	idx, err := d.Add(onlineRoom(1, "lobby", 6000))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestDirectory_RemoveKeepsOrder(t *testing.T) {
	d := NewDirectory()
	for i, alias := range []string{"a", "b", "c", "d"} {
		_, err := d.Add(onlineRoom(i, alias, 6000+i))
		require.NoError(t, err)
	}

	require.True(t, d.Remove("B"))
	assert.Equal(t, []string{"a", "c", "d"}, aliases(d.Snapshot()))

	assert.False(t, d.Remove("nope"))
	assert.Equal(t, 3, d.Len())
}

func TestDirectory_FindByAlias(t *testing.T) {
	d := NewDirectory()
	_, _ = d.Add(onlineRoom(1, "Lobby", 6001))
	_, _ = d.Add(onlineRoom(2, "other", 6002))
	_, _ = d.Add(onlineRoom(3, "lobby", 6003))

	first, matches, ok := d.FindByAlias("LOBBY")
	require.True(t, ok)
	assert.Equal(t, 6001, first.Port)
	assert.Len(t, matches, 2)

	_, _, ok = d.FindByAlias("missing")
	assert.False(t, ok)
}

func TestDirectory_UpdateAndIDTable(t *testing.T) {
	d := NewDirectory()
	r := onlineRoom(42, "lobby", 6000)
	_, _ = d.Add(r)
	d.Store(r)

	r.ConnectedClients = 3
	require.True(t, d.Update(r))

	got, ok := d.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, 3, got.ConnectedClients)
	assert.Equal(t, 3, d.Snapshot()[0].ConnectedClients)

	d.MarkOffline(42)
	got, _ = d.Lookup(42)
	assert.False(t, got.Online)

	assert.False(t, d.Update(onlineRoom(7, "unknown", 6001)))
}

func TestDirectory_SnapshotSkipsOffline(t *testing.T) {
	d := NewDirectory()
	_, _ = d.Add(onlineRoom(1, "a", 6001))
	_, _ = d.Add(onlineRoom(2, "b", 6002))

	b := onlineRoom(2, "b", 6002)
	b.Online = false
	d.Update(b)

	assert.Equal(t, []string{"a"}, aliases(d.Snapshot()))
	assert.Equal(t, 2, d.Len())
}

func TestDirectory_SnapshotIsCopy(t *testing.T) {
	d := NewDirectory()
	r := onlineRoom(1, "a", 6001)
	r.Members = []model.Client{{Handle: "alice"}}
	_, _ = d.Add(r)

	snap := d.Snapshot()
	snap[0].Members[0].Handle = "mallory"
	assert.Equal(t, "alice", d.Snapshot()[0].Members[0].Handle)
}

func TestDirectory_ConcurrentMutations(t *testing.T) {
	d := NewDirectory()
	wg := &sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alias := "room" + strconv.Itoa(i)
			_, err := d.Add(onlineRoom(i, alias, 6000+i))
			assert.NoError(t, err)
			if i%2 == 0 {
				assert.True(t, d.Remove(alias))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, d.Len())
}
