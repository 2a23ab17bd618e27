package memory

import (
	"errors"
	"sync"

	"github.com/adwski/relaychat/backend/model"
)

var (
	ErrRoomOffline    = errors.New("room is not online")
	ErrRoomNotFound   = errors.New("room is not found")
	ErrPortInUse      = errors.New("port is in use")
	ErrTooManyClients = errors.New("too many clients")
	ErrClientNotFound = errors.New("client is not found")
)

// Directory is the list of online rooms plus an id-indexed table holding
// the freshest copy of every room that has been registered.
type Directory struct {
	mx    *sync.Mutex
	rooms []model.Room
	byID  map[int]model.Room
}

func NewDirectory() *Directory {
	return &Directory{
		mx:   &sync.Mutex{},
		byID: make(map[int]model.Room),
	}
}

// Add appends an online room and returns its index in the directory.
func (d *Directory) Add(room model.Room) (int, error) {
	if !room.Online {
		return -1, ErrRoomOffline
	}
	d.mx.Lock()
	defer d.mx.Unlock()

	d.rooms = append(d.rooms, room.Clone())
	return len(d.rooms) - 1, nil
}

// Remove deletes the first room matching alias, keeping the order of the rest.
func (d *Directory) Remove(alias string) bool {
	d.mx.Lock()
	defer d.mx.Unlock()

	idx := d.indexOf(alias)
	if idx < 0 {
		return false
	}
	d.rooms = append(d.rooms[:idx], d.rooms[idx+1:]...)
	return true
}

// Update replaces the room with the same alias in both the directory and
// the id table. Rooms that are not in the directory are left alone.
func (d *Directory) Update(room model.Room) bool {
	d.mx.Lock()
	defer d.mx.Unlock()

	idx := d.indexOf(room.Alias)
	if idx < 0 {
		return false
	}
	d.rooms[idx] = room.Clone()
	d.byID[room.ID] = room.Clone()
	return true
}

// FindByAlias returns the first room whose alias matches case-insensitively
// together with every match, so interactive callers can disambiguate.
func (d *Directory) FindByAlias(alias string) (model.Room, []model.Room, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	var matches []model.Room
	norm := model.NormalizeAlias(alias)
	for _, r := range d.rooms {
		if model.NormalizeAlias(r.Alias) == norm {
			matches = append(matches, r.Clone())
		}
	}
	if len(matches) == 0 {
		return model.Room{}, nil, false
	}
	return matches[0], matches, true
}

// Snapshot returns the online rooms in directory order.
func (d *Directory) Snapshot() []model.Room {
	d.mx.Lock()
	defer d.mx.Unlock()

	rooms := make([]model.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		if r.Online {
			rooms = append(rooms, r.Clone())
		}
	}
	return rooms
}

func (d *Directory) Len() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.rooms)
}

// Store puts room into the id table.
func (d *Directory) Store(room model.Room) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.byID[room.ID] = room.Clone()
}

func (d *Directory) Lookup(id int) (model.Room, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()

	room, ok := d.byID[id]
	if !ok {
		return model.Room{}, false
	}
	return room.Clone(), true
}

// MarkOffline flips the online flag of the room in the id table.
func (d *Directory) MarkOffline(id int) {
	d.mx.Lock()
	defer d.mx.Unlock()

	if room, ok := d.byID[id]; ok {
		room.Online = false
		d.byID[id] = room
	}
}

func (d *Directory) indexOf(alias string) int {
	norm := model.NormalizeAlias(alias)
	for i, r := range d.rooms {
		if model.NormalizeAlias(r.Alias) == norm {
			return i
		}
	}
	return -1
}
