package memory

import (
	"sync"

	"github.com/adwski/relaychat/backend/model"
)

// ClientTable holds every client connected to the root, in connect order.
type ClientTable struct {
	mx      *sync.Mutex
	max     int
	clients []model.Client
}

func NewClientTable(max int) *ClientTable {
	return &ClientTable{
		mx:  &sync.Mutex{},
		max: max,
	}
}

func (ct *ClientTable) Add(c model.Client) error {
	ct.mx.Lock()
	defer ct.mx.Unlock()

	if ct.max > 0 && len(ct.clients) >= ct.max {
		return ErrTooManyClients
	}
	ct.clients = append(ct.clients, c)
	return nil
}

// Remove deletes the client with id, keeping the order of the rest.
func (ct *ClientTable) Remove(id string) (model.Client, bool) {
	ct.mx.Lock()
	defer ct.mx.Unlock()

	idx := ct.indexOf(id)
	if idx < 0 {
		return model.Client{}, false
	}
	c := ct.clients[idx]
	ct.clients = append(ct.clients[:idx], ct.clients[idx+1:]...)
	return c, true
}

func (ct *ClientTable) Get(id string) (model.Client, bool) {
	ct.mx.Lock()
	defer ct.mx.Unlock()

	idx := ct.indexOf(id)
	if idx < 0 {
		return model.Client{}, false
	}
	return ct.clients[idx], true
}

// FindByHandle returns the first client whose handle matches exactly.
func (ct *ClientTable) FindByHandle(handle string) (model.Client, bool) {
	ct.mx.Lock()
	defer ct.mx.Unlock()

	for _, c := range ct.clients {
		if c.Handle == handle {
			return c, true
		}
	}
	return model.Client{}, false
}

// Update replaces the stored client with the same id.
func (ct *ClientTable) Update(c model.Client) bool {
	ct.mx.Lock()
	defer ct.mx.Unlock()

	idx := ct.indexOf(c.ID)
	if idx < 0 {
		return false
	}
	ct.clients[idx] = c
	return true
}

// SetRoom records the room the client is currently in.
func (ct *ClientTable) SetRoom(id string, roomID int) bool {
	ct.mx.Lock()
	defer ct.mx.Unlock()

	idx := ct.indexOf(id)
	if idx < 0 {
		return false
	}
	ct.clients[idx].RoomID = roomID
	return true
}

func (ct *ClientTable) Snapshot() []model.Client {
	ct.mx.Lock()
	defer ct.mx.Unlock()
	return append([]model.Client(nil), ct.clients...)
}

func (ct *ClientTable) Len() int {
	ct.mx.Lock()
	defer ct.mx.Unlock()
	return len(ct.clients)
}

func (ct *ClientTable) indexOf(id string) int {
	for i, c := range ct.clients {
		if c.ID == id {
			return i
		}
	}
	return -1
}
