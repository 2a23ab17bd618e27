package memory

import "sync"

type PortDesc struct {
	Port  int
	InUse bool
}

// PortTable guards against two rooms using the same port. Slots are chosen
// by port mod capacity, so distinct ports sharing a bucket also collide.
type PortTable struct {
	mx    *sync.Mutex
	slots []PortDesc
}

func NewPortTable(capacity int) *PortTable {
	if capacity <= 0 {
		capacity = 1
	}
	return &PortTable{
		mx:    &sync.Mutex{},
		slots: make([]PortDesc, capacity),
	}
}

func (pt *PortTable) Index(port int) int {
	idx := port % len(pt.slots)
	if idx < 0 {
		idx += len(pt.slots)
	}
	return idx
}

// Reserve marks the bucket of port as used.
func (pt *PortTable) Reserve(port int) error {
	pt.mx.Lock()
	defer pt.mx.Unlock()

	idx := pt.Index(port)
	if pt.slots[idx].InUse {
		return ErrPortInUse
	}
	pt.slots[idx] = PortDesc{Port: port, InUse: true}
	return nil
}

// Release frees the bucket of port if port is the one holding it.
func (pt *PortTable) Release(port int) {
	pt.mx.Lock()
	defer pt.mx.Unlock()

	idx := pt.Index(port)
	if pt.slots[idx].Port == port {
		pt.slots[idx].InUse = false
	}
}

// InUse reports whether the bucket port maps to is occupied.
func (pt *PortTable) InUse(port int) bool {
	pt.mx.Lock()
	defer pt.mx.Unlock()
	return pt.slots[pt.Index(port)].InUse
}

func (pt *PortTable) Capacity() int {
	return len(pt.slots)
}
