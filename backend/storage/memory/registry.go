package memory

// Registry bundles the shared tables of the root process.
type Registry struct {
	Rooms   *Directory
	Ports   *PortTable
	Clients *ClientTable
}

func NewRegistry(maxRoomsOnline, maxGlobalClients int) *Registry {
	return &Registry{
		Rooms:   NewDirectory(),
		Ports:   NewPortTable(maxRoomsOnline),
		Clients: NewClientTable(maxGlobalClients),
	}
}
