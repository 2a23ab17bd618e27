package room

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const (
	idSeed  = 0x92EFF
	idRange = 1000
)

// GenerateID derives a room id from its port. Distinct ports may map to the
// same id; the id table keeps whichever room registered last.
func GenerateID(port int) int {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(port^idSeed))
	return int(xxhash.Sum64(b[:]) % idRange)
}

func listen(ctx context.Context, host string, port int) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}
