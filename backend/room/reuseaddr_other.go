//go:build !unix

package room

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
