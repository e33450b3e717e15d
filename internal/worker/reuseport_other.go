//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package worker

import "syscall"

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return ErrReusePortUnsupported
}
