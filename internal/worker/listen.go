// Package worker runs one deployment as several OS processes. The parent
// process only supervises; every child binds the same address with
// SO_REUSEPORT and the kernel spreads connections between them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrReusePortUnsupported is returned by Listen on platforms without SO_REUSEPORT.
var ErrReusePortUnsupported = errors.New("SO_REUSEPORT is not supported on this platform")

// Listen opens a TCP listener on addr. With reusePort set, any number of
// processes may listen on the same address at once.
func Listen(ctx context.Context, addr string, reusePort bool) (net.Listener, error) {
	var lc net.ListenConfig
	if reusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
