//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenReusePort(t *testing.T) {
	first, err := Listen(context.Background(), "127.0.0.1:0", true)
	require.NoError(t, err)
	defer first.Close()

	second, err := Listen(context.Background(), first.Addr().String(), true)
	require.NoError(t, err)
	defer second.Close()

	require.Equal(t, first.Addr().String(), second.Addr().String())
}
