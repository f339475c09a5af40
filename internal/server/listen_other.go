//go:build !unix

package server

import (
	"context"
	"net"
)

// listen falls back to the runtime's listener; the backlog is left to the OS.
func listen(ctx context.Context, addr string, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
