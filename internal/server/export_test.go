package server

import (
	"context"
	"net"
)

// SetListen replaces the function the runner binds its listener with.
func SetListen(r *Runner, listen func(ctx context.Context, network, address string) (net.Listener, error)) {
	r.listen = listen
}

var NextDelay = nextDelay
