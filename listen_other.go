//go:build !linux

package devloop

import (
	"net"
	"strconv"
)

// listenLoopback binds 127.0.0.1:port. The runtime already sets
// SO_REUSEADDR on unix listeners; the backlog is the system default here.
func listenLoopback(port int) (net.Listener, error) {
	return net.Listen("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}
