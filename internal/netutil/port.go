// Package netutil has small networking helpers used by tests.
package netutil

import (
	"fmt"
	"net"
)

// EphemeralTCPPort asks the kernel for a free TCP port on localhost and
// releases it. The port can be rebound by whoever races to it first, which is
// fine for tests.
func EphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
