package xnet

import (
	"net"
)

// ListenLocal listens on a kernel-assigned loopback port and returns the
// listener with its address.
func ListenLocal() (net.Listener, string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	return l, l.Addr().String(), nil
}
