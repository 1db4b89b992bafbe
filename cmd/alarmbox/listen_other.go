//go:build !linux

package main

import "net"

// listenTCP falls back to net.Listen; the backlog cannot be set portably.
func listenTCP(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp4", addr)
}
