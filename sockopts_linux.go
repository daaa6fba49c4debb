//go:build linux

package main

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func sockoptControl(opt int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		if err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1)
		}); err != nil {
			return err
		}
		return opErr
	}
}

// newBroadcastConn opens a UDP socket with SO_BROADCAST set so sends to
// broadcast addresses go through.
func newBroadcastConn() (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: sockoptControl(unix.SO_BROADCAST)}
	pc, err := lc.ListenPacket(context.Background(), "udp", ":0")
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// listenUDPReuseAddr binds a UDP listener with SO_REUSEADDR so a restart
// can rebind the port immediately.
func listenUDPReuseAddr(host string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: sockoptControl(unix.SO_REUSEADDR)}
	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
