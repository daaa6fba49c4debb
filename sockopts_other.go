//go:build !linux

package main

import "net"

// Plain sockets on other platforms. Broadcast sends can fail where the
// OS requires SO_BROADCAST; direct unicast is unaffected.

func newBroadcastConn() (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{Port: 0})
}

func listenUDPReuseAddr(host string, port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
}
