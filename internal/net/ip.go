package net

import (
	"net"
)

// GetOutgoingIP finds the preferred local IP address for the host to share.
func GetOutgoingIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		// offline networks: use the first interface that is up
		return firstIPv4().String()
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
