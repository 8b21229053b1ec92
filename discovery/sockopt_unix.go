//go:build !windows

package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// listenUDP opens a UDP socket with SO_REUSEADDR (multiple peers on one
// host can share the discovery port) and SO_BROADCAST (beacons go to
// directed broadcast addresses).
func listenUDP(port int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if serr != nil {
					return
				}
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	return lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
}
