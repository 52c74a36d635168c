//go:build !linux

package netio

import "net"

// setQuickAck is a no-op on platforms without TCP_QUICKACK.
func setQuickAck(_ *net.TCPConn) {}
