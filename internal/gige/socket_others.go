//go:build !linux

package gige

import (
	"net"
)

func setReceiveBuffer(conn *net.UDPConn, size int) (int, error) {
	return size, conn.SetReadBuffer(size)
}
