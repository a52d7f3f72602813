package gige

import (
	"net"

	"golang.org/x/sys/unix"
)

// setReceiveBuffer sizes the kernel receive buffer of the stream socket.
// SO_RCVBUFFORCE lifts the net.core.rmem_max cap when the process has
// CAP_NET_ADMIN; otherwise the capped SO_RCVBUF applies. Returns the size
// the kernel actually granted.
func setReceiveBuffer(conn *net.UDPConn, size int) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var granted int
	var serr error
	err = raw.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, size); serr != nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		}
		if serr == nil {
			granted, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		}
	})
	if err != nil {
		return 0, err
	}
	return granted, serr
}
