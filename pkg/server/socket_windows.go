//go:build windows

package server

import (
	"syscall"
)

// setSocketOptions enables SO_REUSEADDR on a listening socket
func setSocketOptions(fd uintptr) error {
	// On Windows, fd needs to be cast to syscall.Handle
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
