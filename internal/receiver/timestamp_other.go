//go:build !linux

package receiver

import (
	"errors"
	"net"
)

var errKernelTimestampsNotSupported = errors.New("kernel receive timestamps not supported on this platform")

func newKernelProbeReader(*net.UDPConn) (probeReader, error) {
	return nil, errKernelTimestampsNotSupported
}
