//go:build linux

package receiver

import (
	"fmt"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelProbeReader reads UDP probes via recvmsg with SO_TIMESTAMPNS and
// IP_RECVTTL so the recorded arrival time reflects the kernel's own receive
// timestamp, and the TTL reflects the packet's actual IP header, rather
// than whenever the Go scheduler got around to running the ReadFromUDP
// caller and a value this process never otherwise observes. Adapted from
// the teacher's KernelTimestampedReader.
type kernelProbeReader struct {
	fd int
}

func newKernelProbeReader(conn *net.UDPConn) (probeReader, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	if err := rawConn.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		return nil, fmt.Errorf("set SO_TIMESTAMPNS: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTTL, 1); err != nil {
		return nil, fmt.Errorf("set IP_RECVTTL: %w", err)
	}
	return &kernelProbeReader{fd: fd}, nil
}

func (r *kernelProbeReader) ReadProbe(buf []byte) (int, time.Time, uint8, error) {
	oob := make([]byte, 128)
	for {
		n, oobn, _, _, err := unix.Recvmsg(r.fd, buf, oob, 0)
		if err != nil {
			if errno, ok := err.(syscall.Errno); ok && errno == syscall.EINTR {
				continue
			}
			return 0, time.Time{}, 0, err
		}

		ts := time.Now()
		var ttl uint8
		cmsgs, _ := syscall.ParseSocketControlMessage(oob[:oobn])
		for _, cmsg := range cmsgs {
			switch {
			case cmsg.Header.Level == syscall.SOL_SOCKET && cmsg.Header.Type == syscall.SO_TIMESTAMPNS:
				if len(cmsg.Data) < int(unsafe.Sizeof(syscall.Timespec{})) {
					continue
				}
				raw := *(*syscall.Timespec)(unsafe.Pointer(&cmsg.Data[0]))
				ts = time.Unix(int64(raw.Sec), int64(raw.Nsec))
			case cmsg.Header.Level == syscall.IPPROTO_IP && cmsg.Header.Type == syscall.IP_TTL:
				if len(cmsg.Data) < 1 {
					continue
				}
				ttl = cmsg.Data[0]
			}
		}
		return n, ts, ttl, nil
	}
}
