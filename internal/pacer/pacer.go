// Package pacer implements the ProbeStream Pacer (spec §4.1): it transmits a
// fixed-length train of UDP probes at a controlled inter-probe spacing using
// a coarse-sleep-then-busy-spin discipline, and records one send-time
// probe.Stamp per probe.
package pacer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
)

// ErrStreamTooFast is returned, with the partial stream of stamps already
// sent, when the pacer cannot keep up with the requested target spacing.
// Per spec §7 this is non-fatal: the caller evaluates the partial stream and
// the convergence engine will likely raise the spacing on the next round.
var ErrStreamTooFast = errors.New("stream too fast to generate")

// ipHeaderSize and udpHeaderSize are the IPv4/UDP header sizes counted
// against curr_pkt_size per spec §4.1.
const (
	ipHeaderSize    = 20
	udpHeaderSize   = 8
	probeHeaderSize = 8 // stream(4) + sequence(4), spec §6.4
)

// Config parameterizes a single SendStream call.
type Config struct {
	StreamLength    int
	PacketSize      int // total bytes including IP+UDP headers
	TargetSpacing   time.Duration
	MinSleep        time.Duration // calibration: OS sleep granularity
	SyscallOverhead time.Duration // calibration: syscall round-trip cost
}

// PayloadSize returns the UDP payload size (stream+sequence header plus
// zero-filled padding) for a given total packet size.
func PayloadSize(pktSize int) (int, error) {
	n := pktSize - ipHeaderSize - udpHeaderSize
	if n < probeHeaderSize {
		return 0, fmt.Errorf("packet size %d too small for IP(%d)+UDP(%d)+probe header(%d)", pktSize, ipHeaderSize, udpHeaderSize, probeHeaderSize)
	}
	return n, nil
}

// SendStream transmits exactly cfg.StreamLength datagrams of cfg.PacketSize
// bytes to conn's connected remote address, one every cfg.TargetSpacing,
// appending one probe.Stamp per send in order. On success it returns
// cfg.StreamLength stamps. If the stream cannot keep pace, it returns the
// stamps sent so far along with ErrStreamTooFast. Any write failure aborts
// with a wrapped, retriable error.
func SendStream(conn *net.UDPConn, streamID uint32, cfg Config) ([]probe.Stamp, error) {
	appSize, err := PayloadSize(cfg.PacketSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, appSize)
	stamps := make([]probe.Stamp, 0, cfg.StreamLength)

	var tgt time.Time
	for seq := 0; seq < cfg.StreamLength; seq++ {
		now := time.Now()
		if seq > 0 {
			if now.After(tgt) {
				return stamps, ErrStreamTooFast
			}

			// Coarse sleep: leave min_sleep headroom for OS scheduling
			// jitter so we don't oversleep past the target.
			if sleepFor := tgt.Sub(now) - cfg.MinSleep; sleepFor > 0 {
				time.Sleep(sleepFor)
			}

			// Fine wait: busy-spin until less than syscall_overhead/2 remains
			// before tgt, to land the send syscall as close to tgt as the OS
			// allows.
			for {
				now = time.Now()
				if tgt.Sub(now) < cfg.SyscallOverhead/2 {
					break
				}
			}
		}

		binary.BigEndian.PutUint32(buf[0:4], streamID)
		binary.BigEndian.PutUint32(buf[4:8], uint32(seq))
		clear(buf[probeHeaderSize:])

		if _, err := conn.Write(buf); err != nil {
			return stamps, fmt.Errorf("send probe %d: %w", seq, err)
		}
		sendTime := time.Now()
		stamps = append(stamps, probe.Stamp{StreamID: streamID, Sequence: uint32(seq), Timestamp: sendTime})

		// Base the next target on the actual send time, not the ideal
		// schedule: the pacer deliberately drifts with the system rather
		// than accumulating a backlog of late sends.
		tgt = sendTime.Add(cfg.TargetSpacing)
	}
	return stamps, nil
}
