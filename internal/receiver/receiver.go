// Package receiver implements the wire partner of the sender's control
// channel (spec §6): it is the "black box" named in spec.md §1, but a real
// implementation is still required to exercise the sender end-to-end. It
// listens for UDP probes, tracks per-stream arrival timestamps and TTL
// behind a mutex (the same discipline as internal/capture), and answers
// RST requests on a TCP control listener with a summary and probe-stamp
// vector.
package receiver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/malbeclabs/abwprobe/internal/wire"
)

// Daemon is the receiver side of one measurement session: one UDP probe
// listener and one TCP control listener, sharing the most recently
// completed stream's stamps.
type Daemon struct {
	log *slog.Logger

	probeConn *net.UDPConn
	reader    probeReader
	ctrlLn    net.Listener

	ctrlMsgTimeout time.Duration

	mu      sync.Mutex
	stamps  []probe.Stamp
	lastSeq uint32
	sawSeq  bool

	once sync.Once
}

// New opens the UDP probe socket and the TCP control listener on the given
// addresses.
func New(log *slog.Logger, probeAddr, ctrlAddr string, ctrlMsgTimeout time.Duration) (*Daemon, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", probeAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve probe addr: %w", err)
	}
	probeConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", probeAddr, err)
	}

	ln, err := net.Listen("tcp", ctrlAddr)
	if err != nil {
		probeConn.Close()
		return nil, fmt.Errorf("listen tcp %s: %w", ctrlAddr, err)
	}

	return &Daemon{
		log:            log,
		probeConn:      probeConn,
		reader:         newProbeReader(log, probeConn),
		ctrlLn:         ln,
		ctrlMsgTimeout: ctrlMsgTimeout,
	}, nil
}

// ProbeAddr returns the UDP address the daemon is listening on.
func (d *Daemon) ProbeAddr() net.Addr { return d.probeConn.LocalAddr() }

// CtrlAddr returns the TCP address the daemon is listening on.
func (d *Daemon) CtrlAddr() net.Addr { return d.ctrlLn.Addr() }

// Close releases both listeners.
func (d *Daemon) Close() error {
	var err error
	d.once.Do(func() {
		err = errors.Join(d.probeConn.Close(), d.ctrlLn.Close())
	})
	return err
}

// Run starts the probe listener and the control server; it blocks until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- d.runProbeListener() }()
	go func() { errCh <- d.runCtrlListener(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (d *Daemon) runProbeListener() error {
	buf := make([]byte, 65536)
	for {
		n, ts, ttl, err := d.reader.ReadProbe(buf)
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			d.log.Error("error reading probe packet", "error", err)
			continue
		}
		if n < 8 {
			d.log.Debug("received undersized probe packet", "n", n)
			continue
		}
		streamID := binary.BigEndian.Uint32(buf[0:4])
		seq := binary.BigEndian.Uint32(buf[4:8])
		d.record(probe.Stamp{StreamID: streamID, Sequence: seq, Timestamp: ts, TTL: ttl})
	}
}

func (d *Daemon) record(s probe.Stamp) {
	d.mu.Lock()
	d.stamps = append(d.stamps, s)
	d.mu.Unlock()
}

// drain returns and clears the stamps observed since the last drain.
func (d *Daemon) drain() []probe.Stamp {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stamps
	d.stamps = nil
	return out
}

func (d *Daemon) runCtrlListener(ctx context.Context) error {
	var seq uint32
	for {
		conn, err := d.ctrlLn.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go d.handleCtrlConn(conn, &seq)
	}
}

func (d *Daemon) handleCtrlConn(conn net.Conn, seq *uint32) {
	defer conn.Close()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(d.ctrlMsgTimeout)); err != nil {
			return
		}
		hdrBuf := make([]byte, wire.HeaderSize)
		if _, err := io.ReadFull(conn, hdrBuf); err != nil {
			if !isClosedErr(err) {
				d.log.Debug("control connection read ended", "error", err)
			}
			return
		}
		req, err := wire.UnmarshalHeader(hdrBuf)
		if err != nil {
			d.log.Warn("malformed control header", "error", err)
			return
		}
		if req.Code != wire.CodeRST {
			d.log.Warn("unexpected control request code", "code", req.Code)
			return
		}

		stamps := d.drain()
		reply, summary := d.buildReply(*req, stamps)

		var replyBuf [wire.HeaderSize]byte
		if err := reply.Marshal(replyBuf[:]); err != nil {
			d.log.Error("marshal reply header", "error", err)
			return
		}
		if _, err := conn.Write(replyBuf[:]); err != nil {
			d.log.Debug("write reply header failed", "error", err)
			return
		}
		if summary != nil {
			summaryBuf := make([]byte, wire.SummarySize)
			if err := summary.Marshal(summaryBuf); err != nil {
				d.log.Error("marshal summary", "error", err)
				return
			}
			if _, err := conn.Write(summaryBuf); err != nil {
				d.log.Debug("write summary failed", "error", err)
				return
			}
			if reply.PSVecLen > 0 {
				if _, err := conn.Write(wire.EncodeProbeStamps(stamps)); err != nil {
					d.log.Debug("write probe-stamp vector failed", "error", err)
					return
				}
			}
		}
	}
}

// minValidSamples is the floor below which a stream is declared an invalid
// measurement (NACK), mirroring the sender's own stream_length/2 gate
// (spec §4.3.1) in the absence of a shared stream_length on the wire.
const minValidSamples = 2

// buildReply computes the receiver's view of a just-finished stream: mean
// spacing (no outlier clamp, since the receiver has no target_spacing to
// compare against — it only knows the timestamps it actually observed), the
// last packet's IP TTL (0 when the kernel reader is unavailable, see
// fallbackProbeReader in timestamp.go), and a sequence-gap-derived loss count.
func (d *Daemon) buildReply(req wire.Header, stamps []probe.Stamp) (wire.Header, *wire.Summary) {
	if len(stamps) < minValidSamples {
		return wire.Header{Code: wire.CodeRSTNACK, Seq: req.Seq, Reason: 1}, nil
	}

	var sum float64
	for i := 1; i < len(stamps); i++ {
		sum += float64(stamps[i].Timestamp.Sub(stamps[i-1].Timestamp).Microseconds())
	}
	mean := sum / float64(len(stamps)-1)

	nlost := 0
	for i := 1; i < len(stamps); i++ {
		// Sequence numbers are unsigned; subtracting out of order (or a
		// duplicate) would underflow to a huge gap, so only count forward
		// steps as loss.
		if gap := int64(stamps[i].Sequence) - int64(stamps[i-1].Sequence); gap > 1 {
			nlost += int(gap - 1)
		}
	}

	summary := &wire.Summary{
		AppMean:  uint32(mean),
		PcapMean: uint32(mean),
		TTL:      uint32(stamps[len(stamps)-1].TTL),
		NSamples: uint32(len(stamps)),
		NLost:    uint32(nlost),
	}

	hdr := wire.Header{
		Code:     wire.CodeRSTACK,
		Seq:      req.Seq,
		Len:      wire.SummarySize,
		PSVecLen: uint32(len(wire.EncodeProbeStamps(stamps))),
	}
	return hdr, summary
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
		return true
	}
	// The kernel-timestamped reader issues raw recvmsg(2) calls against the
	// probe socket's fd, so closing it from another goroutine surfaces as
	// EBADF rather than net.ErrClosed.
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EBADF
}
