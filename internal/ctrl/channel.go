package ctrl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/malbeclabs/abwprobe/internal/capture"
	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/malbeclabs/abwprobe/internal/wire"
)

// pollSlice is the write deadline for sending the RST header. The reply
// wait itself does not use it: readFull applies one read deadline of
// ctrlMsgTimeout instead of polling in 1-second slices.
const pollSlice = time.Second

// pcapPollInterval is how often CollectRemote re-checks the capture
// sampler's buffered count while waiting for it to catch up with
// app_probes (spec §4.3 step 7).
const pcapPollInterval = 5 * time.Millisecond

// CollectRemote implements the collect_remote(bundle) operation (spec
// §4.3): it resets the receiver's per-stream state, reads back its summary
// of the stream just sent, reconstructs the delay vector, and fills in the
// bundle's local fields from app_probes and (if available) the capture
// sampler. It returns false, with no error, when the receiver reports an
// invalid measurement (RST-NACK) — the caller (round aggregator) retries.
func (c *Channel) CollectRemote(
	log *slog.Logger,
	bundle *probe.Bundle,
	appProbes []probe.Stamp,
	sampler capture.Sampler,
	streamLength int,
	targetSpacing time.Duration,
	ctrlMsgTimeout time.Duration,
	pcapWaitTimeout time.Duration,
) (bool, error) {
	c.mu.Lock()
	seq := c.seq
	c.mu.Unlock()

	// Step 1: send the reset header.
	var hdrBuf [wire.HeaderSize]byte
	req := wire.Header{Code: wire.CodeRST, Seq: seq}
	if err := req.Marshal(hdrBuf[:]); err != nil {
		return false, fmt.Errorf("marshal RST header: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(pollSlice)); err != nil {
		return false, fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(hdrBuf[:]); err != nil {
		return false, fmt.Errorf("send RST: %w", err)
	}

	// Step 2+3: wait for the reply header until ctrl_msg_timeout elapses
	// (a single read deadline, not 1-second slices).
	reply, err := c.readHeader(ctrlMsgTimeout)
	if err != nil {
		return false, fmt.Errorf("read RST reply: %w", err)
	}

	// Step 4: reply must match the outstanding request.
	if reply.Seq != seq {
		return false, fmt.Errorf("control reply seq mismatch: got %d, want %d", reply.Seq, seq)
	}

	if reply.Code == wire.CodeRSTNACK {
		log.Warn("receiver declared invalid measurement", "seq", seq, "reason", reply.Reason)
		bundle.Reset()
		c.advanceSeq()
		return false, nil
	}
	if reply.Code != wire.CodeRSTACK {
		return false, fmt.Errorf("unexpected control reply code: %d", reply.Code)
	}

	// Step 5: read the summary payload.
	summaryBuf := make([]byte, reply.Len)
	if err := c.readFull(summaryBuf, ctrlMsgTimeout); err != nil {
		return false, fmt.Errorf("read summary: %w", err)
	}
	summary, err := wire.UnmarshalSummary(summaryBuf)
	if err != nil {
		return false, fmt.Errorf("decode summary: %w", err)
	}
	bundle.RemoteAppMean = float64(summary.AppMean)
	bundle.RemotePcapMean = float64(summary.PcapMean)
	bundle.RemoteTTL = uint8(summary.TTL)
	bundle.RemoteNSamples = int(summary.NSamples)
	bundle.RemoteNLost = int(summary.NLost)

	// Step 6: if present, decode the probe-stamp vector and compute delays.
	if reply.PSVecLen > 0 {
		vecBuf := make([]byte, reply.PSVecLen)
		if err := c.readFull(vecBuf, ctrlMsgTimeout); err != nil {
			return false, fmt.Errorf("read probe-stamp vector: %w", err)
		}
		remoteStamps, err := wire.DecodeProbeStamps(vecBuf)
		if err != nil {
			return false, fmt.Errorf("decode probe-stamp vector: %w", err)
		}
		bundle.Delays = computeDelays(appProbes, remoteStamps)
	}

	// Step 7: local spacing from app_probes, and from capture if active.
	appMean, appNSamp, appNLost, appValid := getSpacing(appProbes, streamLength, targetSpacing)
	bundle.LocalAppMean = appMean
	// Without capture, the pcap-layer mean falls back to the app-layer one.
	bundle.LocalPcapMean = appMean
	bundle.LocalAppNSamples = appNSamp
	bundle.LocalAppNLost = appNLost
	bundle.LocalNSamples = appNSamp
	bundle.LocalNLost = appNLost
	validMeasurement := appValid

	if sampler.Available() {
		waitCtx, cancel := context.WithTimeout(context.Background(), pcapWaitTimeout)
		pcapStamps, reached := capture.WaitForCount(waitCtx, sampler, len(appProbes), pcapPollInterval, log)
		cancel()
		if !reached {
			log.Warn("capture sync timed out, proceeding with partial set", "have", len(pcapStamps), "want", len(appProbes))
		}
		pcapMean, pcapNSamp, pcapNLost, pcapValid := getSpacing(pcapStamps, streamLength, targetSpacing)
		bundle.LocalPcapMean = pcapMean
		// Last-assignment semantics per spec §9: the capture-derived counts
		// overwrite the app-layer ones, while LocalAppNSamples/LocalAppNLost
		// above retain the original values.
		bundle.LocalNSamples = pcapNSamp
		bundle.LocalNLost = pcapNLost
		validMeasurement = validMeasurement && pcapValid
		if len(pcapStamps) > 0 {
			bundle.LocalTTL = pcapStamps[0].TTL
		}
	}

	// Step 8: clear app_probes (caller-owned slice; nothing to clear here
	// beyond advancing the sequence) and bump ctrl_seq.
	c.advanceSeq()

	// Step 9.
	if !validMeasurement {
		bundle.Reset()
	}
	return validMeasurement, nil
}

func (c *Channel) advanceSeq() {
	c.mu.Lock()
	c.seq++
	c.mu.Unlock()
}

// readHeader reads a fixed-size header, failing if it has not fully arrived
// within overallTimeout. It sets one read deadline; it does not poll in
// 1-second slices.
func (c *Channel) readHeader(overallTimeout time.Duration) (*wire.Header, error) {
	buf := make([]byte, wire.HeaderSize)
	if err := c.readFull(buf, overallTimeout); err != nil {
		return nil, err
	}
	return wire.UnmarshalHeader(buf)
}

// readFull reads exactly len(buf) bytes, enforcing overallTimeout as the
// connection's read deadline. Polling in 1-second slices (spec §4.3 step 2)
// is naturally subsumed by a single deadline of that magnitude; net.Conn
// does not expose a lower-level poll primitive worth re-implementing here.
func (c *Channel) readFull(buf []byte, overallTimeout time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(overallTimeout)); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("control reply timed out after %s: %w", overallTimeout, err)
		}
		return fmt.Errorf("read: %w", err)
	}
	return nil
}
