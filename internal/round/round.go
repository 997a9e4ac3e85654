// Package round implements the Round Aggregator (spec §4.4): it drives
// repeated stream+collect cycles through the pacer and control channel,
// building up a list of valid MeasurementBundles for the convergence engine
// to consume, and the pure helpers that reduce that list to one bundle.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/abwprobe/internal/capture"
	"github.com/malbeclabs/abwprobe/internal/ctrl"
	"github.com/malbeclabs/abwprobe/internal/metrics"
	"github.com/malbeclabs/abwprobe/internal/pacer"
	"github.com/malbeclabs/abwprobe/internal/probe"
	"golang.org/x/time/rate"
)

// retryBurstLimiter caps how fast DoRound can spin through rejected or
// failed streams, so a persistently failing receiver burns its retry
// budget in bounded wall-clock time instead of a tight CPU-bound loop.
// The spec's own per-round attempt budget remains the authority on how
// many retries are allowed; this only bounds their rate.
var retryBurstLimiter = rate.NewLimiter(rate.Limit(50), 5)

// interStreamPause is the fixed pause between a stream ending and the
// control exchange starting, spec §4.4 ("pause 2 ms").
const interStreamPause = 2 * time.Millisecond

// Aggregator owns the resources a round needs: the probe socket, the
// control channel, and the capture sampler. It holds no per-round state of
// its own; DoRound's caller owns the bundle list and the stream counter.
type Aggregator struct {
	Log     *slog.Logger
	Conn    *net.UDPConn
	Ctrl    *ctrl.Channel
	Sampler capture.Sampler

	StreamLength    int
	CtrlMsgTimeout  time.Duration
	PcapWaitTimeout time.Duration

	MinSleep        time.Duration
	SyscallOverhead time.Duration

	// SchedulerPriority and PinToCPU request SCHED_FIFO priority and CPU
	// affinity on the pacer's send loop (Linux only). Applied once, to the
	// first goroutine to call DoRound, since it's an OS-thread property.
	SchedulerPriority *int
	PinToCPU          *int
	schedOnce         sync.Once
}

// applyScheduling locks the calling goroutine to its OS thread and applies
// the requested realtime priority/CPU pin exactly once. Failures are logged
// but non-fatal: the pacer's busy-spin phase still bounds jitter without
// them, just less tightly (spec §4.1).
func (a *Aggregator) applyScheduling() {
	a.schedOnce.Do(func() {
		if a.PinToCPU != nil {
			if err := pacer.PinCurrentThreadToCPU(*a.PinToCPU); err != nil {
				a.Log.Warn("failed to pin pacer thread to CPU", "cpu", *a.PinToCPU, "error", err)
			}
		}
		if a.SchedulerPriority != nil {
			if err := pacer.SetRealtimePriority(*a.SchedulerPriority); err != nil {
				a.Log.Warn("failed to set pacer realtime priority", "priority", *a.SchedulerPriority, "error", err)
			}
		}
	})
}

// StreamCounter lets the caller (the convergence/run loop) own curr_stream
// across rounds, per spec §3's process-wide state; DoRound only reads and
// increments it.
type StreamCounter struct{ N uint32 }

func (c *StreamCounter) next() uint32 {
	n := c.N
	c.N++
	return n
}

// DoRound implements do_round(list) (spec §4.4): it appends up to
// maxStreams valid bundles to list, retrying rejected or failed
// streams within a per-round attempt budget initialized to maxStreams.
// It returns true iff the budget was never exhausted.
func (a *Aggregator) DoRound(list *[]*probe.Bundle, maxStreams int, pktSize int, targetSpacing time.Duration, streamCounter *StreamCounter) (bool, error) {
	a.applyScheduling()

	budget := maxStreams
	for budget > 0 && len(*list) < maxStreams {
		bundle := &probe.Bundle{}
		bundle.Reset()
		bundle.Start = time.Now()

		streamID := streamCounter.next()
		cfg := pacer.Config{
			StreamLength:    a.StreamLength,
			PacketSize:      pktSize,
			TargetSpacing:   targetSpacing,
			MinSleep:        a.MinSleep,
			SyscallOverhead: a.SyscallOverhead,
		}
		appProbes, sendErr := pacer.SendStream(a.Conn, streamID, cfg)
		if sendErr != nil && !errors.Is(sendErr, pacer.ErrStreamTooFast) {
			budget--
			metrics.StreamRetriesTotal.Inc()
			a.Log.Warn("probe send failed, retrying", "stream", streamID, "error", fmt.Errorf("send stream %d: %w", streamID, sendErr), "budget", budget)
			_ = retryBurstLimiter.Wait(context.Background())
			continue
		}
		bundle.End = time.Now()

		time.Sleep(interStreamPause)

		ok, err := a.Ctrl.CollectRemote(a.Log, bundle, appProbes, a.Sampler, a.StreamLength, targetSpacing, a.CtrlMsgTimeout, a.PcapWaitTimeout)
		if err != nil {
			budget--
			metrics.StreamRetriesTotal.Inc()
			a.Log.Warn("control exchange failed, retrying", "stream", streamID, "error", err, "budget", budget)
			_ = retryBurstLimiter.Wait(context.Background())
			continue
		}
		if !ok {
			budget--
			metrics.StreamRetriesTotal.Inc()
			a.Log.Warn("receiver rejected measurement, retrying", "stream", streamID, "budget", budget)
			_ = retryBurstLimiter.Wait(context.Background())
			continue
		}

		// Excessive loss signals the rate is too high; accept the bundle
		// unconditionally so the convergence engine can react to it.
		if bundle.RemoteNLost > 1 {
			*list = append(*list, bundle)
			budget = maxStreams
			continue
		}

		if bundle.RemoteNSamples < a.StreamLength/2 {
			budget--
			metrics.StreamRetriesTotal.Inc()
			a.Log.Warn("insufficient remote samples, retrying", "stream", streamID, "nsamples", bundle.RemoteNSamples, "budget", budget)
			_ = retryBurstLimiter.Wait(context.Background())
			continue
		}

		*list = append(*list, bundle)
		budget = maxStreams
	}
	return budget > 0, nil
}

// Coalesce implements coalesce(list) -> bundle (spec §4.4): start from the
// first bundle, end from the last, arithmetic mean of the four *_mean
// fields, sum of the four sample/lost counters. Delay vectors are not
// combined; only the last bundle's is retained.
func Coalesce(list []*probe.Bundle) *probe.Bundle {
	if len(list) == 0 {
		return &probe.Bundle{}
	}
	out := &probe.Bundle{
		Start:  list[0].Start,
		End:    list[len(list)-1].End,
		Delays: list[len(list)-1].Delays,
	}
	n := float64(len(list))
	for _, b := range list {
		out.LocalAppMean += b.LocalAppMean / n
		out.LocalPcapMean += b.LocalPcapMean / n
		out.RemoteAppMean += b.RemoteAppMean / n
		out.RemotePcapMean += b.RemotePcapMean / n

		out.LocalNSamples += b.LocalNSamples
		out.LocalNLost += b.LocalNLost
		out.RemoteNSamples += b.RemoteNSamples
		out.RemoteNLost += b.RemoteNLost
		out.LocalAppNSamples += b.LocalAppNSamples
		out.LocalAppNLost += b.LocalAppNLost
	}
	out.LocalTTL = list[len(list)-1].LocalTTL
	out.RemoteTTL = list[len(list)-1].RemoteTTL
	return out
}

// PathSame implements path_same(list) (spec §4.4): it asserts that
// local_ttl - remote_ttl is identical across every adjacent pair in list.
// A mismatch means the path length changed mid-round, which is fatal.
func PathSame(list []*probe.Bundle) bool {
	if len(list) < 2 {
		return true
	}
	first := int(list[0].LocalTTL) - int(list[0].RemoteTTL)
	for _, b := range list[1:] {
		if int(b.LocalTTL)-int(b.RemoteTTL) != first {
			return false
		}
	}
	return true
}
