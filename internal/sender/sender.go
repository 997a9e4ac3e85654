// Package sender implements the Run Loop (C6) and the process-wide
// SenderState (spec §3/§4.6): it owns the control channel, probe socket,
// and capture sampler, and composes the round aggregator (C4) with the
// convergence engine (C5) as explicit fields — never back-pointers, per
// spec §9's design note.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/abwprobe/internal/capture"
	"github.com/malbeclabs/abwprobe/internal/config"
	"github.com/malbeclabs/abwprobe/internal/converge"
	"github.com/malbeclabs/abwprobe/internal/ctrl"
	"github.com/malbeclabs/abwprobe/internal/logging"
	"github.com/malbeclabs/abwprobe/internal/metrics"
	"github.com/malbeclabs/abwprobe/internal/pacer"
	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/malbeclabs/abwprobe/internal/round"
)

// calibrationSamples bounds how many timing samples NewState takes to
// measure this platform's min_sleep/syscall_overhead (spec §4.1) before the
// first round; higher values cost a slower startup for a steadier estimate.
const calibrationSamples = 50

// FatalError distinguishes a run-terminating condition (setup failure,
// path-length change, persistent receiver failure) from the retriable
// errors absorbed inside the round aggregator, replacing the original's
// throw/catch per spec.md §9.
type FatalError struct {
	Cause string
	Err   error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Err }

// State is the sender's process-wide state: one probe socket, one control
// channel, one capture sampler, composing the round aggregator and
// convergence engine explicitly (spec §9).
type State struct {
	log   *slog.Logger
	diag  *logging.Diagnostics
	clock clockwork.Clock
	cfg   *config.SenderConfig

	conn    *net.UDPConn
	ctrlCh  *ctrl.Channel
	sampler capture.Sampler

	agg    *round.Aggregator
	engine *converge.Engine

	streamCounter round.StreamCounter
	runNum        int
}

// NewState implements setup_run (spec §4.5): it dials the control channel
// with backoff, opens and connects the probe socket, prepares the capture
// sampler, and issues one RST to confirm receiver liveness.
func NewState(ctx context.Context, log *slog.Logger, diag *logging.Diagnostics, clock clockwork.Clock, cfg *config.SenderConfig) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &FatalError{Cause: "invalid configuration", Err: err}
	}

	ctrlCh, err := ctrl.Dial(ctx, log, cfg.CtrlAddr, cfg.CtrlDialTimeout, cfg.CtrlDialMaxElapsed)
	if err != nil {
		return nil, &FatalError{Cause: "control channel unreachable", Err: err}
	}

	udpAddr, ok := cfg.TargetAddr.(*net.UDPAddr)
	if !ok {
		ctrlCh.Close()
		return nil, &FatalError{Cause: "target address must be a UDP address"}
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		ctrlCh.Close()
		return nil, &FatalError{Cause: "open probe socket", Err: err}
	}

	remoteIP := udpAddr.IP
	sampler := capture.New(log, cfg.Interface, remoteIP, udpAddr.Port)
	if err := sampler.Start(ctx); err != nil {
		log.Warn("capture sampler failed to start, falling back to application timestamps", "error", err)
	}

	if cfg.SyscallOverhead == 0 && cfg.MinSleep == 0 {
		overhead, minSleep, err := pacer.Calibrate(calibrationSamples)
		if err != nil {
			log.Warn("pacer calibration failed, using uncalibrated timing", "error", err)
		} else {
			cfg.SyscallOverhead, cfg.MinSleep = overhead, minSleep
			log.Debug("pacer calibrated", "syscall_overhead", overhead, "min_sleep", minSleep)
		}
	}

	engine := converge.New(converge.Config{
		MinPktSize: cfg.MinPktSize,
		Resolution: cfg.Resolution,
		MaxSpace:   cfg.MaxSpace,
		MinSpace:   cfg.MinSpace,
		RetryLimit: cfg.RetryLimit,
	}, cfg.InitialPktSize)
	engine.SetupRun()

	agg := &round.Aggregator{
		Log:               log,
		Conn:              conn,
		Ctrl:              ctrlCh,
		Sampler:           sampler,
		StreamLength:      cfg.StreamLength,
		CtrlMsgTimeout:    cfg.CtrlMsgTimeout,
		PcapWaitTimeout:   cfg.PcapWaitTimeout,
		MinSleep:          cfg.MinSleep,
		SyscallOverhead:   cfg.SyscallOverhead,
		SchedulerPriority: cfg.SchedulerPriority,
		PinToCPU:          cfg.PinToCPU,
	}

	s := &State{
		log:     log,
		diag:    diag,
		clock:   clock,
		cfg:     cfg,
		conn:    conn,
		ctrlCh:  ctrlCh,
		sampler: sampler,
		agg:     agg,
		engine:  engine,
	}

	// Confirm receiver liveness with one reset round-trip before entering
	// the run loop.
	var probe0 probe.Bundle
	if _, err := ctrlCh.CollectRemote(log, &probe0, nil, sampler, 0, 0, cfg.CtrlMsgTimeout, cfg.PcapWaitTimeout); err != nil {
		s.Close()
		return nil, &FatalError{Cause: "receiver liveness check failed", Err: err}
	}

	return s, nil
}

// Close releases the probe socket, control channel, and capture sampler.
func (s *State) Close() error {
	return errors.Join(s.conn.Close(), s.ctrlCh.Close(), s.sampler.Close())
}

// Run implements the Run Loop (C6, spec §4.6): it repeats rounds
// indefinitely, printing one result line per completed sample to stdout,
// until ctx is cancelled or a fatal error occurs.
func (s *State) Run(ctx context.Context, stdout io.Writer) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		tvbegin := s.clock.Now()
		var list []*probe.Bundle
		s.engine.ResetRound()
		done := false

		for !done && s.engine.LocalCrawl() > 0 {
			ok, err := s.agg.DoRound(&list, s.cfg.NStreams, s.engine.CurrPktSize(),
				time.Duration(s.engine.TargetSpacingMicros())*time.Microsecond, &s.streamCounter)
			if err != nil {
				metrics.FatalErrorsTotal.WithLabelValues("transport").Inc()
				fatalErr := &FatalError{Cause: "control channel transport failure", Err: err}
				s.diag.Error("%s", fatalErr)
				return fatalErr
			}
			if !ok {
				metrics.FatalErrorsTotal.WithLabelValues("persistent_receiver_failure").Inc()
				fatalErr := &FatalError{Cause: "persistent receiver failure: retry budget exhausted"}
				s.diag.Error("%s", fatalErr)
				return fatalErr
			}

			var fatal bool
			done, fatal = s.engine.ProcessRound(list)
			list = list[:0]
			if fatal {
				metrics.RoundsTotal.WithLabelValues("fatal").Inc()
				metrics.FatalErrorsTotal.WithLabelValues("path_changed").Inc()
				fatalErr := &FatalError{Cause: "path length changed mid-round"}
				s.diag.Error("%s", fatalErr)
				return fatalErr
			}
			if done {
				metrics.RoundsTotal.WithLabelValues("done").Inc()
			} else {
				metrics.RoundsTotal.WithLabelValues("retry").Inc()
			}

			metrics.TargetSpacingMicros.Set(s.engine.TargetSpacingMicros())
			metrics.CurrPacketSizeBytes.Set(float64(s.engine.CurrPktSize()))

			if !done {
				s.sleepExponential(ctx, s.cfg.InterStreamSpacing)
			}
		}

		tvend := s.clock.Now()
		s.runNum++
		metrics.CurrEstimationBitsPerSecond.Set(s.engine.CurrEstimation())
		metrics.TrafficGeneratedBits.Add(s.engine.TrafficGenerated())
		metrics.SamplesTotal.Inc()

		fmt.Fprintf(stdout, "%d %d.%06d %d.%06d %.0f\n",
			s.runNum,
			tvbegin.Unix(), tvbegin.Nanosecond()/1000,
			tvend.Unix(), tvend.Nanosecond()/1000,
			s.engine.CurrEstimation()/1000, // kbps per spec §6.5
		)

		s.sleepExponential(ctx, s.cfg.InterStreamSpacing)
	}
}

// sleepExponential draws u uniformly in (0,1) and sleeps for
// floor(-(meanSpacing/1000) * ln(1-u)) milliseconds, per spec §4.6's
// exponential inter-sample sleep.
func (s *State) sleepExponential(ctx context.Context, meanSpacing time.Duration) {
	u := rand.Float64()
	ms := math.Floor(-(float64(meanSpacing.Milliseconds())) * math.Log(1-u))
	select {
	case <-ctx.Done():
	case <-s.clock.After(time.Duration(ms) * time.Millisecond):
	}
}
