// Package converge implements the Convergence Engine (spec §4.5): it
// decides, from one round's coalesced bundle, whether the target spacing
// needs adjusting or the estimate is final, via the compression/expansion
// bisection search.
package converge

import (
	"math"

	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/malbeclabs/abwprobe/internal/round"
)

// Config holds the static search parameters, set once at launch (spec §3).
type Config struct {
	MinPktSize int
	Resolution float64 // bits/s granularity

	MaxSpace   float64 // µs, static upper bound from config
	MinSpace   float64 // µs
	RetryLimit int

	// forgiveness is an always-nil hook reserved for a local_forgiveness
	// policy described in the original implementation but never built out
	// here (spec.md §9's invitation to document, not implement).
	forgiveness *forgivenessPolicy
}

// forgivenessPolicy is intentionally never constructed; it documents where
// a local_forgiveness mechanism would plug into Engine if one were added.
type forgivenessPolicy struct{}

// Engine carries the per-run and per-round search state that SetupRun and
// ResetRound mutate across the lifetime of one measurement run.
type Engine struct {
	cfg Config

	// Per-run.
	savedPktSize int
	fastestLocal float64
	maxSpace     float64

	// Per-round.
	currPktSize      int
	targetSpacing    float64 // µs
	localCrawl       int
	trafficGenerated float64
	currEstimation   float64
}

// New constructs an Engine. initialPktSize is the configured starting
// packet size (curr_pkt_size at setup_run).
func New(cfg Config, initialPktSize int) *Engine {
	return &Engine{cfg: cfg, currPktSize: initialPktSize}
}

// SetupRun implements setup_run's per-run state derivation (spec §4.5): it
// records saved_pkt_size, initializes fastest_local, and derives max_space.
// Opening the control channel, probe socket, and capture is the caller's
// responsibility (internal/sender); this only owns the numeric state.
func (e *Engine) SetupRun() {
	e.savedPktSize = e.currPktSize
	e.fastestLocal = e.cfg.MaxSpace
	e.maxSpace = math.Max(math.Floor(float64(e.cfg.MinPktSize*8)/e.cfg.Resolution), e.cfg.MaxSpace)
	e.currEstimation = 0
}

// ResetRound implements reset_round (spec §4.5).
func (e *Engine) ResetRound() {
	e.targetSpacing = e.cfg.MinSpace
	e.currPktSize = e.savedPktSize
	e.localCrawl = e.cfg.RetryLimit
	e.trafficGenerated = 0
}

// CurrPktSize returns the packet size the next stream in this round should
// use, for the round aggregator/pacer to consume.
func (e *Engine) CurrPktSize() int { return e.currPktSize }

// TargetSpacingMicros returns the current target inter-probe spacing.
func (e *Engine) TargetSpacingMicros() float64 { return e.targetSpacing }

// LocalCrawl returns the remaining per-sample retry budget.
func (e *Engine) LocalCrawl() int { return e.localCrawl }

// CurrEstimation returns the most recently finalized (or forced) estimate,
// in bits/s.
func (e *Engine) CurrEstimation() float64 { return e.currEstimation }

// TrafficGenerated returns the accumulated probe traffic for this round, in
// bits.
func (e *Engine) TrafficGenerated() float64 { return e.trafficGenerated }

// ProcessRound implements process_round(list) -> done (spec §4.5). It
// mutates the engine's per-round state and returns (done, fatal). A fatal
// result means the path length changed mid-round and the run must
// terminate; the caller does not retry. The caller owns list's lifetime
// and must clear it before starting the next round, win or lose.
func (e *Engine) ProcessRound(list []*probe.Bundle) (done bool, fatal bool) {
	if !round.PathSame(list) {
		return false, true
	}
	mb := round.Coalesce(list)

	e.trafficGenerated += float64(mb.LocalNSamples) * float64(e.currPktSize) * 8

	currRate := (float64(e.currPktSize) * 8) / mb.LocalPcapMean * 1e6
	resolSpc := float64(e.currPktSize)*8/(currRate-e.cfg.Resolution)*1e6 - mb.LocalPcapMean
	maxdiff := math.Max(1.0, resolSpc)
	compexp := math.Abs(mb.RemotePcapMean-mb.LocalPcapMean) > maxdiff
	compexp = compexp || mb.RemoteNLost > 1

	if !compexp && e.currPktSize == e.savedPktSize {
		e.fastestLocal = math.Min(e.fastestLocal, math.Floor(mb.LocalPcapMean))
	}

	if compexp {
		if e.targetSpacing == mb.RemotePcapMean {
			// Degenerate tie: nudging the spacing makes no numeric
			// progress on its own, so this also burns a retry.
			e.targetSpacing += 2
			e.localCrawl--
		} else {
			e.targetSpacing = math.Floor(mb.LocalPcapMean + math.Abs(mb.RemotePcapMean-mb.LocalPcapMean)/2)
		}

		for e.targetSpacing > e.maxSpace {
			if e.currPktSize <= e.cfg.MinPktSize {
				e.currEstimation = 0
				return true, false
			}
			e.currPktSize = max(e.currPktSize/2, e.cfg.MinPktSize)
			e.targetSpacing /= 2
		}
		done = false
	} else {
		e.currEstimation = (float64(e.currPktSize) * 8) / (mb.LocalPcapMean * 1e-6)
		done = true
	}

	if e.localCrawl <= 0 {
		e.currEstimation = currRate
		done = true
	}

	return done, false
}
