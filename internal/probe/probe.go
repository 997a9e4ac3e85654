// Package probe defines the data model that flows between the pacer, the
// capture sampler, the control channel and the convergence engine: a single
// timestamped probe record and the per-stream bundle built from them.
package probe

import "time"

// LossDelay is the sentinel value used in MeasurementBundle.Delays to mark a
// probe that was never observed at the receiver (or whose computed delay was
// negative, indicating unsynchronized clocks rather than a real one-way
// delay).
const LossDelay time.Duration = -1 << 63

// IsLoss reports whether d is the loss sentinel.
func IsLoss(d time.Duration) bool { return d == LossDelay }

// Stamp records a single probe observation: when it was sent (as recorded by
// the pacer) or received (as recorded by the receiver or the capture
// sampler). Immutable once created.
type Stamp struct {
	StreamID  uint32
	Sequence  uint32
	Timestamp time.Time
	TTL       uint8
}

// Bundle is the per-stream measurement record. It is created empty by the
// round aggregator before each stream, which also sets Start/End; the
// control channel then fills in the remote summary, the delay vector, and
// the local summary + TTL (computed from the pacer's send-side stamps and,
// if available, the capture sampler). It is read-only once handed to the
// convergence engine.
type Bundle struct {
	Start, End time.Time

	LocalAppMean, LocalPcapMean   float64 // microseconds
	RemoteAppMean, RemotePcapMean float64 // microseconds

	LocalTTL, RemoteTTL uint8 // path length = LocalTTL - RemoteTTL

	LocalNSamples, LocalNLost   int
	RemoteNSamples, RemoteNLost int

	// LocalAppNSamples/LocalAppNLost preserve the application-layer sample
	// counts even after the capture-layer recomputation overwrites
	// LocalNSamples/LocalNLost (see the "last-assignment" shadowing
	// behavior noted in the control channel).
	LocalAppNSamples, LocalAppNLost int

	// Delays holds one entry per receiver-observed probe plus LossDelay
	// entries for every probe the receiver never reported, in sequence
	// order. It is only populated when the receiver includes a probe-stamp
	// vector in its reply.
	Delays []time.Duration
}

// Reset clears a bundle for reuse. A failed round must discard (not reuse
// without reset) a partially populated bundle.
func (b *Bundle) Reset() {
	*b = Bundle{}
}

// Valid reports the invariant that must hold for any bundle handed to the
// convergence engine: remote samples never exceed local samples, and local
// samples+lost account for the full stream.
func (b *Bundle) Valid(streamLength int) bool {
	return b.RemoteNSamples <= b.LocalNSamples &&
		b.LocalNSamples+b.LocalNLost == streamLength
}
