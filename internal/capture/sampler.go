// Package capture implements the Capture Sampler (spec §4.2): a background
// producer that filters UDP packets to/from the target host and appends a
// probe.Stamp for each locally observed send, giving the control channel an
// independent, wire-level timing source to cross-check the application
// layer's own send timestamps.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
)

// Sampler is the contract the control channel and round aggregator rely on:
// between a call to Drain and the next stream, the sampler's buffer will
// contain one entry per locally observed probe send, unless capture is
// unavailable (in which case Drain always returns empty and Available is
// false).
type Sampler interface {
	// Start begins capturing in the background. It returns once the capture
	// handle is open and filtering, or immediately if capture is
	// unavailable.
	Start(ctx context.Context) error

	// Drain returns every probe.Stamp captured since the last Drain call,
	// and clears the internal buffer. Safe for concurrent use with the
	// capturing goroutine.
	Drain() []probe.Stamp

	// Len reports the number of stamps currently buffered, without
	// clearing them.
	Len() int

	// Available reports whether this sampler is backed by a real capture
	// handle (true) or is the no-op fallback (false).
	Available() bool

	Close() error
}

// unavailable is the fallback Sampler used when live capture cannot be
// opened (missing privileges, no libpcap, platform not supported). Per spec
// §4.2, the rest of the design is unchanged: local_pcap_* fields simply fall
// back to local_app_* values or remain zero.
type unavailable struct{}

// NewUnavailable returns a Sampler that never produces stamps.
func NewUnavailable() Sampler { return unavailable{} }

func (unavailable) Start(ctx context.Context) error { return nil }
func (unavailable) Drain() []probe.Stamp            { return nil }
func (unavailable) Len() int                        { return 0 }
func (unavailable) Available() bool                 { return false }
func (unavailable) Close() error                    { return nil }

// buffer is the mutex-guarded shared state described in spec §5: the only
// resource shared between the capture goroutine and its readers.
type buffer struct {
	mu     sync.Mutex
	stamps []probe.Stamp
}

func (b *buffer) append(s probe.Stamp) {
	b.mu.Lock()
	b.stamps = append(b.stamps, s)
	b.mu.Unlock()
}

func (b *buffer) drain() []probe.Stamp {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stamps) == 0 {
		return nil
	}
	out := b.stamps
	b.stamps = nil
	return out
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stamps)
}

// WaitForCount blocks, polling at the given interval, until s has at least
// n buffered stamps or the deadline in ctx elapses. It returns the drained
// stamps and whether the target count was reached before timing out,
// matching spec §4.3's "wait up to pcap_wait_timeout... proceed with the
// smaller set and log a warning" behavior.
func WaitForCount(ctx context.Context, s Sampler, n int, pollInterval time.Duration, log *slog.Logger) ([]probe.Stamp, bool) {
	if !s.Available() {
		return nil, false
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if s.Len() >= n {
			return s.Drain(), true
		}
		select {
		case <-ctx.Done():
			log.Warn("capture sync timed out, proceeding with partial set", "have", s.Len(), "want", n)
			return s.Drain(), false
		case <-ticker.C:
		}
	}
}
