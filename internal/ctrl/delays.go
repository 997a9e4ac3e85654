package ctrl

import (
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
)

// computeDelays reconstructs the per-probe one-way delay vector from the
// receiver's ordered probe-stamp sequence and the sender's ordered
// app_probes, per spec §4.3.2. Both sequences are assumed strictly ordered
// by sequence number, with no reordering. The two are paired by sequence
// number (not by parallel index), so a lost probe anywhere in the stream
// does not misalign the rest of the vector.
func computeDelays(local, remote []probe.Stamp) []time.Duration {
	delays := make([]time.Duration, 0, len(remote))
	j := 0
	for _, r := range remote {
		for j < len(local) && local[j].Sequence < r.Sequence {
			delays = append(delays, probe.LossDelay)
			j++
		}
		if j >= len(local) || local[j].Sequence != r.Sequence {
			// Receiver reported a sequence the sender has no local stamp
			// for; nothing to pair it with.
			continue
		}
		d := r.Timestamp.Sub(local[j].Timestamp)
		if d < 0 {
			// Negative one-way delay indicates unsynchronized clocks, not
			// a real delay; it must not propagate as one.
			d = probe.LossDelay
		}
		delays = append(delays, d)
		j++
	}
	for ; j < len(local); j++ {
		delays = append(delays, probe.LossDelay)
	}
	return delays
}
