package ctrl

import (
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
)

// GetSpacing is the exported form of getSpacing. The receiver daemon
// (internal/receiver) does not call it: it has no target spacing to clamp
// against and computes an unclamped mean of its arrival gaps instead.
func GetSpacing(stamps []probe.Stamp, streamLength int, targetSpacing time.Duration) (meanMicros float64, nsamp, nlost int, valid bool) {
	return getSpacing(stamps, streamLength, targetSpacing)
}

// getSpacing implements spec §4.3.1: it computes the mean inter-probe
// spacing from an ordered sequence of send or receive timestamps, treating
// any adjacent delta larger than clamp (2x the target spacing) as a lost
// probe rather than a real gap. streamLength is the full train length, used
// only to compute the validity threshold.
func getSpacing(stamps []probe.Stamp, streamLength int, targetSpacing time.Duration) (meanMicros float64, nsamp, nlost int, valid bool) {
	clamp := float64(2 * targetSpacing.Microseconds())

	var sum float64
	for i := 1; i < len(stamps); i++ {
		deltaMicros := float64(stamps[i].Timestamp.Sub(stamps[i-1].Timestamp).Microseconds())
		if deltaMicros > clamp {
			nlost++
			continue
		}
		sum += deltaMicros
		nsamp++
	}

	if nsamp > 0 {
		meanMicros = sum / float64(nsamp)
	}
	valid = nsamp >= streamLength/2
	return meanMicros, nsamp, nlost, valid
}
