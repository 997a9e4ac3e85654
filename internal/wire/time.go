package wire

import "time"

// unixMicro reconstructs a time.Time from wire-format seconds and
// microseconds fields, matching the precision the probe-stamp vector is
// specified to carry.
func unixMicro(sec, usec uint32) time.Time {
	return time.Unix(int64(sec), int64(usec)*1000).UTC()
}
