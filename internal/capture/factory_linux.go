//go:build linux

package capture

import (
	"log/slog"
	"net"
)

// New returns the best available Sampler for this platform: a live pcap
// capture on Linux. If the capture cannot be opened at Start (e.g. missing
// CAP_NET_RAW), the returned Sampler reports Available() == false and
// produces no stamps, like the no-op Sampler.
func New(log *slog.Logger, iface string, target net.IP, port int) Sampler {
	return NewLive(log, iface, target, port)
}
