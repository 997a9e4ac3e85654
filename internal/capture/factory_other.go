//go:build !linux

package capture

import (
	"log/slog"
	"net"
)

// New returns the no-op Sampler on platforms without a live-capture
// implementation. Per spec §4.2 the rest of the design is unchanged: local
// pcap fields fall back to application-layer timing.
func New(log *slog.Logger, iface string, target net.IP, port int) Sampler {
	log.Debug("capture sampler not implemented on this platform, falling back to application timestamps")
	return NewUnavailable()
}
