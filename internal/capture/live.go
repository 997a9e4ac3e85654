//go:build linux

package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/malbeclabs/abwprobe/internal/probe"
)

// Live captures probe packets on the wire using a live pcap handle,
// filtered to "udp and host <target> and port <probe port>".
type Live struct {
	log    *slog.Logger
	iface  string
	target net.IP
	port   int

	handle *pcap.Handle
	buf    buffer
	done   chan struct{}
}

// NewLive opens (but does not yet start reading from) a live capture on
// iface, filtered to UDP traffic to/from target's probe port.
func NewLive(log *slog.Logger, iface string, target net.IP, port int) *Live {
	return &Live{log: log, iface: iface, target: target, port: port, done: make(chan struct{})}
}

func (l *Live) Start(ctx context.Context) error {
	handle, err := pcap.OpenLive(l.iface, 128, false, 10*time.Millisecond)
	if err != nil {
		l.log.Warn("capture unavailable, falling back to application timestamps", "interface", l.iface, "error", err)
		return err
	}

	filter := fmt.Sprintf("udp and host %s and port %d", l.target, l.port)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return fmt.Errorf("set bpf filter %q: %w", filter, err)
	}
	l.handle = handle

	go l.run(ctx)
	return nil
}

func (l *Live) run(ctx context.Context) {
	defer close(l.done)
	src := gopacket.NewPacketSource(l.handle, l.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			l.observe(pkt)
		}
	}
}

func (l *Live) observe(pkt gopacket.Packet) {
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	payload := udpLayer.LayerPayload()
	if len(payload) < 8 {
		return
	}

	var ttl uint8
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		ttl = ip4.(*layers.IPv4).TTL
	}

	streamID := binary.BigEndian.Uint32(payload[0:4])
	sequence := binary.BigEndian.Uint32(payload[4:8])

	l.buf.append(probe.Stamp{
		StreamID:  streamID,
		Sequence:  sequence,
		Timestamp: pkt.Metadata().Timestamp,
		TTL:       ttl,
	})
}

func (l *Live) Drain() []probe.Stamp { return l.buf.drain() }
func (l *Live) Len() int             { return l.buf.len() }
func (l *Live) Available() bool      { return l.handle != nil }

func (l *Live) Close() error {
	if l.handle == nil {
		return nil
	}
	l.handle.Close()
	<-l.done
	return nil
}
