// Package wire implements the control-channel message formats described in
// spec §6: the fixed control header, the RST-ACK summary payload, and the
// self-describing probe-stamp vector. All integers are network byte order,
// matching the encoding style of tools/twamp/pkg/light.Packet.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/malbeclabs/abwprobe/internal/probe"
)

// Control message codes (spec §6.1).
const (
	CodeRST     uint32 = 1
	CodeRSTACK  uint32 = 2
	CodeRSTNACK uint32 = 3
)

// HeaderSize is the wire size of Header: 5 uint32 fields.
const HeaderSize = 20

// Header is the fixed-layout control message header exchanged over the TCP
// control channel.
type Header struct {
	Code     uint32
	Len      uint32 // bytes of summary payload to follow
	PSVecLen uint32 // bytes of serialized probe-stamp vector to follow
	Seq      uint32 // monotonically increasing request id, sender-assigned
	Reason   uint32 // receiver-defined; 0 on success
}

func (h *Header) Marshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize)
	}
	binary.BigEndian.PutUint32(buf[0:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Len)
	binary.BigEndian.PutUint32(buf[8:12], h.PSVecLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Seq)
	binary.BigEndian.PutUint32(buf[16:20], h.Reason)
	return nil
}

func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d != %d", len(buf), HeaderSize)
	}
	return &Header{
		Code:     binary.BigEndian.Uint32(buf[0:4]),
		Len:      binary.BigEndian.Uint32(buf[4:8]),
		PSVecLen: binary.BigEndian.Uint32(buf[8:12]),
		Seq:      binary.BigEndian.Uint32(buf[12:16]),
		Reason:   binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// SummarySize is the wire size of Summary: 5 uint32 fields (spec §6.2).
const SummarySize = 20

// Summary is the RST-ACK payload carrying the receiver's view of a stream.
type Summary struct {
	AppMean  uint32 // microseconds
	PcapMean uint32 // microseconds
	TTL      uint32
	NSamples uint32
	NLost    uint32
}

func (s *Summary) Marshal(buf []byte) error {
	if len(buf) < SummarySize {
		return fmt.Errorf("buffer too small: %d < %d", len(buf), SummarySize)
	}
	binary.BigEndian.PutUint32(buf[0:4], s.AppMean)
	binary.BigEndian.PutUint32(buf[4:8], s.PcapMean)
	binary.BigEndian.PutUint32(buf[8:12], s.TTL)
	binary.BigEndian.PutUint32(buf[12:16], s.NSamples)
	binary.BigEndian.PutUint32(buf[16:20], s.NLost)
	return nil
}

func UnmarshalSummary(buf []byte) (*Summary, error) {
	if len(buf) != SummarySize {
		return nil, fmt.Errorf("invalid summary size: %d != %d", len(buf), SummarySize)
	}
	return &Summary{
		AppMean:  binary.BigEndian.Uint32(buf[0:4]),
		PcapMean: binary.BigEndian.Uint32(buf[4:8]),
		TTL:      binary.BigEndian.Uint32(buf[8:12]),
		NSamples: binary.BigEndian.Uint32(buf[12:16]),
		NLost:    binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// stampEntrySize is the per-entry size of the probe-stamp vector: stream(4)
// + sequence(4) + seconds(4) + microseconds(4) + ttl(1) + 3 bytes padding
// for alignment.
const stampEntrySize = 20

// vectorHeaderSize is a one-byte version tag plus 3 bytes of padding and a
// uint32 entry count, versioning the vector encoding independently of the
// surrounding control header.
const vectorHeaderSize = 8

const vectorVersion = 1

// EncodeProbeStamps serializes a sequence of probe.Stamp into the
// self-describing wire format carried in the ps_vec_len bytes of an RST-ACK
// reply (spec §6.3).
func EncodeProbeStamps(stamps []probe.Stamp) []byte {
	buf := make([]byte, vectorHeaderSize+stampEntrySize*len(stamps))
	buf[0] = vectorVersion
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(stamps)))
	off := vectorHeaderSize
	for _, s := range stamps {
		binary.BigEndian.PutUint32(buf[off:off+4], s.StreamID)
		binary.BigEndian.PutUint32(buf[off+4:off+8], s.Sequence)
		sec := s.Timestamp.Unix()
		usec := s.Timestamp.Nanosecond() / 1000
		binary.BigEndian.PutUint32(buf[off+8:off+12], uint32(sec))
		binary.BigEndian.PutUint32(buf[off+12:off+16], uint32(usec))
		buf[off+16] = s.TTL
		off += stampEntrySize
	}
	return buf
}

// DecodeProbeStamps parses the wire format written by EncodeProbeStamps.
func DecodeProbeStamps(buf []byte) ([]probe.Stamp, error) {
	if len(buf) < vectorHeaderSize {
		return nil, fmt.Errorf("probe-stamp vector too short: %d bytes", len(buf))
	}
	if buf[0] != vectorVersion {
		return nil, fmt.Errorf("unsupported probe-stamp vector version: %d", buf[0])
	}
	count := binary.BigEndian.Uint32(buf[4:8])
	want := vectorHeaderSize + stampEntrySize*int(count)
	if len(buf) != want {
		return nil, fmt.Errorf("probe-stamp vector length mismatch: got %d bytes, want %d for %d entries", len(buf), want, count)
	}
	stamps := make([]probe.Stamp, count)
	off := vectorHeaderSize
	for i := range stamps {
		stream := binary.BigEndian.Uint32(buf[off : off+4])
		seq := binary.BigEndian.Uint32(buf[off+4 : off+8])
		sec := binary.BigEndian.Uint32(buf[off+8 : off+12])
		usec := binary.BigEndian.Uint32(buf[off+12 : off+16])
		ttl := buf[off+16]
		stamps[i] = probe.Stamp{
			StreamID:  stream,
			Sequence:  seq,
			Timestamp: unixMicro(sec, usec),
			TTL:       ttl,
		}
		off += stampEntrySize
	}
	return stamps, nil
}
