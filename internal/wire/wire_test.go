package wire_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/malbeclabs/abwprobe/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestHeader_RoundTrip(t *testing.T) {
	h := &wire.Header{Code: wire.CodeRSTACK, Len: wire.SummarySize, PSVecLen: 40, Seq: 7, Reason: 0}
	buf := make([]byte, wire.HeaderSize)
	require.NoError(t, h.Marshal(buf))

	got, err := wire.UnmarshalHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeader_UnmarshalRejectsWrongSize(t *testing.T) {
	_, err := wire.UnmarshalHeader(make([]byte, wire.HeaderSize-1))
	require.Error(t, err)
}

func TestSummary_RoundTrip(t *testing.T) {
	s := &wire.Summary{AppMean: 100, PcapMean: 105, TTL: 60, NSamples: 48, NLost: 2}
	buf := make([]byte, wire.SummarySize)
	require.NoError(t, s.Marshal(buf))

	got, err := wire.UnmarshalSummary(buf)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestProbeStamps_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Microsecond)
	stamps := []probe.Stamp{
		{StreamID: 1, Sequence: 0, Timestamp: now, TTL: 64},
		{StreamID: 1, Sequence: 1, Timestamp: now.Add(100 * time.Microsecond), TTL: 64},
		{StreamID: 1, Sequence: 2, Timestamp: now.Add(200 * time.Microsecond), TTL: 63},
	}

	buf := wire.EncodeProbeStamps(stamps)
	got, err := wire.DecodeProbeStamps(buf)
	require.NoError(t, err)
	require.Len(t, got, len(stamps))
	for i := range stamps {
		require.Equal(t, stamps[i].StreamID, got[i].StreamID)
		require.Equal(t, stamps[i].Sequence, got[i].Sequence)
		require.Equal(t, stamps[i].TTL, got[i].TTL)
		require.WithinDuration(t, stamps[i].Timestamp, got[i].Timestamp, time.Microsecond)
	}
}

func TestProbeStamps_EmptyVector(t *testing.T) {
	buf := wire.EncodeProbeStamps(nil)
	got, err := wire.DecodeProbeStamps(buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestProbeStamps_RejectsLengthMismatch(t *testing.T) {
	buf := wire.EncodeProbeStamps([]probe.Stamp{{StreamID: 1, Sequence: 0, Timestamp: time.Now()}})
	_, err := wire.DecodeProbeStamps(buf[:len(buf)-1])
	require.Error(t, err)
}
