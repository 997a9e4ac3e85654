package round_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/malbeclabs/abwprobe/internal/round"
	"github.com/stretchr/testify/require"
)

func TestPathSame(t *testing.T) {
	mk := func(local, remote uint8) *probe.Bundle {
		return &probe.Bundle{LocalTTL: local, RemoteTTL: remote}
	}

	require.True(t, round.PathSame(nil))
	require.True(t, round.PathSame([]*probe.Bundle{mk(64, 60)}))
	require.True(t, round.PathSame([]*probe.Bundle{mk(64, 60), mk(65, 61), mk(63, 59)}))
	require.False(t, round.PathSame([]*probe.Bundle{mk(64, 60), mk(64, 59)}))
}

func TestCoalesce(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	end := start.Add(time.Second)

	list := []*probe.Bundle{
		{
			Start: start, End: start.Add(300 * time.Millisecond),
			LocalAppMean: 100, LocalPcapMean: 110, RemoteAppMean: 120, RemotePcapMean: 130,
			LocalNSamples: 10, LocalNLost: 0, RemoteNSamples: 9, RemoteNLost: 1,
		},
		{
			Start: start.Add(400 * time.Millisecond), End: end,
			LocalAppMean: 200, LocalPcapMean: 210, RemoteAppMean: 220, RemotePcapMean: 230,
			LocalNSamples: 10, LocalNLost: 1, RemoteNSamples: 8, RemoteNLost: 0,
			Delays: []time.Duration{time.Millisecond},
		},
	}

	out := round.Coalesce(list)
	require.Equal(t, start, out.Start)
	require.Equal(t, end, out.End)
	require.InDelta(t, 150, out.LocalAppMean, 1e-9)
	require.InDelta(t, 160, out.LocalPcapMean, 1e-9)
	require.InDelta(t, 170, out.RemoteAppMean, 1e-9)
	require.InDelta(t, 180, out.RemotePcapMean, 1e-9)
	require.Equal(t, 20, out.LocalNSamples)
	require.Equal(t, 1, out.LocalNLost)
	require.Equal(t, 17, out.RemoteNSamples)
	require.Equal(t, 1, out.RemoteNLost)
	require.Equal(t, []time.Duration{time.Millisecond}, out.Delays)
}

func TestCoalesce_Empty(t *testing.T) {
	out := round.Coalesce(nil)
	require.NotNil(t, out)
	require.Zero(t, out.LocalNSamples)
}

func TestStreamCounter(t *testing.T) {
	var c round.StreamCounter
	require.Equal(t, uint32(0), c.N)
}
