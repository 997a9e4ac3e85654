package pacer_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/malbeclabs/abwprobe/internal/pacer"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dial(t *testing.T, remote *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, remote)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendStream_OrderAndWireFormat(t *testing.T) {
	t.Parallel()

	listener := listen(t)
	sender := dial(t, listener.LocalAddr().(*net.UDPAddr))

	const streamLength = 10
	const pktSize = 200
	cfg := pacer.Config{
		StreamLength:    streamLength,
		PacketSize:      pktSize,
		TargetSpacing:   2 * time.Millisecond,
		MinSleep:        200 * time.Microsecond,
		SyscallOverhead: 50 * time.Microsecond,
	}

	done := make(chan struct{ stamps int }, 1)
	go func() {
		stamps, err := pacer.SendStream(sender, 7, cfg)
		require.NoError(t, err)
		done <- struct{ stamps int }{len(stamps)}
	}()

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	payloadSize, err := pacer.PayloadSize(pktSize)
	require.NoError(t, err)
	buf := make([]byte, payloadSize+1)

	for seq := uint32(0); seq < streamLength; seq++ {
		n, err := listener.Read(buf)
		require.NoError(t, err)
		require.Equal(t, payloadSize, n)
		require.Equal(t, uint32(7), binary.BigEndian.Uint32(buf[0:4]))
		require.Equal(t, seq, binary.BigEndian.Uint32(buf[4:8]))
		for _, b := range buf[8:n] {
			require.Zero(t, b)
		}
	}

	result := <-done
	require.Equal(t, streamLength, result.stamps)
}

func TestSendStream_StampsAreOrderedAndSpaced(t *testing.T) {
	t.Parallel()

	listener := listen(t)
	sender := dial(t, listener.LocalAddr().(*net.UDPAddr))

	const streamLength = 20
	cfg := pacer.Config{
		StreamLength:    streamLength,
		PacketSize:      200,
		TargetSpacing:   1 * time.Millisecond,
		MinSleep:        200 * time.Microsecond,
		SyscallOverhead: 50 * time.Microsecond,
	}

	go func() {
		buf := make([]byte, 200)
		for range streamLength {
			listener.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _ = listener.Read(buf)
		}
	}()

	stamps, err := pacer.SendStream(sender, 1, cfg)
	require.NoError(t, err)
	require.Len(t, stamps, streamLength)

	for i, s := range stamps {
		require.Equal(t, uint32(i), s.Sequence)
		if i > 0 {
			require.False(t, s.Timestamp.Before(stamps[i-1].Timestamp))
		}
	}

	total := stamps[len(stamps)-1].Timestamp.Sub(stamps[0].Timestamp)
	meanSpacing := total / time.Duration(len(stamps)-1)
	// Allow generous slack: this runs on a shared CI machine, not a
	// dedicated measurement host.
	require.InDelta(t, float64(cfg.TargetSpacing), float64(meanSpacing), float64(5*time.Millisecond))
}

func TestPayloadSize_RejectsUndersizedPacket(t *testing.T) {
	_, err := pacer.PayloadSize(10)
	require.Error(t, err)
}
