package receiver_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/malbeclabs/abwprobe/internal/receiver"
	"github.com/malbeclabs/abwprobe/internal/wire"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDaemon_RespondsWithACKAndSummaryAfterProbes(t *testing.T) {
	d, err := receiver.New(testLogger(), "127.0.0.1:0", "127.0.0.1:0", time.Second)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	probeConn, err := net.DialUDP("udp", nil, d.ProbeAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer probeConn.Close()

	const n = 10
	for i := 0; i < n; i++ {
		buf := make([]byte, 64)
		binary.BigEndian.PutUint32(buf[0:4], 1)
		binary.BigEndian.PutUint32(buf[4:8], uint32(i))
		_, err := probeConn.Write(buf)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // let the receiver drain the UDP socket

	ctrlConn, err := net.Dial("tcp", d.CtrlAddr().String())
	require.NoError(t, err)
	defer ctrlConn.Close()

	req := wire.Header{Code: wire.CodeRST, Seq: 1}
	var reqBuf [wire.HeaderSize]byte
	require.NoError(t, req.Marshal(reqBuf[:]))
	_, err = ctrlConn.Write(reqBuf[:])
	require.NoError(t, err)

	replyBuf := make([]byte, wire.HeaderSize)
	_, err = io.ReadFull(ctrlConn, replyBuf)
	require.NoError(t, err)
	reply, err := wire.UnmarshalHeader(replyBuf)
	require.NoError(t, err)
	require.Equal(t, wire.CodeRSTACK, reply.Code)
	require.Equal(t, uint32(1), reply.Seq)

	summaryBuf := make([]byte, reply.Len)
	_, err = io.ReadFull(ctrlConn, summaryBuf)
	require.NoError(t, err)
	summary, err := wire.UnmarshalSummary(summaryBuf)
	require.NoError(t, err)
	require.EqualValues(t, n, summary.NSamples)
	require.Zero(t, summary.NLost)

	vecBuf := make([]byte, reply.PSVecLen)
	_, err = io.ReadFull(ctrlConn, vecBuf)
	require.NoError(t, err)
	stamps, err := wire.DecodeProbeStamps(vecBuf)
	require.NoError(t, err)
	require.Len(t, stamps, n)
}

func TestDaemon_NACKsWhenTooFewProbesObserved(t *testing.T) {
	d, err := receiver.New(testLogger(), "127.0.0.1:0", "127.0.0.1:0", time.Second)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	ctrlConn, err := net.Dial("tcp", d.CtrlAddr().String())
	require.NoError(t, err)
	defer ctrlConn.Close()

	req := wire.Header{Code: wire.CodeRST, Seq: 1}
	var reqBuf [wire.HeaderSize]byte
	require.NoError(t, req.Marshal(reqBuf[:]))
	_, err = ctrlConn.Write(reqBuf[:])
	require.NoError(t, err)

	replyBuf := make([]byte, wire.HeaderSize)
	_, err = io.ReadFull(ctrlConn, replyBuf)
	require.NoError(t, err)
	reply, err := wire.UnmarshalHeader(replyBuf)
	require.NoError(t, err)
	require.Equal(t, wire.CodeRSTNACK, reply.Code)
}
