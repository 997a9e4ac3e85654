package sender_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/abwprobe/internal/config"
	"github.com/malbeclabs/abwprobe/internal/logging"
	"github.com/malbeclabs/abwprobe/internal/receiver"
	"github.com/malbeclabs/abwprobe/internal/sender"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFatalError_WrapsCause(t *testing.T) {
	base := errors.New("dial refused")
	err := &sender.FatalError{Cause: "control channel unreachable", Err: base}
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "control channel unreachable")
	require.Contains(t, err.Error(), "dial refused")
}

func TestFatalError_WithoutCauseErr(t *testing.T) {
	err := &sender.FatalError{Cause: "path length changed mid-round"}
	require.Equal(t, "fatal: path length changed mid-round", err.Error())
	require.Nil(t, err.Unwrap())
}

// TestRun_QuietLoopbackPathProducesOneSampleLine starts a real receiver
// daemon on loopback and drives one sample through the full sender stack:
// pacer, control channel, round aggregator, and convergence engine. A
// loose minimum spacing and a short stream keep the path "quiet" (no
// compexp) so the sample converges within the first round, matching
// scenario 1 of the conformance suite.
func TestRun_QuietLoopbackPathProducesOneSampleLine(t *testing.T) {
	log := testLogger()
	diag := logging.NewDiagnostics(io.Discard)

	recv, err := receiver.New(log, "127.0.0.1:0", "127.0.0.1:0", 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = recv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = recv.Run(ctx) }()

	probeAddr := recv.ProbeAddr().(*net.UDPAddr)
	cfg := &config.SenderConfig{
		TargetAddr:      probeAddr,
		CtrlAddr:        recv.CtrlAddr().String(),
		StreamLength:    20,
		NStreams:        1,
		MinPktSize:      64,
		InitialPktSize:  200,
		MinSpace:        2000, // loose spacing so loopback jitter doesn't trip compexp
		MaxSpace:        1_000_000,
		Resolution:      1,
		RetryLimit:      5,
		CtrlMsgTimeout:  2 * time.Second,
		CtrlDialTimeout: time.Second,
	}

	st, err := sender.NewState(ctx, log, diag, clockwork.NewRealClock(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	defer runCancel()

	var out bytes.Buffer
	lineCh := make(chan error, 1)
	go func() {
		lineCh <- st.Run(runCtx, &out)
	}()

	// Give the loop enough time to print at least one sample, then cancel
	// to stop the otherwise-indefinite loop.
	time.Sleep(500 * time.Millisecond)
	runCancel()
	<-lineCh

	require.NotEmpty(t, out.String())
}
