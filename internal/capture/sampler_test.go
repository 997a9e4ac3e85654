package capture_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/malbeclabs/abwprobe/internal/capture"
	"github.com/malbeclabs/abwprobe/internal/probe"
	"github.com/stretchr/testify/require"
)

// fakeSampler lets tests control exactly when stamps become available,
// without depending on a real pcap handle.
type fakeSampler struct {
	mu     sync.Mutex
	stamps []probe.Stamp
	avail  bool
}

func (f *fakeSampler) Start(ctx context.Context) error { return nil }
func (f *fakeSampler) Available() bool                 { return f.avail }
func (f *fakeSampler) Close() error                    { return nil }

func (f *fakeSampler) add(s probe.Stamp) {
	f.mu.Lock()
	f.stamps = append(f.stamps, s)
	f.mu.Unlock()
}

func (f *fakeSampler) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stamps)
}

func (f *fakeSampler) Drain() []probe.Stamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stamps
	f.stamps = nil
	return out
}

func TestUnavailable_NeverProducesStamps(t *testing.T) {
	s := capture.NewUnavailable()
	require.False(t, s.Available())
	require.NoError(t, s.Start(context.Background()))
	require.Empty(t, s.Drain())
	require.Zero(t, s.Len())
	require.NoError(t, s.Close())
}

func TestWaitForCount_ReturnsOnceTargetReached(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fakeSampler{avail: true}

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.add(probe.Stamp{Sequence: 0})
		f.add(probe.Stamp{Sequence: 1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stamps, ok := capture.WaitForCount(ctx, f, 2, time.Millisecond, log)
	require.True(t, ok)
	require.Len(t, stamps, 2)
}

func TestWaitForCount_TimesOutWithPartialSet(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fakeSampler{avail: true}
	f.add(probe.Stamp{Sequence: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stamps, ok := capture.WaitForCount(ctx, f, 5, time.Millisecond, log)
	require.False(t, ok)
	require.Len(t, stamps, 1)
}

func TestWaitForCount_UnavailableReturnsImmediately(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fakeSampler{avail: false}

	stamps, ok := capture.WaitForCount(context.Background(), f, 1, time.Millisecond, log)
	require.False(t, ok)
	require.Empty(t, stamps)
}
