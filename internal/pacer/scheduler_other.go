//go:build !linux

package pacer

import "errors"

// ErrPlatformNotSupported is returned by the realtime-scheduling hooks on
// platforms without SCHED_FIFO/CPU-affinity support.
var ErrPlatformNotSupported = errors.New("realtime scheduling not supported on this platform")

func SetRealtimePriority(priority int) error { return ErrPlatformNotSupported }

func PinCurrentThreadToCPU(cpu int) error { return ErrPlatformNotSupported }
