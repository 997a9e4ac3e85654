//go:build linux

package pacer

/*
#define _GNU_SOURCE
#include <pthread.h>
#include <sched.h>
#include <unistd.h>

int abwprobe_pacer_raise_to_fifo(int prio) {
	struct sched_param param;
	param.sched_priority = prio;
	return pthread_setschedparam(pthread_self(), SCHED_FIFO, &param);
}
*/
import "C"

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// SetRealtimePriority raises the calling OS thread to SCHED_FIFO at the
// given priority. round.Aggregator.applyScheduling calls this once per
// process, before the first stream, so the pacer's coarse-sleep/busy-spin
// loop (spec §4.1) isn't preempted mid-spin by a normally-scheduled thread.
// It calls runtime.LockOSThread first, so the calling goroutine stays on the
// thread whose priority was raised.
func SetRealtimePriority(priority int) error {
	runtime.LockOSThread()
	if ret := C.abwprobe_pacer_raise_to_fifo(C.int(priority)); ret != 0 {
		return fmt.Errorf("pthread_setschedparam failed: %d", ret)
	}
	return nil
}

// PinCurrentThreadToCPU pins the calling OS thread to a single CPU. Also
// called once from round.Aggregator.applyScheduling: a mid-stream migration
// would show up as a spike in the pacer's own send-time jitter, which the
// fine busy-spin phase can't distinguish from genuine OS scheduling delay.
func PinCurrentThreadToCPU(cpu int) error {
	runtime.LockOSThread()
	var mask unix.CPUSet
	mask.Set(cpu)
	return unix.SchedSetaffinity(0, &mask)
}
