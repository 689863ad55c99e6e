// Package sysutil wraps the handful of raw Linux syscalls the daemon needs
// for real-time scheduling discipline and the paranoid self-reboot path
// (spec §5 "Real-time discipline", §7 "Signal-safe reboot"). These are
// process-wide, irreversible operations; every function here is a thin,
// directly-testable wrapper around one golang.org/x/sys/unix call so the
// call sites above (paceloop, elector) can be exercised without actually
// rebooting the test host.
package sysutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ─── Real-time scheduling ────────────────────────────────────────────────

// Scheduler selects the POSIX scheduling policy the daemon runs under.
type Scheduler string

const (
	SchedOther Scheduler = "other"
	SchedRR    Scheduler = "rr"
	SchedFIFO  Scheduler = "fifo"
)

// SetScheduler applies the named policy and priority to the calling process
// (pid 0 means "self"). Spec §5: the daemon runs SCHED_RR or SCHED_FIFO by
// default so the tick loop is not starved by other load on the node; an
// invalid combination (e.g. priority out of range) is rejected by the
// kernel and surfaced as an error, never silently clamped.
func SetScheduler(s Scheduler, priority int) error {
	var policy int
	switch s {
	case SchedOther:
		policy = unix.SCHED_OTHER
		priority = 0
	case SchedRR:
		policy = unix.SCHED_RR
	case SchedFIFO:
		policy = unix.SCHED_FIFO
	default:
		return fmt.Errorf("sysutil: unknown scheduler %q", s)
	}

	param := &unix.SchedParam{Priority: int32(priority)}
	if err := unix.SchedSetscheduler(0, policy, param); err != nil {
		return fmt.Errorf("sysutil: SchedSetscheduler(%s, %d): %w", s, priority, err)
	}
	return nil
}

// LockMemory pins the process's address space to prevent paging, so the
// tick loop's timing cannot be perturbed by page faults (spec §5).
func LockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("sysutil: mlockall: %w", err)
	}
	return nil
}

// ─── Paranoid self-reboot ────────────────────────────────────────────────

// Reboot immediately reboots the host. Spec §4.4/§7: invoked only when
// PARANOID is set and a tick deadline is missed, or when the elector's
// own score falls below score_min while this node is, or believes it is,
// master. There is no graceful variant: by the time this is called the
// node's own view of cluster state is no longer trustworthy enough to shut
// services down in order.
func Reboot() error {
	if err := unix.Sync(); err != nil {
		// Best effort; a failed sync must not block the reboot itself.
		_ = err
	}
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("sysutil: reboot: %w", err)
	}
	return nil
}
