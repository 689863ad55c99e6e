// Package paceloop drives the daemon's tick loop (spec §4.4): one fixed
// cadence running Scanner, Transitioner, Elector and LocalState in order,
// with a deadline-miss self-reboot under PARANOID.
package paceloop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quorumd/internal/audit"
	"quorumd/internal/elector"
	"quorumd/internal/localstate"
	"quorumd/internal/nodetable"
	"quorumd/internal/observability"
	"quorumd/internal/protocol"
	"quorumd/internal/scanner"
	"quorumd/internal/transition"
)

// Clock is the wall-clock/uptime source read once per tick for the
// StatusBlock Timestamp field of the own-block write (spec §4.4, gated on
// the UPTIME flag). It is seconds-granularity by design (it feeds a wire
// field), so elapsed-time measurement for the deadline/sleep math is done
// separately, via WallNow below.
type Clock interface {
	// Now returns seconds, either wall-clock or monotonic uptime depending
	// on how the implementation was constructed.
	Now() uint64
}

// WallNow returns the current instant for elapsed-time measurement,
// distinct from Clock.Now()'s coarse StatusBlock timestamp. A field on
// Runner (rather than a package-level time.Now reference) so tests can
// substitute a deterministic sequence.
type WallNow func() time.Time

// Rebooter is the paranoid deadline-miss escape hatch (spec §4.4, §7).
type Rebooter interface {
	Reboot() error
}

// Sleeper lets tests intercept the inter-tick sleep.
type Sleeper func(time.Duration)

// nonblockingDispatcher is implemented by *membership.Client. It is
// checked via type assertion rather than added to elector.Membership so
// that simpler test doubles don't need to grow a no-op method.
type nonblockingDispatcher interface {
	DispatchNonblocking() error
}

// Disk is the full read/write surface the tick loop needs: the scanner
// reads every slot, the transitioner writes an eviction block on the
// master's behalf, and LocalState writes our own slot every tick.
type Disk interface {
	scanner.Disk
	WriteBlock(nodeID int, b protocol.StatusBlock) error
}

// Runner drives one tick (spec's data-flow diagram: Paceloop → Scanner →
// Transitioner → Elector → LocalState → Membership signal → sleep).
type Runner struct {
	Disk       Disk
	Table      *nodetable.Table
	MyID       int
	Interval   time.Duration
	TKO        int
	Paranoid   bool
	Debug      bool
	StatusFile string

	Clock       Clock
	Mask        *protocol.Mask // optional visibility filter (spec §4.2)
	Transition  transition.Deps
	ElectorCfg  elector.Config
	Score       elector.ScoreProvider
	Membership  elector.Membership
	Reboot      Rebooter
	SelfCheck   scanner.SelfCheckFunc
	Incarnation uint64

	Log     *zap.Logger
	Metrics *observability.Metrics
	Audit   *audit.DB
	Sleep   Sleeper
	WallNow WallNow

	// ReloadCheck, if set, is polled once per iteration of Run, between
	// ticks, so a config reload request can be picked up without Run
	// needing to know anything about config itself (spec §7 SIGHUP).
	ReloadCheck func()
}

// Tick runs exactly one iteration of the loop body (everything between two
// sleeps): scan, transition, elect, write own block, dump status. It never
// sleeps itself — Run calls Tick then decides whether to sleep or reboot.
// It returns the wall-clock duration the tick actually took.
func (r *Runner) Tick(st *elector.State) (time.Duration, error) {
	wallNow := r.WallNow
	if wallNow == nil {
		wallNow = time.Now
	}
	tickStart := wallNow()

	if d, ok := r.Membership.(nonblockingDispatcher); ok {
		if err := d.DispatchNonblocking(); err != nil {
			r.Log.Warn("paceloop: dispatch_nonblocking failed", zap.Error(err))
		}
	}

	scanner.Scan(r.Disk, r.Table, r.MyID, r.Log, r.Metrics, r.SelfCheck)

	d := r.Transition
	d.Disk = r.Disk
	d.IsMaster = st.Status == protocol.StateMaster
	transition.Apply(r.Table, r.Mask, d)

	elector.Tick(r.Table, st, r.ElectorCfg, r.Score, r.Membership, r.Reboot, r.Log, r.Metrics, r.Audit)

	current, max := r.Score.Score()
	scoreReq := r.ElectorCfg.ScoreMin
	if scoreReq <= 0 {
		scoreReq = max/2 + 1
	}
	snap := localstate.Snapshot{Incarnation: r.Incarnation, Score: current, ScoreReq: scoreReq, ScoreMax: max}

	now := r.Clock.Now()
	if _, err := localstate.WriteOwnBlock(r.Disk, r.MyID, st, snap, now); err != nil {
		r.Log.Error("paceloop: failed to write own block", zap.Error(err))
		return wallNow().Sub(tickStart), err
	}

	if r.StatusFile != "" {
		if err := localstate.DumpStatus(r.StatusFile, r.MyID, st, r.Table, snap, r.Debug, now); err != nil {
			r.Log.Warn("paceloop: failed to dump status file", zap.Error(err))
		}
	}

	return wallNow().Sub(tickStart), nil
}

// Run executes the tick loop until ctx is cancelled. Each iteration: Tick,
// then snapshot elapsed time, then either reboot (deadline miss under
// PARANOID, outside DEBUG) or sleep for the remainder of the interval.
func (r *Runner) Run(ctx context.Context, st *elector.State) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if r.ReloadCheck != nil {
			r.ReloadCheck()
		}

		elapsed, err := r.Tick(st)
		if err != nil {
			return err
		}

		if r.Metrics != nil {
			r.Metrics.TickDuration.Observe(elapsed.Seconds())
		}

		if elapsed > r.Interval {
			r.Log.Warn("paceloop: tick exceeded interval",
				zap.Duration("elapsed", elapsed), zap.Duration("interval", r.Interval))
			if r.Metrics != nil {
				r.Metrics.DeadlineMissesTotal.Inc()
			}
		}

		deadline := r.Interval * time.Duration(r.TKO)
		if elapsed > deadline {
			r.Log.Error("paceloop: tick missed eviction-window deadline",
				zap.Duration("elapsed", elapsed), zap.Duration("deadline", deadline))
			if r.Paranoid && !r.Debug && r.Reboot != nil {
				return r.Reboot.Reboot()
			}
		}

		remaining := r.Interval - elapsed
		if remaining < 0 {
			remaining = 0
		}

		select {
		case <-ctx.Done():
			return nil
		default:
			sleep(remaining)
		}
	}
}

// WallClock is the Clock implementation used in production: wall-clock
// Now() in seconds, or monotonic uptime seconds when useUptime is set
// (spec §3 "Timestamp").
type WallClock struct {
	useUptime bool
	bootTime  time.Time
}

// NewWallClock constructs a WallClock. When useUptime is true, Now()
// reports seconds since boot (bootTime) instead of epoch seconds, avoiding
// NTP step discontinuities in the StatusBlock Timestamp field.
func NewWallClock(useUptime bool, bootTime time.Time) *WallClock {
	return &WallClock{useUptime: useUptime, bootTime: bootTime}
}

func (c *WallClock) Now() uint64 {
	n := time.Now()
	if c.useUptime {
		return uint64(n.Sub(c.bootTime).Seconds())
	}
	return uint64(n.Unix())
}
