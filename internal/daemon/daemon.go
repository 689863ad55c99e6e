// Package daemon wires the protocol components together: quorum_init
// (spec §4.6), the self-check callback (spec §4.7), the steady-state tick
// loop with config hot-reload, and graceful shutdown (spec §5, §6, §7).
// Grounded on the teacher's cmd/octoreflex/main.go startup/shutdown
// sequencing, factored out of main() so it is independently testable.
package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quorumd/internal/audit"
	"quorumd/internal/blockdev"
	"quorumd/internal/config"
	"quorumd/internal/elector"
	"quorumd/internal/localstate"
	"quorumd/internal/membership"
	"quorumd/internal/nodetable"
	"quorumd/internal/observability"
	"quorumd/internal/paceloop"
	"quorumd/internal/protocol"
	"quorumd/internal/scanner"
	"quorumd/internal/scoring"
	"quorumd/internal/sysutil"
	"quorumd/internal/transition"
)

// Daemon owns every long-lived collaborator for one quorumd process: the
// open disk, the NodeTable, the scoring provider, the membership client,
// the audit ledger, and this node's own election state.
type Daemon struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics

	disk    *blockdev.Disk
	table   *nodetable.Table
	score   scoring.Provider
	member  *membership.Client
	auditDB *audit.DB

	clock       *paceloop.WallClock
	incarnation uint64
	state       *elector.State

	reloadCh chan *config.Config
	cancel   context.CancelFunc

	shutdownOnce bool
}

// New performs quorum_init steps 1-4 (spec §4.6): validates and opens the
// disk, starts the score provider (or falls back to static 1/1), resets
// the NodeTable, and writes this node's initial INIT block. Step 5 (the
// tko-tick warm-up loop) is WarmUp, run separately so callers can bound it
// with their own context.
func New(cfg *config.Config, log *zap.Logger, metrics *observability.Metrics) (*Daemon, error) {
	target := cfg.Device
	if target == "" {
		target = cfg.Label
	}
	devicePath, err := blockdev.ResolveDevice(target)
	if err != nil {
		return nil, fmt.Errorf("daemon: resolve device: %w", err)
	}
	disk, err := blockdev.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open disk: %w", err)
	}

	provider, err := scoring.Get(cfg.Scoring.Provider)
	if err != nil {
		log.Warn("daemon: configured scoring provider unavailable, falling back to static 1/1", zap.Error(err))
		provider = scoring.Static{}
	}

	member := membership.New(cfg.Membership.SocketPath, cfg.Membership.DialTimeout, cfg.Membership.CallTimeout)

	auditDB, err := audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays, metrics)
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("daemon: open audit ledger: %w", err)
	}

	bootTime := time.Now()
	clock := paceloop.NewWallClock(cfg.Flags.UseUptime, bootTime)
	now := clock.Now()

	d := &Daemon{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		disk:        disk,
		table:       nodetable.New(now),
		score:       provider,
		member:      member,
		auditDB:     auditDB,
		clock:       clock,
		incarnation: uint64(bootTime.UnixNano()),
		state:       &elector.State{Status: protocol.StateInit},
		reloadCh:    make(chan *config.Config, 1),
	}

	current, max := provider.Score()
	scoreReq := cfg.ScoreMin
	if scoreReq <= 0 {
		scoreReq = max/2 + 1
	}
	snap := localstate.Snapshot{Incarnation: d.incarnation, Score: current, ScoreReq: scoreReq, ScoreMax: max}
	if _, err := localstate.WriteOwnBlock(disk, cfg.MyID, d.state, snap, now); err != nil {
		_ = disk.Close()
		_ = auditDB.Close()
		return nil, fmt.Errorf("daemon: write initial INIT block: %w", err)
	}

	log.Info("daemon: quorum_init steps 1-4 complete",
		zap.Int("node_id", cfg.MyID), zap.String("device", devicePath), zap.String("scoring_provider", provider.Name()))
	return d, nil
}

// WarmUp runs quorum_init step 5 (spec §4.6): for `tko` ticks, Scanner then
// Transitioner-without-mask then an INIT block write then a status dump,
// sleeping `interval` between each. This lets already-running peers become
// visible before the node starts bidding, avoiding a simultaneous-start
// race. On completion this node transitions itself from INIT to RUN.
func (d *Daemon) WarmUp(ctx context.Context) error {
	deps := transition.Deps{
		MyID:       d.cfg.MyID,
		TKO:        d.cfg.TKO,
		TKOUp:      d.cfg.TKOUp,
		AllowKill:  false,
		IsMaster:   false,
		Disk:       d.disk,
		Membership: d.member,
		Log:        d.log,
		Audit:      d.auditDB,
		Metrics:    d.metrics,
	}

	var snap localstate.Snapshot
	for i := 0; i < d.cfg.TKO; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		scanner.Scan(d.disk, d.table, d.cfg.MyID, d.log, d.metrics, nil)
		transition.Apply(d.table, nil, deps)

		current, max := d.score.Score()
		scoreReq := d.cfg.ScoreMin
		if scoreReq <= 0 {
			scoreReq = max/2 + 1
		}
		snap = localstate.Snapshot{Incarnation: d.incarnation, Score: current, ScoreReq: scoreReq, ScoreMax: max}

		now := d.clock.Now()
		if _, err := localstate.WriteOwnBlock(d.disk, d.cfg.MyID, d.state, snap, now); err != nil {
			return fmt.Errorf("daemon: warm-up write (tick %d/%d): %w", i+1, d.cfg.TKO, err)
		}
		if d.cfg.StatusFile != "" {
			if err := localstate.DumpStatus(d.cfg.StatusFile, d.cfg.MyID, d.state, d.table, snap, d.cfg.Flags.Debug, now); err != nil {
				d.log.Warn("daemon: warm-up status dump failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Interval):
		}
	}

	d.state.Status = protocol.StateRun
	d.state.Seq++
	if _, err := localstate.WriteOwnBlock(d.disk, d.cfg.MyID, d.state, snap, d.clock.Now()); err != nil {
		return fmt.Errorf("daemon: warm-up RUN write: %w", err)
	}
	d.log.Info("daemon: warm-up complete, transitioning to RUN", zap.Int("node_id", d.cfg.MyID))
	return nil
}

// Run registers with the membership service and drives the steady-state
// tick loop (spec §4.4) until ctx is cancelled, a tick fails outright, or
// a self-check EMERG stops the loop. It always attempts a graceful
// shutdown on the way out (spec §6 "Exit behavior"). The loop itself is
// paceloop.Runner.Run — the same loop paceloop_test.go exercises — with
// the SIGHUP reload check and the paranoid-reboot shutdown hook wired in
// via Runner.ReloadCheck and a Rebooter wrapper, so there is exactly one
// implementation of the tick/deadline/sleep logic.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if d.cfg.Label != "" {
		if err := d.member.RegisterQuorumDevice(d.cfg.Label, d.cfg.Votes); err != nil {
			d.log.Warn("daemon: register_quorum_device failed", zap.Error(err))
		}
	}

	runner := d.newRunner()
	runner.ReloadCheck = func() {
		select {
		case next := <-d.reloadCh:
			d.applyReload(runner, next)
		default:
		}
	}
	runner.Reboot = shutdownBeforeReboot{d: d, inner: runner.Reboot}

	err := runner.Run(ctx, d.state)
	if err != nil {
		d.log.Error("daemon: tick loop exited with error", zap.Error(err))
		_ = d.shutdown("tick error")
		return err
	}
	return d.shutdown("context cancelled")
}

// shutdownBeforeReboot wraps the paranoid-deadline-miss Rebooter so the
// graceful-exit sequence (final NONE write, membership unregister, disk
// and ledger close) still runs before the process reboots.
type shutdownBeforeReboot struct {
	d     *Daemon
	inner paceloop.Rebooter
}

func (s shutdownBeforeReboot) Reboot() error {
	_ = s.d.shutdown("paranoid deadline miss")
	return s.inner.Reboot()
}

// RequestReload queues a validated config for hot-reload application at
// the top of the next tick (spec's SIGHUP contract, §9 config surface).
// A still-pending older request is dropped with a warning and replaced by
// next, rather than blocking the signal handler.
func (d *Daemon) RequestReload(next *config.Config) {
	for {
		select {
		case d.reloadCh <- next:
			return
		default:
		}
		select {
		case <-d.reloadCh:
			d.log.Warn("daemon: reload already pending, replacing it with newer request")
		default:
		}
	}
}

func (d *Daemon) applyReload(runner *paceloop.Runner, next *config.Config) {
	config.ApplyReload(d.cfg, next)

	runner.Interval = d.cfg.Interval
	runner.TKO = d.cfg.TKO
	runner.Paranoid = d.cfg.Flags.Paranoid
	runner.Debug = d.cfg.Flags.Debug
	runner.StatusFile = d.cfg.StatusFile
	runner.Transition.TKO = d.cfg.TKO
	runner.Transition.TKOUp = d.cfg.TKOUp
	runner.Transition.AllowKill = d.cfg.Flags.AllowKill
	runner.ElectorCfg.ScoreMin = d.cfg.ScoreMin
	runner.ElectorCfg.UpgradeWait = d.cfg.UpgradeWait
	runner.ElectorCfg.MasterWait = d.cfg.MasterWait
	runner.ElectorCfg.Votes = d.cfg.Votes
	runner.ElectorCfg.Reboot = d.cfg.Flags.Reboot

	if provider, err := scoring.Get(d.cfg.Scoring.Provider); err != nil {
		d.log.Warn("daemon: reload requested unknown scoring provider, keeping previous", zap.Error(err))
	} else {
		d.score = provider
		runner.Score = provider
	}

	d.member = membership.New(d.cfg.Membership.SocketPath, d.cfg.Membership.DialTimeout, d.cfg.Membership.CallTimeout)
	runner.Membership = d.member
	runner.Transition.Membership = d.member

	d.log.Info("daemon: config hot-reload applied")
}

func (d *Daemon) newRunner() *paceloop.Runner {
	return &paceloop.Runner{
		Disk:       d.disk,
		Table:      d.table,
		MyID:       d.cfg.MyID,
		Interval:   d.cfg.Interval,
		TKO:        d.cfg.TKO,
		Paranoid:   d.cfg.Flags.Paranoid,
		Debug:      d.cfg.Flags.Debug,
		StatusFile: d.cfg.StatusFile,
		Clock:      d.clock,
		Mask:       &d.state.Mask,
		Transition: transition.Deps{
			MyID:       d.cfg.MyID,
			TKO:        d.cfg.TKO,
			TKOUp:      d.cfg.TKOUp,
			AllowKill:  d.cfg.Flags.AllowKill,
			Membership: d.member,
			Log:        d.log,
			Audit:      d.auditDB,
			Metrics:    d.metrics,
		},
		ElectorCfg: elector.Config{
			MyID:        d.cfg.MyID,
			ScoreMin:    d.cfg.ScoreMin,
			UpgradeWait: d.cfg.UpgradeWait,
			MasterWait:  d.cfg.MasterWait,
			Votes:       d.cfg.Votes,
			Reboot:      d.cfg.Flags.Reboot,
		},
		Score:       d.score,
		Membership:  d.member,
		Reboot:      rebooter{},
		SelfCheck:   d.selfCheckFunc(),
		Incarnation: d.incarnation,
		Log:         d.log,
		Metrics:     d.metrics,
		Audit:       d.auditDB,
	}
}

// selfCheckFunc implements spec §4.7: when the Scanner reads our own slot
// back, updatenode != my_id means some other node wrote it. A foreign
// EVICT write means we were fenced while unresponsive and must reboot;
// any other foreign write is unexplained and fatal (EMERG, stop).
func (d *Daemon) selfCheckFunc() scanner.SelfCheckFunc {
	return func(self protocol.StatusBlock) {
		if self.UpdateNode == 0 || self.UpdateNode == uint32(d.cfg.MyID) {
			return
		}

		if self.State == protocol.StateEvict {
			d.log.Error("daemon: self-check observed foreign eviction write, rebooting",
				zap.Uint32("writer", self.UpdateNode))
			if d.auditDB != nil {
				_ = d.auditDB.Append(audit.Entry{
					NodeID: d.cfg.MyID, Kind: audit.EventEviction,
					Target: int(self.UpdateNode), Seq: self.Seq,
					Detail: "fenced by foreign write while unresponsive",
				})
			}
			if !d.cfg.Flags.Debug {
				if err := sysutil.Reboot(); err != nil {
					d.log.Error("daemon: self-check reboot failed", zap.Error(err))
				}
			}
			return
		}

		d.log.Error("daemon: EMERG unexpected foreign write to own slot",
			zap.Uint32("writer", self.UpdateNode), zap.Stringer("state", self.State))
		d.requestStop("self-check EMERG: unexpected foreign write")
	}
}

func (d *Daemon) requestStop(reason string) {
	d.log.Error("daemon: requesting stop", zap.String("reason", reason))
	if d.cancel != nil {
		d.cancel()
	}
}

// shutdown implements the clean-exit contract (spec §6 "Exit behavior",
// §5 "the daemon completes the current tick, writes a final StatusBlock
// with state = NONE, then exits"): final NONE write, membership
// unregistration, disk and ledger release.
func (d *Daemon) shutdown(reason string) error {
	if d.shutdownOnce {
		return nil
	}
	d.shutdownOnce = true

	d.log.Info("daemon: shutting down", zap.String("reason", reason))

	d.state.Status = protocol.StateNone
	d.state.Msg = protocol.MsgNone
	d.state.Seq++
	now := d.clock.Now()
	if _, err := localstate.WriteOwnBlock(d.disk, d.cfg.MyID, d.state, localstate.Snapshot{Incarnation: d.incarnation}, now); err != nil {
		d.log.Warn("daemon: final NONE write failed", zap.Error(err))
	}

	if err := d.member.UnregisterQuorumDevice(); err != nil {
		d.log.Warn("daemon: unregister_quorum_device failed", zap.Error(err))
	}

	if err := d.disk.Close(); err != nil {
		d.log.Warn("daemon: disk close failed", zap.Error(err))
	}
	if err := d.auditDB.Close(); err != nil {
		d.log.Warn("daemon: audit db close failed", zap.Error(err))
	}

	return nil
}

// Shutdown requests cluster shutdown via the membership service on a
// fatal initialization failure (spec §6 "On fatal init failure with
// stop_cman flag: request cluster shutdown; if that fails, reboot").
func Shutdown(cfg *config.Config, log *zap.Logger) error {
	member := membership.New(cfg.Membership.SocketPath, cfg.Membership.DialTimeout, cfg.Membership.CallTimeout)
	if err := member.Shutdown(); err != nil {
		log.Error("daemon: cluster shutdown request failed, rebooting", zap.Error(err))
		return sysutil.Reboot()
	}
	return nil
}

type rebooter struct{}

func (rebooter) Reboot() error { return sysutil.Reboot() }
