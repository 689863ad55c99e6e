// Package elector implements the Elector (spec §4.3): master discovery,
// the per-tick local status update algorithm, bid/vote arbitration, and
// master-conflict abdication. It is the only component that decides this
// node's own State/Msg/Seq.
package elector

import (
	"go.uber.org/zap"

	"quorumd/internal/audit"
	"quorumd/internal/nodetable"
	"quorumd/internal/observability"
	"quorumd/internal/protocol"
)

// ScoreProvider is the external scoring subsystem (spec §9 "Scoring").
type ScoreProvider interface {
	Score() (current, max int)
}

// Membership is the subset of the external membership service the elector
// drives directly (spec §6).
type Membership interface {
	PollQuorumDevice(ok bool) error
	NodeList() (map[int]bool, error)
}

// Rebooter lets the elector trigger the score-collapse self-reboot path
// (spec §4.3 step 2, gated on the REBOOT flag).
type Rebooter interface {
	Reboot() error
}

// State is this node's own election state, owned by the caller (the
// paceloop/daemon) and mutated in place every tick.
type State struct {
	Status          protocol.State
	Msg             protocol.Message
	Arg             uint32
	Seq             uint64
	Mask            protocol.Mask
	MasterMask      protocol.Mask
	UpgradeCooldown int
	BidPending      bool
	BidAge          int
	Master          int // elected master id, 0 if none
}

// Config is the static-per-tick configuration the elector consults.
// Fields mirror LocalContext (spec §3).
type Config struct {
	MyID        int
	ScoreMin    int // configured_min; <=0 means derive from max/2+1
	UpgradeWait int
	MasterWait  int
	Votes       int // explicit vote threshold; 0 means "unanimous"
	Reboot      bool
}

// Tick runs one full elector pass over table and mutates st in place
// (spec §4.3 "Local status update each tick"). auditDB may be nil, in
// which case election events are simply not ledgered.
func Tick(table *nodetable.Table, st *State, cfg Config, score ScoreProvider, membership Membership, reboot Rebooter, log *zap.Logger, metrics *observability.Metrics, auditDB *audit.DB) {
	current, max := score.Score()
	scoreReq := cfg.ScoreMin
	if scoreReq <= 0 {
		scoreReq = max/2 + 1
	}
	if metrics != nil {
		metrics.Score.Set(float64(current))
		metrics.ScoreReq.Set(float64(scoreReq))
	}

	if current < scoreReq {
		downgradeForInsufficientScore(st, cfg, membership, reboot, log)
		return
	}

	upgradeIfIdle(st, cfg)

	masterID, lowID, masterCount := Discover(table, cfg.MyID, st.Status)
	st.Master = masterID

	if st.Status == protocol.StateMaster && masterCount > 1 {
		// Another node also claims MASTER: rediscover without our own claim
		// so st.Master names the other claimant, then step down.
		masterID, lowID, _ = Discover(table, cfg.MyID, protocol.StateRun)
		st.Master = masterID
		abdicate(st, cfg, metrics, auditDB, log)
	}

	if st.UpgradeCooldown > 0 {
		st.UpgradeCooldown--
	}

	decideAction(table, st, cfg, masterID, lowID, membership, log, metrics, auditDB)

	if metrics != nil {
		metrics.MasterID.Set(float64(st.Master))
	}
}

// appendAudit writes an election-event ledger entry, logging (not
// failing) on error — the audit ledger is diagnostic, never load-bearing
// for the protocol itself.
func appendAudit(a *audit.DB, log *zap.Logger, entry audit.Entry) {
	if a == nil {
		return
	}
	if err := a.Append(entry); err != nil {
		log.Warn("elector: audit append failed", zap.String("kind", string(entry.Kind)), zap.Error(err))
	}
}

func downgradeForInsufficientScore(st *State, cfg Config, membership Membership, reboot Rebooter, log *zap.Logger) {
	st.Mask.Clear(cfg.MyID)
	if st.Status > protocol.StateNone {
		st.Status = protocol.StateNone
		st.Msg = protocol.MsgNone
		st.Seq++
		st.BidPending = false
		st.BidAge = 0
		log.Warn("elector: score below threshold, downgrading to NONE", zap.Int("node_id", cfg.MyID))
	}
	if membership != nil {
		if err := membership.PollQuorumDevice(false); err != nil {
			log.Warn("elector: poll_quorum_device(false) failed", zap.Error(err))
		}
	}
	if cfg.Reboot && reboot != nil {
		log.Error("elector: score collapse with REBOOT flag set, rebooting")
		_ = reboot.Reboot()
	}
}

func upgradeIfIdle(st *State, cfg Config) {
	st.Mask.Set(cfg.MyID)
	if st.Status == protocol.StateNone {
		st.Status = protocol.StateRun
		st.UpgradeCooldown = cfg.UpgradeWait
		st.BidPending = false
		st.BidAge = 0
		st.Msg = protocol.MsgNone
	}
}

func abdicate(st *State, cfg Config, metrics *observability.Metrics, auditDB *audit.DB, log *zap.Logger) {
	log.Warn("elector: master conflict detected, abdicating", zap.Int("node_id", cfg.MyID), zap.Int("claimed_master", st.Master))
	claimedMaster := st.Master
	st.Status = protocol.StateRun
	st.UpgradeCooldown = cfg.UpgradeWait
	st.BidPending = false
	st.BidAge = 0
	st.Msg = protocol.MsgNone
	if metrics != nil {
		metrics.AbdicationsTotal.Inc()
	}
	appendAudit(auditDB, log, audit.Entry{
		NodeID: cfg.MyID, Kind: audit.EventAbdication, Target: claimedMaster, Seq: st.Seq,
		Detail: "master conflict detected",
	})
}

func decideAction(table *nodetable.Table, st *State, cfg Config, masterID, lowID int, membership Membership, log *zap.Logger, metrics *observability.Metrics, auditDB *audit.DB) {
	switch {
	case masterID == 0 && cfg.MyID == lowID && st.Status == protocol.StateRun && !st.BidPending && st.UpgradeCooldown == 0:
		st.Msg = protocol.MsgBid
		st.Seq++
		st.BidPending = true
		st.BidAge = 1
		if metrics != nil {
			metrics.BidsTotal.Inc()
		}
		appendAudit(auditDB, log, audit.Entry{NodeID: cfg.MyID, Kind: audit.EventBid, Seq: st.Seq})

	case masterID == 0 && !st.BidPending:
		doVote(table, st, cfg, metrics, auditDB, log)

	case masterID == 0 && st.BidPending:
		st.BidAge++
		checkVotes(table, st, cfg, log, metrics, auditDB)

	case st.Status == protocol.StateMaster && masterID == cfg.MyID:
		applyAsMaster(table, st, cfg, membership, log)

	case st.Status == protocol.StateRun && masterID != 0 && masterID != cfg.MyID:
		masterRec := table.Get(masterID)
		if masterRec.Status.MasterMask.IsSet(cfg.MyID) && membership != nil {
			if err := membership.PollQuorumDevice(true); err != nil {
				log.Warn("elector: poll_quorum_device(true) failed", zap.Error(err))
			}
		}
	}
}

func applyAsMaster(table *nodetable.Table, st *State, cfg Config, membership Membership, log *zap.Logger) {
	if membership == nil {
		return
	}
	live, err := membership.NodeList()
	if err != nil {
		log.Warn("elector: node_list_with_membership failed", zap.Error(err))
	} else {
		var liveMask protocol.Mask
		for id, ok := range live {
			if ok {
				liveMask.Set(id)
			}
		}
		st.MasterMask = st.Mask.Intersect(liveMask)
	}
	if err := membership.PollQuorumDevice(true); err != nil {
		log.Warn("elector: poll_quorum_device(true) failed", zap.Error(err))
	}
}

// Discover walks the table (and this node's own reported status) computing
// (master_id, low_id, master_count) per spec §4.3 "Master discovery".
// low_id is seeded with myID, as the spec specifies, then lowered by any
// peer believed running with a smaller id; myID's own belief participates
// in the same scan so a self-claimed MASTER status is found exactly like
// any peer's.
func Discover(table *nodetable.Table, myID int, myStatus protocol.State) (masterID, lowID, masterCount int) {
	lowID = myID
	for id := 1; id <= protocol.MaxNodes; id++ {
		belief := myStatus
		reported := myStatus
		if id != myID {
			rec := table.Get(id)
			belief = rec.State
			reported = rec.Status.State
		}
		if belief < protocol.StateRun {
			continue
		}
		if id < lowID {
			lowID = id
		}
		if reported == protocol.StateMaster {
			masterCount++
			if masterID == 0 || id < masterID {
				masterID = id
			}
		}
	}
	return masterID, lowID, masterCount
}

// doVote scans for peers bidding with an id below ours and votes ACK for
// the lowest such bidder (spec §4.3 "No master, no bid in flight").
func doVote(table *nodetable.Table, st *State, cfg Config, metrics *observability.Metrics, auditDB *audit.DB, log *zap.Logger) {
	lowestBidder := 0
	var theirSeq uint64
	table.Each(cfg.MyID, func(id int, rec *nodetable.Record) {
		if rec.Status.Msg == protocol.MsgBid && id < cfg.MyID {
			if lowestBidder == 0 || id < lowestBidder {
				lowestBidder = id
				theirSeq = rec.Status.Seq
			}
		}
	})
	if lowestBidder == 0 {
		return
	}
	st.Msg = protocol.MsgAck
	st.Arg = uint32(lowestBidder)
	// seq must stay monotonic for our own writes (invariant 4); align to
	// the bidder's seq without ever moving backwards.
	if theirSeq+1 > st.Seq {
		st.Seq = theirSeq + 1
	} else {
		st.Seq++
	}
	if metrics != nil {
		metrics.AcksTotal.Inc()
	}
	appendAudit(auditDB, log, audit.Entry{NodeID: cfg.MyID, Kind: audit.EventAck, Target: lowestBidder, Seq: st.Seq})
}

// checkVotes evaluates the outcome of an in-flight bid (spec §4.3
// "No master, bid in flight"): unanimous ACKs, any NACK, a lower-id
// competing bidder, or "wait another tick".
func checkVotes(table *nodetable.Table, st *State, cfg Config, log *zap.Logger, metrics *observability.Metrics, auditDB *audit.DB) {
	var acks, nacks, runningPeers int
	lowerBidder := false

	table.Each(cfg.MyID, func(id int, rec *nodetable.Record) {
		if rec.State >= protocol.StateInit {
			runningPeers++
		}
		if rec.Status.Msg == protocol.MsgAck && rec.Status.Arg == uint32(cfg.MyID) {
			acks++
		}
		if rec.Status.Msg == protocol.MsgNack && rec.Status.Arg == uint32(cfg.MyID) {
			nacks++
		}
		if rec.Status.Msg == protocol.MsgBid && id < cfg.MyID {
			lowerBidder = true
		}
	})

	switch {
	case nacks > 0:
		st.Msg = protocol.MsgNone
		st.BidPending = false
		st.BidAge = 0
		if metrics != nil {
			metrics.NacksTotal.Inc()
		}

	case lowerBidder:
		doVote(table, st, cfg, metrics, auditDB, log)
		st.BidPending = false
		st.BidAge = 0

	case acks >= requiredVotes(cfg, runningPeers):
		if st.BidAge >= cfg.MasterWait {
			st.Status = protocol.StateMaster
			st.Msg = protocol.MsgNone
			st.BidPending = false
			st.BidAge = 0
			log.Info("elector: promoted to MASTER", zap.Int("node_id", cfg.MyID))
			appendAudit(auditDB, log, audit.Entry{NodeID: cfg.MyID, Kind: audit.EventPromotion, Seq: st.Seq})
		}

	default:
		// wait another tick
	}
}

func requiredVotes(cfg Config, runningPeers int) int {
	if cfg.Votes > 0 {
		return cfg.Votes
	}
	return runningPeers
}
