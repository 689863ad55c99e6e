// Package transition implements the Transitioner (spec §4.2): the six
// "first matching rule" transitions applied to every peer record each
// tick, plus the local visibility mask maintenance that goes with them.
package transition

import (
	"go.uber.org/zap"

	"quorumd/internal/audit"
	"quorumd/internal/nodetable"
	"quorumd/internal/observability"
	"quorumd/internal/protocol"
)

// Killer is the subset of the membership client needed to evict an undead
// or timed-out peer (spec §4.2 rules 2 and 3).
type Killer interface {
	KillNode(nodeID int) error
}

// Writer is the subset of blockdev.Disk needed to write an eviction block
// for a peer on the master's behalf.
type Writer interface {
	WriteBlock(nodeID int, b protocol.StatusBlock) error
}

// Deps bundles the Transitioner's external collaborators and local
// configuration. AllowKill and IsMaster are read fresh by the caller each
// tick since both can change tick-to-tick (score collapse, evictions).
type Deps struct {
	MyID       int
	TKO        int
	TKOUp      int
	AllowKill  bool
	IsMaster   bool
	Disk       Writer
	Membership Killer
	Log        *zap.Logger
	Audit      *audit.DB
	Metrics    *observability.Metrics
}

// Apply walks every peer slot except myID and applies the first matching
// rule from spec §4.2. mask is the local visibility mask; it may be nil
// during quorum_init (spec §4.6 step 5), in which case only table state is
// touched.
func Apply(table *nodetable.Table, mask *protocol.Mask, d Deps) {
	table.Each(d.MyID, func(id int, peer *nodetable.Record) {
		applyOne(id, peer, mask, d)
	})
}

func applyOne(id int, peer *nodetable.Record, mask *protocol.Mask, d Deps) {
	status := peer.Status

	// Rule 1: online -> offline (observed eviction confirmed, or restart).
	restarted := peer.Incarnation != 0 && status.Incarnation != peer.Incarnation
	evictionObserved := peer.State >= protocol.StateEvict && status.State <= protocol.StateEvict && status.State == protocol.StateEvict
	if evictionObserved || restarted {
		peer.Incarnation = 0
		peer.Seen = 0
		peer.Misses = 0
		peer.State = protocol.StateNone
		clearBit(mask, id)
		if restarted {
			peer.EvilIncarnation = 0
		}
		return
	}

	// Rule 2: online -> evicted (heartbeat timeout).
	peerRunning := status.State >= protocol.StateInit && status.State < protocol.StateEvict
	if peer.Misses > d.TKO && peerRunning {
		evict(id, peer, d, "heartbeat timeout", false)
		clearBit(mask, id)
		return
	}

	// Rule 3: undead detection.
	if peer.EvilIncarnation != 0 && peer.EvilIncarnation == status.Incarnation {
		d.Log.Error("transition: undead peer re-evicted", zap.Int("node_id", id), zap.Uint64("incarnation", status.Incarnation))
		evict(id, peer, d, "undead", true)
		clearBit(mask, id)
		return
	}

	// Rule 4: offline -> online.
	if peer.Seen > d.TKOUp && peer.State < protocol.StateInit {
		peer.State = protocol.StateRun
		peer.Incarnation = status.Incarnation
		setBit(mask, id)
		return
	}

	// Rule 5: run -> master.
	if peer.State == protocol.StateRun && status.State == protocol.StateMaster {
		peer.State = protocol.StateMaster
		setBit(mask, id)
		return
	}

	// Rule 6: fallthrough — believed running, accept self-reported state.
	if peer.State >= protocol.StateInit {
		peer.State = status.State
		setBit(mask, id)
	}
}

// evict writes an EVICT block for the peer (if we are master), optionally
// kills it via the membership service, and updates our own bookkeeping
// regardless of master role (spec §4.2 rules 2, 3). undead distinguishes
// rule 3's re-eviction of a peer that never heeded a prior eviction from
// rule 2's ordinary heartbeat-timeout eviction, for metrics and the audit
// ledger (spec §8 S4/S6 diagnosis).
func evict(id int, peer *nodetable.Record, d Deps, reason string, undead bool) {
	if d.IsMaster && d.Disk != nil {
		block := peer.Status
		block.NodeID = uint32(id)
		block.State = protocol.StateEvict
		block.UpdateNode = uint32(d.MyID)
		if err := d.Disk.WriteBlock(id, block); err != nil {
			d.Log.Warn("transition: eviction write failed", zap.Int("node_id", id), zap.Error(err))
		}
		if d.AllowKill && d.Membership != nil {
			if err := d.Membership.KillNode(id); err != nil {
				d.Log.Warn("transition: kill_node failed", zap.Int("node_id", id), zap.Error(err))
			}
		}
	}
	peer.State = protocol.StateEvict
	peer.Status.State = protocol.StateEvict
	peer.EvilIncarnation = peer.Status.Incarnation
	d.Log.Warn("transition: peer evicted", zap.Int("node_id", id), zap.String("reason", reason))

	if d.Metrics != nil {
		if undead {
			d.Metrics.UndeadDetectionsTotal.Inc()
		} else {
			d.Metrics.EvictionsTotal.Inc()
		}
	}
	if d.Audit != nil {
		kind := audit.EventEviction
		if undead {
			kind = audit.EventUndead
		}
		entry := audit.Entry{NodeID: d.MyID, Kind: kind, Target: id, Seq: peer.Status.Seq, Detail: reason}
		if err := d.Audit.Append(entry); err != nil {
			d.Log.Warn("transition: audit append failed", zap.Int("node_id", id), zap.Error(err))
		}
	}
}

func setBit(mask *protocol.Mask, id int) {
	if mask != nil {
		mask.Set(id)
	}
}

func clearBit(mask *protocol.Mask, id int) {
	if mask != nil {
		mask.Clear(id)
	}
}
