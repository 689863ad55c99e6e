// Package scanner implements the per-tick peer status scan (spec §4.1):
// read every node's StatusBlock, rotate the inbound message, and maintain
// each peer's liveness counters (misses/seen/last_seen). It never decides
// what a miss or a fresh timestamp means for the peer's believed state —
// that is the Transitioner's job (internal/transition).
package scanner

import (
	"strconv"

	"quorumd/internal/nodetable"
	"quorumd/internal/observability"
	"quorumd/internal/protocol"

	"go.uber.org/zap"
)

// Disk is the subset of blockdev.Disk the scanner needs. Reading is the
// only disk operation performed in this component.
type Disk interface {
	ReadBlock(nodeID int) (protocol.StatusBlock, error)
}

// SelfCheckFunc is invoked with our own just-read block whenever the
// scanner encounters node_id == myID (spec §4.7). Its reboot/log decisions
// live with the caller (internal/daemon), which has the config flags and
// sysutil wiring the scanner itself deliberately does not depend on.
type SelfCheckFunc func(self protocol.StatusBlock)

// Scan reads every slot in [1, protocol.MaxNodes] and updates table
// accordingly. Read failures are logged and that slot is skipped for this
// tick — the record is left exactly as it was (spec §4.1 "On I/O failure:
// log and skip").
func Scan(disk Disk, table *nodetable.Table, myID int, log *zap.Logger, metrics *observability.Metrics, onSelf SelfCheckFunc) {
	for id := 1; id <= protocol.MaxNodes; id++ {
		block, err := disk.ReadBlock(id)
		if err != nil {
			log.Warn("scanner: block read failed, skipping slot", zap.Int("node_id", id), zap.Error(err))
			if metrics != nil {
				metrics.BlockReadFailuresTotal.WithLabelValues(strconv.Itoa(id)).Inc()
			}
			continue
		}

		if id == myID {
			if onSelf != nil {
				onSelf(block)
			}
			continue
		}

		scanPeer(table.Get(id), block, log, metrics, id)
	}
}

func scanPeer(peer *nodetable.Record, block protocol.StatusBlock, log *zap.Logger, metrics *observability.Metrics, id int) {
	peer.LastMsg = peer.Status.Msg // rotate: previous tick's msg, before we overwrite it
	peer.Status = block

	if block.State < protocol.StateInit {
		// The peer itself hasn't started (still pre-INIT, e.g. before its
		// own quorum_init writes a first block): nothing to count yet. Note
		// this gates on the freshly-read block's self-reported state, not
		// our belief — our belief is what Rule 4 (offline->online) is
		// waiting on Seen to eventually flip, so it can't also gate Seen.
		return
	}

	if block.Timestamp == peer.LastSeen {
		peer.Misses++
		if peer.Misses > 1 {
			log.Warn("scanner: peer timestamp stalled", zap.Int("node_id", id), zap.Int("misses", peer.Misses))
		}
	} else {
		peer.Misses = 0
		peer.Seen++
		peer.LastSeen = block.Timestamp
	}

	if metrics != nil {
		metrics.SetPeerCounters(id, peer.Misses, peer.Seen)
	}
}
