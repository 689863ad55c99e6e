// Package nodetable holds the fixed-size array of per-peer records that
// the Scanner, Transitioner and Elector mutate each tick (spec §3, §9 "no
// cyclic references... flat array indexed by node_id - 1").
package nodetable

import "quorumd/internal/protocol"

// Record is the in-memory bookkeeping this node keeps about one peer.
// State is this node's *belief* about the peer, which may lag the peer's
// own self-reported Status.State (spec §3).
type Record struct {
	Status          protocol.StatusBlock // latest block read from this peer.
	LastMsg         protocol.Message     // previous tick's message, for edge detection.
	Incarnation     uint64               // last observed live incarnation (0 = none).
	EvilIncarnation uint64               // incarnation at which we evicted this peer (0 = none).
	LastSeen        uint64               // last observed Status.Timestamp.
	Misses          int                  // consecutive unchanged timestamps.
	Seen            int                  // consecutive successful (fresh) updates.
	State           protocol.State       // our belief about this peer's state.
}

// Table is the fixed-size array of peer records, indexed by node_id-1.
// Allocated once at startup (spec §3 "Lifecycle"); entries are reset, never
// removed, for the lifetime of the daemon.
type Table struct {
	records [protocol.MaxNodes]Record
}

// New allocates a Table with every slot reset, node_id set to slot+1 and
// LastSeen set to now (spec §4.6 step 3).
func New(now uint64) *Table {
	t := &Table{}
	for i := range t.records {
		t.records[i] = Record{
			Status:   protocol.StatusBlock{NodeID: uint32(i + 1)},
			LastSeen: now,
		}
	}
	return t
}

// Get returns a pointer to the record for nodeID (1-based). Panics if
// nodeID is out of [1, MaxNodes] — callers must validate node ids read from
// the disk before indexing (see Valid).
func (t *Table) Get(nodeID int) *Record {
	return &t.records[nodeID-1]
}

// Valid reports whether nodeID is in the supported range.
func Valid(nodeID int) bool {
	return nodeID >= 1 && nodeID <= protocol.MaxNodes
}

// Reset clears a single slot back to its post-allocation state: counters
// zeroed, incarnations cleared, belief set to NONE. Used on peer eviction
// completion or clean shutdown (spec §3 "Lifecycle").
func (t *Table) Reset(nodeID int, now uint64) {
	t.records[nodeID-1] = Record{
		Status:   protocol.StatusBlock{NodeID: uint32(nodeID)},
		LastSeen: now,
	}
}

// Each calls fn for every node id in [1, MaxNodes] except skip (typically
// the local node's own id), in ascending order.
func (t *Table) Each(skip int, fn func(nodeID int, rec *Record)) {
	for id := 1; id <= protocol.MaxNodes; id++ {
		if id == skip {
			continue
		}
		fn(id, &t.records[id-1])
	}
}
