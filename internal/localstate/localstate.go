// Package localstate is the LocalState component (spec §4.5): writing this
// node's own StatusBlock each tick and emitting the human-readable status
// file consumed by operators (spec §6 "Persisted state").
package localstate

import (
	"fmt"
	"io"
	"os"
	"sort"

	"quorumd/internal/elector"
	"quorumd/internal/nodetable"
	"quorumd/internal/protocol"
)

// Disk is the subset of blockdev.Disk needed to write our own slot.
type Disk interface {
	WriteBlock(nodeID int, b protocol.StatusBlock) error
}

// Snapshot carries the per-tick values LocalState needs but does not own:
// the incarnation (fixed at process start) and the score triple the
// elector already consulted this tick.
type Snapshot struct {
	Incarnation         uint64
	Score, ScoreReq, ScoreMax int
}

// WriteOwnBlock builds and writes this node's StatusBlock for the current
// tick (spec §4.5). The returned block is what was actually written, for
// callers that want to log or feed it straight back into the NodeTable's
// self-check bookkeeping in tests.
func WriteOwnBlock(disk Disk, myID int, st *elector.State, snap Snapshot, now uint64) (protocol.StatusBlock, error) {
	block := protocol.StatusBlock{
		NodeID:      uint32(myID),
		State:       st.Status,
		Msg:         st.Msg,
		Arg:         st.Arg,
		Incarnation: snap.Incarnation,
		Seq:         st.Seq,
		Timestamp:   now,
		UpdateNode:  uint32(myID),
		Score:       uint32(snap.Score),
		ScoreReq:    uint32(snap.ScoreReq),
		ScoreMax:    uint32(snap.ScoreMax),
	}
	if st.Status == protocol.StateMaster {
		block.MasterMask = st.MasterMask
	}
	if err := disk.WriteBlock(myID, block); err != nil {
		return block, fmt.Errorf("localstate: write own block: %w", err)
	}
	return block, nil
}

// DumpStatus writes the human-readable status file (spec §6): timestamp,
// node id, score, current state, initializing set, visible set, master id,
// quorate set, and (when debug is set) per-node records. path == "-" means
// stdout. The file is otherwise overwritten atomically via a temp-file
// rename so a concurrent reader never observes a half-written dump.
func DumpStatus(path string, myID int, st *elector.State, table *nodetable.Table, snap Snapshot, debug bool, now uint64) error {
	if path == "-" {
		return render(os.Stdout, myID, st, table, snap, debug, now)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("localstate: create status dump %q: %w", tmp, err)
	}
	if err := render(f, myID, st, table, snap, debug, now); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("localstate: close status dump %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("localstate: rename status dump %q -> %q: %w", tmp, path, err)
	}
	return nil
}

func render(w io.Writer, myID int, st *elector.State, table *nodetable.Table, snap Snapshot, debug bool, now uint64) error {
	initializing := statesAtLeast(table, myID, st, protocol.StateInit, protocol.StateRun)
	visible := st.Mask.Nodes()
	quorate := st.MasterMask.Nodes()

	if _, err := fmt.Fprintf(w, "timestamp: %d\n", now); err != nil {
		return err
	}
	fmt.Fprintf(w, "node_id: %d\n", myID)
	fmt.Fprintf(w, "score: %d/%d (req %d)\n", snap.Score, snap.ScoreMax, snap.ScoreReq)
	fmt.Fprintf(w, "state: %s\n", st.Status)
	fmt.Fprintf(w, "initializing: %v\n", initializing)
	fmt.Fprintf(w, "visible: %v\n", visible)
	fmt.Fprintf(w, "master_id: %d\n", st.Master)
	fmt.Fprintf(w, "quorate: %v\n", quorate)

	if !debug {
		return nil
	}
	fmt.Fprintln(w, "--- per-node records ---")
	var ids []int
	table.Each(myID, func(id int, rec *nodetable.Record) {
		ids = append(ids, id)
	})
	sort.Ints(ids)
	for _, id := range ids {
		rec := table.Get(id)
		fmt.Fprintf(w, "  node %d: belief=%s reported=%s misses=%d seen=%d incarnation=%d evil_incarnation=%d\n",
			id, rec.State, rec.Status.State, rec.Misses, rec.Seen, rec.Incarnation, rec.EvilIncarnation)
	}
	return nil
}

// statesAtLeast returns the sorted node ids (including self when
// applicable) whose believed state falls in [lo, hi).
func statesAtLeast(table *nodetable.Table, myID int, st *elector.State, lo, hi protocol.State) []int {
	var out []int
	if st.Status >= lo && st.Status < hi {
		out = append(out, myID)
	}
	table.Each(myID, func(id int, rec *nodetable.Record) {
		if rec.State >= lo && rec.State < hi {
			out = append(out, id)
		}
	})
	sort.Ints(out)
	return out
}
