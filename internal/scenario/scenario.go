// Package scenario is a deterministic, in-memory multi-node harness for
// the end-to-end scenarios and testable invariants of spec §8. It drives
// the real production components (scanner, transition, elector,
// paceloop, localstate) against a shared in-memory disk instead of a
// statistical model, in the spirit of the teacher's dominance simulator
// (cmd/octoreflex-sim) but exercising the actual protocol state machine.
package scenario

import (
	"fmt"

	"go.uber.org/zap"

	"quorumd/internal/elector"
	"quorumd/internal/nodetable"
	"quorumd/internal/paceloop"
	"quorumd/internal/protocol"
	"quorumd/internal/transition"
)

// MemDisk is a shared in-memory stand-in for blockdev.Disk: every
// simulated node's Runner reads and writes the same map, exactly as real
// nodes share one physical device.
type MemDisk map[int]protocol.StatusBlock

func (d MemDisk) ReadBlock(nodeID int) (protocol.StatusBlock, error) {
	b, ok := d[nodeID]
	if !ok {
		return protocol.StatusBlock{NodeID: uint32(nodeID)}, nil
	}
	return b, nil
}

func (d MemDisk) WriteBlock(nodeID int, b protocol.StatusBlock) error {
	d[nodeID] = b
	return nil
}

// ToggleScore is a ScoreProvider whose current score can be changed
// mid-run, for simulating score collapse (spec §8 S5).
type ToggleScore struct {
	Current, Max int
}

func (s *ToggleScore) Score() (int, int) { return s.Current, s.Max }

// NoopMembership is a Membership/Killer stub: the scenarios in spec §8
// concern disk-mediated election, not the external membership service,
// so every call is a no-op success.
type NoopMembership struct{}

func (NoopMembership) PollQuorumDevice(bool) error       { return nil }
func (NoopMembership) NodeList() (map[int]bool, error)   { return nil, nil }
func (NoopMembership) KillNode(int) error                { return nil }

// NoopRebooter records whether it was invoked instead of actually
// rebooting anything, so scenarios can assert on reboot behavior.
type NoopRebooter struct{ Called bool }

func (r *NoopRebooter) Reboot() error {
	r.Called = true
	return nil
}

// Node is one simulated node: its own election state plus the paceloop
// Runner that drives it. Silent nodes are skipped by Scenario.Tick,
// simulating a dead or partitioned peer.
type Node struct {
	ID      int
	State   *elector.State
	Runner  *paceloop.Runner
	Score   *ToggleScore
	Reboot  *NoopRebooter
	Silent  bool
	History []protocol.StatusBlock // own block after each tick this node ran
}

// Config mirrors the handful of LocalContext fields spec §8's scenarios
// vary.
type Config struct {
	Interval    int // nominal; scenarios operate in tick units, not wall time
	TKO         int
	TKOUp       int
	MasterWait  int
	UpgradeWait int
	Votes       int
	AllowKill   bool
}

// Scenario is a shared disk plus a fixed set of simulated nodes.
type Scenario struct {
	Disk  MemDisk
	Nodes []*Node
	Log   *zap.Logger
	cfg   Config
}

// New builds a Scenario with n nodes (ids 1..n) sharing one MemDisk, each
// pegged at score 1/1 until a scenario mutates it.
func New(n int, cfg Config, log *zap.Logger) *Scenario {
	disk := MemDisk{}
	s := &Scenario{Disk: disk, Log: log, cfg: cfg}
	for id := 1; id <= n; id++ {
		score := &ToggleScore{Current: 1, Max: 1}
		reboot := &NoopRebooter{}
		table := nodetable.New(0)
		state := &elector.State{Status: protocol.StateRun}
		runner := &paceloop.Runner{
			Disk:  disk,
			Table: table,
			MyID:  id,
			Clock: fixedTickClock(0),
			Mask:  &state.Mask,
			Transition: transition.Deps{
				MyID: id, TKO: cfg.TKO, TKOUp: cfg.TKOUp, AllowKill: cfg.AllowKill,
				Membership: NoopMembership{}, Log: log,
			},
			ElectorCfg: elector.Config{
				MyID: id, UpgradeWait: cfg.UpgradeWait, MasterWait: cfg.MasterWait, Votes: cfg.Votes,
			},
			Score:      score,
			Membership: NoopMembership{},
			Reboot:     reboot,
			Log:        log,
		}
		s.Nodes = append(s.Nodes, &Node{ID: id, State: state, Runner: runner, Score: score, Reboot: reboot})
	}
	return s
}

type fixedTickClock uint64

func (c fixedTickClock) Now() uint64 { return uint64(c) }

// Tick runs one round: every non-silent node ticks once, in ascending id
// order (deterministic; matches spec §8's "same tick" scenario language).
func (s *Scenario) Tick() {
	for _, n := range s.Nodes {
		if n.Silent {
			continue
		}
		n.Runner.Clock = fixedTickClock(len(n.History) + 1)
		if _, err := n.Runner.Tick(n.State); err != nil {
			s.Log.Error("scenario: tick failed", zap.Int("node", n.ID), zap.Error(err))
			continue
		}
		n.History = append(n.History, s.Disk[n.ID])
	}
}

// Masters returns the ids of every node currently believing
// Status == StateMaster.
func (s *Scenario) Masters() []int {
	var ids []int
	for _, n := range s.Nodes {
		if n.State.Status == protocol.StateMaster {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Node looks up a simulated node by id.
func (s *Scenario) Node(id int) *Node {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// CheckMonotoneSeq verifies testable invariant 4 (spec §8): every node's
// successive own-block writes have non-decreasing seq.
func (s *Scenario) CheckMonotoneSeq() error {
	for _, n := range s.Nodes {
		for i := 1; i < len(n.History); i++ {
			if n.History[i].Seq < n.History[i-1].Seq {
				return fmt.Errorf("node %d: seq regressed from %d to %d at tick %d",
					n.ID, n.History[i-1].Seq, n.History[i].Seq, i)
			}
		}
	}
	return nil
}

// CheckSingleMasterAt verifies testable invariant 1 at the current
// moment: at most one node believes itself MASTER. tick is used only to
// label the error; no grace period for transient splits is applied.
func (s *Scenario) CheckSingleMasterAt(tick int) error {
	masters := s.Masters()
	if len(masters) > 1 {
		return fmt.Errorf("tick %d: %d nodes believe themselves MASTER: %v", tick, len(masters), masters)
	}
	return nil
}
