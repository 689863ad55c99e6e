package elector_test

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"quorumd/internal/audit"
	"quorumd/internal/elector"
	"quorumd/internal/nodetable"
	"quorumd/internal/protocol"
)

func openTestAuditDB(t *testing.T) *audit.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := audit.Open(path, 30, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixedScore struct{ current, max int }

func (f fixedScore) Score() (int, int) { return f.current, f.max }

type fakeMembership struct {
	live        map[int]bool
	polled      []bool
	nodeListErr error
}

func (f *fakeMembership) PollQuorumDevice(ok bool) error {
	f.polled = append(f.polled, ok)
	return nil
}

func (f *fakeMembership) NodeList() (map[int]bool, error) {
	return f.live, f.nodeListErr
}

func cfg(myID int) elector.Config {
	return elector.Config{MyID: myID, ScoreMin: 1, UpgradeWait: 2, MasterWait: 2}
}

func TestLowestIDBidsWhenNoMasterAndCooldownElapsed(t *testing.T) {
	table := nodetable.New(0)
	st := &elector.State{Status: protocol.StateRun}
	log := zaptest.NewLogger(t)

	elector.Tick(table, st, cfg(1), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, nil)

	if st.Msg != protocol.MsgBid {
		t.Fatalf("expected lowest-id node to bid, got msg=%v", st.Msg)
	}
	if !st.BidPending || st.BidAge != 1 {
		t.Fatalf("expected bid pending with age 1, got pending=%v age=%d", st.BidPending, st.BidAge)
	}
}

func TestHigherIDVotesForLowerBidder(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(1)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 1, State: protocol.StateRun, Msg: protocol.MsgBid, Seq: 5}

	st := &elector.State{Status: protocol.StateRun}
	log := zaptest.NewLogger(t)

	elector.Tick(table, st, cfg(2), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, nil)

	if st.Msg != protocol.MsgAck || st.Arg != 1 {
		t.Fatalf("expected ACK for node 1, got msg=%v arg=%d", st.Msg, st.Arg)
	}
}

func TestPromotionRequiresMasterWaitAndUnanimousAcks(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Msg: protocol.MsgAck, Arg: 1}

	st := &elector.State{Status: protocol.StateRun, BidPending: true, BidAge: 1}
	log := zaptest.NewLogger(t)
	c := cfg(1)
	c.MasterWait = 2

	// bid_age is incremented before the master_wait check, so starting at 1
	// it reaches 2 == MasterWait this tick.
	elector.Tick(table, st, c, fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, nil)

	if st.Status != protocol.StateMaster {
		t.Fatalf("expected promotion to MASTER once bid_age reaches master_wait with unanimous ACKs, got %v", st.Status)
	}
}

func TestPromotionWithheldUntilMasterWaitElapses(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Msg: protocol.MsgAck, Arg: 1}

	st := &elector.State{Status: protocol.StateRun, BidPending: true, BidAge: 0}
	log := zaptest.NewLogger(t)
	c := cfg(1)
	c.MasterWait = 5

	elector.Tick(table, st, c, fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, nil)

	if st.Status == protocol.StateMaster {
		t.Fatal("promotion must wait for bid_age >= master_wait")
	}
	if !st.BidPending {
		t.Fatal("bid should remain pending while waiting out master_wait")
	}
}

func TestNackAbortsBid(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Msg: protocol.MsgNack, Arg: 1}

	st := &elector.State{Status: protocol.StateRun, BidPending: true, BidAge: 3}
	log := zaptest.NewLogger(t)

	elector.Tick(table, st, cfg(1), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, nil)

	if st.BidPending || st.Msg != protocol.MsgNone {
		t.Fatalf("expected NACK to clear bid, got pending=%v msg=%v", st.BidPending, st.Msg)
	}
}

func TestMasterConflictCausesAbdication(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateMaster
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateMaster}

	st := &elector.State{Status: protocol.StateMaster}
	log := zaptest.NewLogger(t)

	elector.Tick(table, st, cfg(1), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, nil)

	if st.Status != protocol.StateRun {
		t.Fatalf("expected abdication to RUN on master conflict, got %v", st.Status)
	}
}

func TestInsufficientScoreDowngradesAndSignalsMembership(t *testing.T) {
	table := nodetable.New(0)
	st := &elector.State{Status: protocol.StateRun}
	membership := &fakeMembership{}
	log := zaptest.NewLogger(t)

	elector.Tick(table, st, cfg(1), fixedScore{0, 2}, membership, nil, log, nil, nil)

	if st.Status != protocol.StateNone {
		t.Fatalf("expected downgrade to NONE on score collapse, got %v", st.Status)
	}
	if len(membership.polled) != 1 || membership.polled[0] != false {
		t.Fatalf("expected poll_quorum_device(false), got %v", membership.polled)
	}
}

func TestMasterIntersectsVisibilityWithLiveNodeList(t *testing.T) {
	table := nodetable.New(0)
	st := &elector.State{Status: protocol.StateMaster}
	st.Mask.Set(1)
	st.Mask.Set(2)
	membership := &fakeMembership{live: map[int]bool{1: true, 2: false}}
	log := zaptest.NewLogger(t)

	elector.Tick(table, st, cfg(1), fixedScore{1, 1}, membership, nil, log, nil, nil)

	if !st.MasterMask.IsSet(1) || st.MasterMask.IsSet(2) {
		t.Fatalf("expected master_mask to reflect live intersection, got %v", st.MasterMask.Nodes())
	}
	if len(membership.polled) != 1 || !membership.polled[0] {
		t.Fatalf("expected poll_quorum_device(true) as master, got %v", membership.polled)
	}
}

func TestBidAppendsAuditEntry(t *testing.T) {
	table := nodetable.New(0)
	st := &elector.State{Status: protocol.StateRun}
	log := zaptest.NewLogger(t)
	auditDB := openTestAuditDB(t)

	elector.Tick(table, st, cfg(1), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, auditDB)

	entries, err := auditDB.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != audit.EventBid {
		t.Fatalf("expected one bid entry, got %+v", entries)
	}
}

func TestAckAppendsAuditEntry(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(1)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 1, State: protocol.StateRun, Msg: protocol.MsgBid, Seq: 5}

	st := &elector.State{Status: protocol.StateRun}
	log := zaptest.NewLogger(t)
	auditDB := openTestAuditDB(t)

	elector.Tick(table, st, cfg(2), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, auditDB)

	entries, err := auditDB.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != audit.EventAck || entries[0].Target != 1 {
		t.Fatalf("expected one ack entry targeting node 1, got %+v", entries)
	}
}

func TestPromotionAppendsAuditEntry(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Msg: protocol.MsgAck, Arg: 1}

	st := &elector.State{Status: protocol.StateRun, BidPending: true, BidAge: 1}
	log := zaptest.NewLogger(t)
	auditDB := openTestAuditDB(t)
	c := cfg(1)
	c.MasterWait = 2

	elector.Tick(table, st, c, fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, auditDB)

	if st.Status != protocol.StateMaster {
		t.Fatalf("expected promotion to MASTER, got %v", st.Status)
	}

	entries, err := auditDB.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != audit.EventPromotion {
		t.Fatalf("expected one promotion entry, got %+v", entries)
	}
}

func TestAbdicationAppendsAuditEntry(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateMaster
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateMaster}

	st := &elector.State{Status: protocol.StateMaster}
	log := zaptest.NewLogger(t)
	auditDB := openTestAuditDB(t)

	elector.Tick(table, st, cfg(1), fixedScore{1, 1}, &fakeMembership{}, nil, log, nil, auditDB)

	if st.Status != protocol.StateRun {
		t.Fatalf("expected abdication to RUN, got %v", st.Status)
	}

	entries, err := auditDB.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != audit.EventAbdication || entries[0].Target != 2 {
		t.Fatalf("expected one abdication entry targeting node 2, got %+v", entries)
	}
}

func TestDiscoverIgnoresDeadMasterBelowRun(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateNone // believed not running
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateMaster}

	masterID, _, masterCount := elector.Discover(table, 1, protocol.StateRun)
	if masterID != 0 || masterCount != 0 {
		t.Fatalf("expected dead master to be ignored, got masterID=%d count=%d", masterID, masterCount)
	}
}
