package transition_test

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"quorumd/internal/audit"
	"quorumd/internal/nodetable"
	"quorumd/internal/observability"
	"quorumd/internal/protocol"
	"quorumd/internal/transition"
)

type fakeKiller struct{ killed []int }

func (k *fakeKiller) KillNode(nodeID int) error {
	k.killed = append(k.killed, nodeID)
	return nil
}

type fakeWriter struct{ writes map[int]protocol.StatusBlock }

func (w *fakeWriter) WriteBlock(nodeID int, b protocol.StatusBlock) error {
	if w.writes == nil {
		w.writes = map[int]protocol.StatusBlock{}
	}
	w.writes[nodeID] = b
	return nil
}

func baseDeps(t *testing.T) transition.Deps {
	return transition.Deps{
		MyID:  1,
		TKO:   10,
		TKOUp: 3,
		Log:   zaptest.NewLogger(t),
	}
}

func TestOfflineToOnlineTransition(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateNone
	peer.Seen = 4
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Incarnation: 7}

	var mask protocol.Mask
	transition.Apply(table, &mask, baseDeps(t))

	if peer.State != protocol.StateRun {
		t.Fatalf("expected peer to come online, state=%v", peer.State)
	}
	if peer.Incarnation != 7 {
		t.Fatalf("expected incarnation recorded, got %d", peer.Incarnation)
	}
	if !mask.IsSet(2) {
		t.Fatal("expected peer bit set in visibility mask")
	}
}

func TestHeartbeatTimeoutEvictsAndKillsWhenMaster(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Misses = 11
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Incarnation: 5}

	killer := &fakeKiller{}
	writer := &fakeWriter{}
	d := baseDeps(t)
	d.IsMaster = true
	d.AllowKill = true
	d.Disk = writer
	d.Membership = killer

	var mask protocol.Mask
	mask.Set(2)
	transition.Apply(table, &mask, d)

	if peer.State != protocol.StateEvict {
		t.Fatalf("expected peer evicted, state=%v", peer.State)
	}
	if peer.EvilIncarnation != 5 {
		t.Fatalf("expected evil_incarnation recorded as 5, got %d", peer.EvilIncarnation)
	}
	if mask.IsSet(2) {
		t.Fatal("expected peer bit cleared from visibility mask")
	}
	if len(killer.killed) != 1 || killer.killed[0] != 2 {
		t.Fatalf("expected kill_node(2), got %v", killer.killed)
	}
	if writer.writes[2].State != protocol.StateEvict {
		t.Fatalf("expected eviction block written for node 2, got %+v", writer.writes[2])
	}
}

func TestHeartbeatTimeoutDoesNotKillWhenNotMaster(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Misses = 11
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun}

	killer := &fakeKiller{}
	d := baseDeps(t)
	d.AllowKill = true
	d.Membership = killer

	transition.Apply(table, nil, d)

	if peer.State != protocol.StateEvict {
		t.Fatalf("expected local belief to evict regardless of master role, state=%v", peer.State)
	}
	if len(killer.killed) != 0 {
		t.Fatalf("expected no kill when not master, got %v", killer.killed)
	}
}

func TestUndeadPeerIsReEvicted(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateEvict
	peer.EvilIncarnation = 9
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Incarnation: 9}

	killer := &fakeKiller{}
	writer := &fakeWriter{}
	d := baseDeps(t)
	d.IsMaster = true
	d.AllowKill = true
	d.Disk = writer
	d.Membership = killer

	transition.Apply(table, nil, d)

	if peer.State != protocol.StateEvict {
		t.Fatalf("expected undead peer to remain evicted, state=%v", peer.State)
	}
	if len(killer.killed) != 1 {
		t.Fatalf("expected re-kill of undead peer, got %v", killer.killed)
	}
}

func TestCleanRestartClearsEvilIncarnation(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateEvict
	peer.Incarnation = 9
	peer.EvilIncarnation = 9
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateInit, Incarnation: 10}

	transition.Apply(table, nil, baseDeps(t))

	if peer.State != protocol.StateNone {
		t.Fatalf("expected restart to reset belief to NONE, got %v", peer.State)
	}
	if peer.EvilIncarnation != 0 {
		t.Fatalf("expected clean restart to clear evil_incarnation, got %d", peer.EvilIncarnation)
	}
}

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

func TestHeartbeatTimeoutEvictionIncrementsMetricAndAudit(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Misses = 11
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Incarnation: 5}

	metrics := observability.NewMetrics()
	auditDB := openTestAuditDB(t)

	d := baseDeps(t)
	d.Metrics = metrics
	d.Audit = auditDB

	transition.Apply(table, nil, d)

	if got := testutil.ToFloat64(metrics.EvictionsTotal); got != 1 {
		t.Fatalf("expected EvictionsTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.UndeadDetectionsTotal); got != 0 {
		t.Fatalf("expected UndeadDetectionsTotal=0, got %v", got)
	}

	entries, err := auditDB.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != audit.EventEviction || entries[0].Target != 2 {
		t.Fatalf("expected one eviction entry for node 2, got %+v", entries)
	}
}

func TestUndeadReEvictionIncrementsMetricAndAudit(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateEvict
	peer.EvilIncarnation = 9
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateRun, Incarnation: 9}

	metrics := observability.NewMetrics()
	auditDB := openTestAuditDB(t)

	d := baseDeps(t)
	d.Metrics = metrics
	d.Audit = auditDB

	transition.Apply(table, nil, d)

	if got := testutil.ToFloat64(metrics.UndeadDetectionsTotal); got != 1 {
		t.Fatalf("expected UndeadDetectionsTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.EvictionsTotal); got != 0 {
		t.Fatalf("expected EvictionsTotal=0, got %v", got)
	}

	entries, err := auditDB.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != audit.EventUndead || entries[0].Target != 2 {
		t.Fatalf("expected one undead entry for node 2, got %+v", entries)
	}
}

func TestRunToMasterTransition(t *testing.T) {
	table := nodetable.New(0)
	peer := table.Get(2)
	peer.State = protocol.StateRun
	peer.Status = protocol.StatusBlock{NodeID: 2, State: protocol.StateMaster}

	var mask protocol.Mask
	transition.Apply(table, &mask, baseDeps(t))

	if peer.State != protocol.StateMaster {
		t.Fatalf("expected peer believed MASTER, got %v", peer.State)
	}
	if !mask.IsSet(2) {
		t.Fatal("expected peer bit set")
	}
}
