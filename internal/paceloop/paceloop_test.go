package paceloop_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"quorumd/internal/elector"
	"quorumd/internal/nodetable"
	"quorumd/internal/paceloop"
	"quorumd/internal/protocol"
	"quorumd/internal/transition"
)

type fakeDisk map[int]protocol.StatusBlock

func (f fakeDisk) ReadBlock(nodeID int) (protocol.StatusBlock, error) {
	b, ok := f[nodeID]
	if !ok {
		return protocol.StatusBlock{NodeID: uint32(nodeID)}, nil
	}
	return b, nil
}

func (f fakeDisk) WriteBlock(nodeID int, b protocol.StatusBlock) error {
	f[nodeID] = b
	return nil
}

type fixedScore struct{ current, max int }

func (f fixedScore) Score() (int, int) { return f.current, f.max }

type fixedClock uint64

func (c fixedClock) Now() uint64 { return uint64(c) }

type fakeMembership struct{}

func (fakeMembership) PollQuorumDevice(ok bool) error  { return nil }
func (fakeMembership) NodeList() (map[int]bool, error) { return nil, nil }

type dispatchingMembership struct {
	fakeMembership
	calls int
}

func (d *dispatchingMembership) DispatchNonblocking() error {
	d.calls++
	return nil
}

func newRunner(t *testing.T, disk fakeDisk) (*paceloop.Runner, *elector.State) {
	t.Helper()
	log := zaptest.NewLogger(t)
	table := nodetable.New(0)
	st := &elector.State{Status: protocol.StateRun}

	r := &paceloop.Runner{
		Disk:       disk,
		Table:      table,
		MyID:       1,
		Interval:   time.Second,
		TKO:        10,
		StatusFile: "",
		Clock:      fixedClock(100),
		Transition: transition.Deps{MyID: 1, TKO: 10, TKOUp: 3, Log: log},
		ElectorCfg: elector.Config{MyID: 1, ScoreMin: 1, UpgradeWait: 2, MasterWait: 2},
		Score:      fixedScore{1, 1},
		Membership: fakeMembership{},
		Log:        log,
	}
	return r, st
}

func TestTickWritesOwnBlockWithCurrentSeqAndScore(t *testing.T) {
	disk := fakeDisk{}
	r, st := newRunner(t, disk)

	if _, err := r.Tick(st); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	written, ok := disk[1]
	if !ok {
		t.Fatal("expected own block to be written")
	}
	if written.Timestamp != 100 {
		t.Fatalf("expected timestamp from Clock.Now(), got %d", written.Timestamp)
	}
	if written.UpdateNode != 1 {
		t.Fatalf("expected update_node=1, got %d", written.UpdateNode)
	}
	if written.Score != 1 || written.ScoreReq != 1 {
		t.Fatalf("expected score=1 score_req=1, got score=%d score_req=%d", written.Score, written.ScoreReq)
	}
}

func TestRunSleepsForRemainderOfInterval(t *testing.T) {
	disk := fakeDisk{}
	r, st := newRunner(t, disk)

	var slept time.Duration
	var calls int
	r.Sleep = func(d time.Duration) {
		slept = d
		calls++
	}
	r.WallNow = func() time.Time {
		// advance by 100ms per Sleep call; calls within one tick see the same instant.
		return time.Unix(0, int64(calls)*int64(100*time.Millisecond))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_ = r.Run(ctx, st)

	if calls == 0 {
		t.Fatal("expected at least one sleep call before cancellation")
	}
	if slept < 0 {
		t.Fatalf("sleep duration must never be negative, got %v", slept)
	}
}

func TestDeadlineMissUnderParanoidTriggersReboot(t *testing.T) {
	disk := fakeDisk{}
	r, st := newRunner(t, disk)
	r.Paranoid = true
	r.Interval = time.Nanosecond
	r.TKO = 1

	rebootCalled := false
	r.Reboot = rebootFunc(func() error { rebootCalled = true; return nil })

	var tick int
	r.WallNow = func() time.Time {
		tick++
		// first call in Tick() returns t=0; second call returns far in the
		// future so elapsed comfortably exceeds interval*tko.
		if tick%2 == 1 {
			return time.Unix(0, 0)
		}
		return time.Unix(1000, 0)
	}
	r.Sleep = func(time.Duration) {}

	err := r.Run(context.Background(), st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rebootCalled {
		t.Fatal("expected paranoid deadline miss to trigger reboot")
	}
}

type rebootFunc func() error

func (f rebootFunc) Reboot() error { return f() }

func TestTickDispatchesNonblockingWhenMembershipSupportsIt(t *testing.T) {
	disk := fakeDisk{}
	r, st := newRunner(t, disk)
	membership := &dispatchingMembership{}
	r.Membership = membership

	if _, err := r.Tick(st); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if membership.calls != 1 {
		t.Fatalf("expected DispatchNonblocking to be called once per tick, got %d", membership.calls)
	}
}

func TestRunPollsReloadCheckEachIteration(t *testing.T) {
	disk := fakeDisk{}
	r, st := newRunner(t, disk)
	r.Sleep = func(time.Duration) {}

	var calls int
	r.ReloadCheck = func() { calls++ }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_ = r.Run(ctx, st)

	if calls == 0 {
		t.Fatal("expected ReloadCheck to be polled at least once")
	}
}
