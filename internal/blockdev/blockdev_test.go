package blockdev_test

import (
	"path/filepath"
	"testing"

	"quorumd/internal/blockdev"
	"quorumd/internal/protocol"
)

// newTestDisk creates a regular file large enough to hold a header slot plus
// a handful of node slots, formats it, and opens it. Regular files fall back
// to a 512-byte sector size (blockdev.sectorSize), which is plenty for a
// StatusBlock.
func newTestDisk(t *testing.T, nodeSlots int) *blockdev.Disk {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quorum.disk")
	const sectorSize = 512
	size := int64(sectorSize) * int64(nodeSlots+1)

	f, err := createSized(path, size)
	if err != nil {
		t.Fatalf("createSized: %v", err)
	}
	f.Close()

	if err := blockdev.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	d, err := blockdev.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := newTestDisk(t, 4)

	want := protocol.StatusBlock{
		NodeID:      2,
		State:       protocol.StateRun,
		Msg:         protocol.MsgBid,
		Arg:         0,
		Incarnation: 7,
		Seq:         100,
		Timestamp:   1234,
		UpdateNode:  2,
		Score:       1,
		ScoreReq:    1,
		ScoreMax:    1,
	}
	if err := d.WriteBlock(2, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got, err := d.ReadBlock(2)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch:\n want=%+v\n  got=%+v", want, got)
	}
}

func TestWriteDoesNotDisturbAdjacentSlots(t *testing.T) {
	d := newTestDisk(t, 4)

	a := protocol.StatusBlock{NodeID: 1, Seq: 1}
	b := protocol.StatusBlock{NodeID: 2, Seq: 2}
	if err := d.WriteBlock(1, a); err != nil {
		t.Fatalf("WriteBlock(1): %v", err)
	}
	if err := d.WriteBlock(2, b); err != nil {
		t.Fatalf("WriteBlock(2): %v", err)
	}

	gotA, err := d.ReadBlock(1)
	if err != nil {
		t.Fatalf("ReadBlock(1): %v", err)
	}
	if gotA.Seq != 1 {
		t.Fatalf("slot 1 disturbed by write to slot 2: got seq %d", gotA.Seq)
	}
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-quorum-disk")
	f, err := createSized(path, 4096)
	if err != nil {
		t.Fatalf("createSized: %v", err)
	}
	f.Close()

	if _, err := blockdev.Open(path); err == nil {
		t.Fatal("expected Open to reject a disk with no valid header")
	}
}

func TestResolveDeviceAbsolutePath(t *testing.T) {
	got, err := blockdev.ResolveDevice("/dev/sdb1")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if got != "/dev/sdb1" {
		t.Fatalf("expected passthrough for absolute path, got %q", got)
	}
}
