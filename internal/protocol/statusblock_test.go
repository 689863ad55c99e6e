package protocol_test

import (
	"testing"

	"quorumd/internal/protocol"
)

func TestRoundTrip(t *testing.T) {
	var mask protocol.Mask
	mask.Set(1)
	mask.Set(3)
	mask.Set(16)

	in := protocol.StatusBlock{
		NodeID:      3,
		State:       protocol.StateMaster,
		Flags:       0,
		Msg:         protocol.MsgAck,
		Arg:         1,
		Incarnation: 0xdeadbeefcafef00d,
		Seq:         42,
		Timestamp:   1717171717,
		UpdateNode:  3,
		Score:       1,
		ScoreReq:    1,
		ScoreMax:    1,
		MasterMask:  mask,
	}

	out, err := protocol.Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := protocol.Decode(make([]byte, protocol.EncodedSize-1))
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestDecodeIgnoresTrailingPadding(t *testing.T) {
	raw := protocol.StatusBlock{NodeID: 1}.Encode()
	padded := append(raw, make([]byte, 512-len(raw))...)
	out, err := protocol.Decode(padded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.NodeID != 1 {
		t.Fatalf("expected NodeID=1, got %d", out.NodeID)
	}
}

func TestStateOrdering(t *testing.T) {
	if !(protocol.StateNone < protocol.StateInit &&
		protocol.StateInit < protocol.StateRun &&
		protocol.StateRun < protocol.StateMaster &&
		protocol.StateMaster < protocol.StateEvict) {
		t.Fatal("state ordering invariant broken: NONE < INIT < RUN < MASTER < EVICT")
	}
	if !protocol.StateRun.Running() {
		t.Fatal("RUN must be considered running")
	}
	if protocol.StateInit.Dying() {
		t.Fatal("INIT must not be considered dying")
	}
	if !protocol.StateEvict.Dying() {
		t.Fatal("EVICT must be considered dying")
	}
}

func TestMaskIntersect(t *testing.T) {
	var a, b protocol.Mask
	a.Set(1)
	a.Set(2)
	b.Set(2)
	b.Set(3)
	got := a.Intersect(b)
	if got.Nodes()[0] != 2 || len(got.Nodes()) != 1 {
		t.Fatalf("expected intersection {2}, got %v", got.Nodes())
	}
}
