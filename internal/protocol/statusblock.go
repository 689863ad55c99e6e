package protocol

import (
	"encoding/binary"
	"fmt"
)

// StatusBlock is the fixed-size record persisted at a per-node offset on
// the quorum disk (spec §3, §6). All on-disk integers are canonical
// little-endian; Encode/Decode perform the byte-swap on every write/read
// regardless of host endianness (spec §9 "byte-order discipline").
type StatusBlock struct {
	NodeID      uint32  // 1-based node id; must match the slot it is read from.
	State       State   // this writer's own state.
	Flags       uint8   // reserved block-level flags.
	Msg         Message // election message carried this tick.
	Arg         uint32  // target node id of Msg (ACK/NACK target).
	Incarnation uint64  // monotonic per boot.
	Seq         uint64  // monotonic per local tick.
	Timestamp   uint64  // wall-clock or uptime seconds, per LocalContext.UseUptime.
	UpdateNode  uint32  // node id that last wrote this block.
	Score       uint32  // current_score at write time.
	ScoreReq    uint32  // score_req threshold in effect at write time.
	ScoreMax    uint32  // max_score at write time.
	MasterMask  Mask    // meaningful only when the writer believes it is master.
}

// EncodedSize is the fixed wire size of a StatusBlock, in bytes. The actual
// on-disk block is padded by the caller (blockdev) to the device's sector
// size, which is always >= EncodedSize for any disk this protocol supports.
const EncodedSize = 4 + 1 + 1 + 1 + 1 /*pad*/ + 4 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + MaskBytes

// Encode serialises the block to its canonical little-endian wire form.
func (b StatusBlock) Encode() []byte {
	buf := make([]byte, EncodedSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], b.NodeID)
	off += 4
	buf[off] = uint8(b.State)
	off++
	buf[off] = b.Flags
	off++
	buf[off] = uint8(b.Msg)
	off++
	off++ // pad byte, kept zero
	binary.LittleEndian.PutUint32(buf[off:], b.Arg)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], b.Incarnation)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], b.Seq)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], b.Timestamp)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], b.UpdateNode)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], b.Score)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], b.ScoreReq)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], b.ScoreMax)
	off += 4
	copy(buf[off:], b.MasterMask[:])
	off += MaskBytes
	return buf
}

// Decode parses a canonical little-endian StatusBlock from raw bytes.
// raw must be at least EncodedSize bytes (the caller's block may be larger
// due to sector-size padding; trailing bytes are ignored).
func Decode(raw []byte) (StatusBlock, error) {
	if len(raw) < EncodedSize {
		return StatusBlock{}, fmt.Errorf("protocol: short status block: got %d bytes, want >= %d", len(raw), EncodedSize)
	}
	var b StatusBlock
	off := 0
	b.NodeID = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.State = State(raw[off])
	off++
	b.Flags = raw[off]
	off++
	b.Msg = Message(raw[off])
	off++
	off++ // pad byte
	b.Arg = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.Incarnation = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	b.Seq = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	b.Timestamp = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	b.UpdateNode = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.Score = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.ScoreReq = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	b.ScoreMax = binary.LittleEndian.Uint32(raw[off:])
	off += 4
	copy(b.MasterMask[:], raw[off:off+MaskBytes])
	off += MaskBytes
	return b, nil
}
