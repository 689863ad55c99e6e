// Package blockdev is the DiskIO external collaborator named in spec §1:
// fixed-size status block reads/writes at node-indexed offsets, header
// validation, and label-to-device resolution. Spec.md treats the block
// codec's on-disk format as an opaque non-goal beyond header validation
// and sector-size discovery; this package implements exactly that surface
// and no more (no filesystem, no RAID, no multipath).
//
// Layout (spec §6): a fixed header block at offset 0 carries the version
// magic and block size; each node's StatusBlock lives at
// nodeOffset(nodeID, blockSize) = blockSize * nodeID (node ids are 1-based,
// so slot 0 is reserved for the header).
package blockdev

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"quorumd/internal/protocol"
)

// VersionMagic identifies this protocol's on-disk format (spec §6
// "VERSION_MAGIC_V2"). A disk whose header does not carry this magic is
// rejected rather than silently reinterpreted.
const VersionMagic uint32 = 0x514b5632 // "QKV2"

// headerSize is the fixed encoded size of the header block's payload.
// The header occupies the whole of slot 0 regardless of sector size.
const headerSize = 4 + 4 // magic + block size

// Header is the fixed header block at offset 0.
type Header struct {
	Magic     uint32
	BlockSize uint32
}

func (h Header) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.BlockSize)
	return buf
}

func decodeHeader(raw []byte) (Header, error) {
	if len(raw) < headerSize {
		return Header{}, fmt.Errorf("blockdev: short header: got %d bytes, want >= %d", len(raw), headerSize)
	}
	return Header{
		Magic:     binary.LittleEndian.Uint32(raw[0:]),
		BlockSize: binary.LittleEndian.Uint32(raw[4:]),
	}, nil
}

// Disk is an open quorum disk: a raw block device (or, for testing, a
// regular file) addressed by per-node fixed-size offsets.
type Disk struct {
	f         *os.File
	blockSize uint32 // the device's reported sector size, used for I/O sizing.
	header    Header
}

// Open validates the disk header and opens the device for reading and
// writing. devicePath must already be resolved (see ResolveDevice). The
// device's actual sector size is read via ioctl and compared against the
// header's recorded block size — spec §9 notes that the original source
// compared qh_blksz against an unassigned variable; this implementation
// compares against the device's *actual* sector size instead, treating the
// original comparison as a latent bug (spec Open Question).
func Open(devicePath string) (*Disk, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %q: %w", devicePath, err)
	}

	sectorSize, err := sectorSize(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: sector size %q: %w", devicePath, err)
	}

	raw := make([]byte, sectorSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: read header %q: %w", devicePath, err)
	}
	hdr, err := decodeHeader(raw)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if hdr.Magic != VersionMagic {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: %q has magic %#x, want %#x (not a quorum disk, or wrong version)", devicePath, hdr.Magic, VersionMagic)
	}
	if hdr.BlockSize != sectorSize {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: %q header block size %d does not match device sector size %d", devicePath, hdr.BlockSize, sectorSize)
	}
	if int(sectorSize) < protocol.EncodedSize {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: %q sector size %d is smaller than a status block (%d bytes)", devicePath, sectorSize, protocol.EncodedSize)
	}

	return &Disk{f: f, blockSize: sectorSize, header: hdr}, nil
}

// Init writes a fresh header to devicePath, formatting it as a quorum disk.
// No command in this repository calls it (the tests use it to format
// scratch disks); never called by the main tick loop. Destructive:
// overwrites any existing header.
func Init(devicePath string) error {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("blockdev: open %q: %w", devicePath, err)
	}
	defer f.Close()

	sectorSize, err := sectorSize(f)
	if err != nil {
		return fmt.Errorf("blockdev: sector size %q: %w", devicePath, err)
	}
	hdr := Header{Magic: VersionMagic, BlockSize: sectorSize}
	raw := make([]byte, sectorSize)
	copy(raw, hdr.encode())
	if _, err := f.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("blockdev: write header %q: %w", devicePath, err)
	}
	return nil
}

// BlockSize returns the device's sector size, i.e. the size of every I/O
// this package performs.
func (d *Disk) BlockSize() uint32 { return d.blockSize }

// nodeOffset computes the byte offset of nodeID's status block. Node ids
// are 1-based; slot 0 is the header.
func (d *Disk) nodeOffset(nodeID int) int64 {
	return int64(d.blockSize) * int64(nodeID)
}

// ReadBlock reads nodeID's status block and decodes it. Spec §4.1: on I/O
// failure the caller must log and skip the slot, not abort the tick —
// callers should treat any non-nil error this way.
func (d *Disk) ReadBlock(nodeID int) (protocol.StatusBlock, error) {
	raw := make([]byte, d.blockSize)
	n, err := unix.Pread(int(d.f.Fd()), raw, d.nodeOffset(nodeID))
	if err != nil {
		return protocol.StatusBlock{}, fmt.Errorf("blockdev: pread node %d: %w", nodeID, err)
	}
	if n != len(raw) {
		return protocol.StatusBlock{}, fmt.Errorf("blockdev: short read node %d: got %d bytes, want %d", nodeID, n, len(raw))
	}
	return protocol.Decode(raw)
}

// WriteBlock encodes and writes a status block to nodeID's slot. The write
// is a single pwrite(2) call covering exactly one block, which is the unit
// of atomicity this protocol relies on (spec §4.5, §5 "block-atomic
// writes"): a concurrent reader observes either the old or the new block,
// never a torn mix of both.
func (d *Disk) WriteBlock(nodeID int, b protocol.StatusBlock) error {
	raw := make([]byte, d.blockSize)
	copy(raw, b.Encode())
	n, err := unix.Pwrite(int(d.f.Fd()), raw, d.nodeOffset(nodeID))
	if err != nil {
		return fmt.Errorf("blockdev: pwrite node %d: %w", nodeID, err)
	}
	if n != len(raw) {
		return fmt.Errorf("blockdev: short write node %d: wrote %d bytes, want %d", nodeID, n, len(raw))
	}
	return nil
}

// Close releases the underlying file descriptor.
func (d *Disk) Close() error { return d.f.Close() }

// sectorSize reports the device's sector size via BLKSSZGET. For a regular
// file (used in tests and for file-backed quorum "disks"), the ioctl fails
// and a conservative default of 512 is used instead.
func sectorSize(f *os.File) (uint32, error) {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		fi, statErr := f.Stat()
		if statErr == nil && fi.Mode().IsRegular() {
			return 512, nil
		}
		return 0, fmt.Errorf("BLKSSZGET: %w", err)
	}
	return uint32(sz), nil
}
