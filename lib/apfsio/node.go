// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/binstruct"
)

// Sentinel error kinds that LoadNode wraps its failures in, so that
// callers can classify a failure (I/O vs. checksum vs. structural)
// without parsing error strings.
var (
	ErrIO         = errors.New("i/o failure")
	ErrChecksum   = errors.New("checksum mismatch")
	ErrStructural = errors.New("structural insanity")
)

// Node flag bits (btn_flags).
const (
	NodeFlagRoot     = 0x0001
	NodeFlagLeaf     = 0x0002
	NodeFlagFixedKV  = 0x0004
	NodeFlagsKnown   = NodeFlagRoot | NodeFlagLeaf | NodeFlagFixedKV
)

// NodeHeaderExtraOff and NodeHeaderSize describe the layout that begins
// immediately after the embedded ObjPhys: two bytes of flags, two of
// level, four of record count, then four (offset, length) descriptors of
// four bytes each: table_space, free_space, and the key and value free
// lists.
const (
	NodeHeaderExtraOff = ObjPhysSize
	NodeHeaderSize     = ObjPhysSize + 0x18 // 0x38

	// FooterSize is sizeof(btree_info_t), the fixed-format trailer
	// present only on root nodes.
	FooterSize = 0x28

	// kvOffSize and kvLocSize are the two record-locator entry
	// encodings named in the fixed vs. variable layout distinction.
	kvOffSize = 4
	kvLocSize = 8

	// BTOffInvalid marks an empty free-list.
	BTOffInvalid = uint16(0xffff)
)

// nodeHeaderExtra is the part of the node header that follows ObjPhys.
type nodeHeaderExtra struct {
	Flags         uint16 `bin:"off=0x0, siz=0x2"`
	Level         uint16 `bin:"off=0x2, siz=0x2"`
	NKeys         uint32 `bin:"off=0x4, siz=0x4"`
	TableSpaceOff uint16 `bin:"off=0x8, siz=0x2"`
	TableSpaceLen uint16 `bin:"off=0xa, siz=0x2"`
	FreeSpaceOff  uint16 `bin:"off=0xc, siz=0x2"`
	FreeSpaceLen  uint16 `bin:"off=0xe, siz=0x2"`
	KeyFreeOff    uint16 `bin:"off=0x10, siz=0x2"`
	KeyFreeLen    uint16 `bin:"off=0x12, siz=0x2"`
	ValFreeOff    uint16 `bin:"off=0x14, siz=0x2"`
	ValFreeLen    uint16 `bin:"off=0x16, siz=0x2"`
	binstruct.End `bin:"off=0x18"`
}

// Node is a validated in-memory descriptor over one block, produced by
// LoadNode. Everything above this package accesses key/value bytes only
// through LocateKey/LocateValue on a Node that has already passed
// validation.
type Node struct {
	Obj   ObjPhys
	Flags uint16
	Level uint16
	// RecordCount is the number of live records; loader validation
	// guarantees this is nonzero.
	RecordCount uint32

	// TableEnd is the first byte past the record-locator table
	// (sizeof(header) + table_space.off + table_space.len).
	TableEnd uint32
	// FreeStart is the first byte of the central free region.
	FreeStart uint32
	// valueAreaEnd is the offset that value offsets are subtracted
	// from: BlockSize, or BlockSize-FooterSize when IsRoot. Recorded
	// once at load time, per the fixed-at-load-time root-ness policy
	// below.
	valueAreaEnd uint32

	// BlockNr is the physical block this node was loaded from.
	BlockNr BlockNumber
	// Raw is the whole block's bytes.
	Raw []byte

	// IsRoot is fixed at load time from the flags this node had when
	// it was read, and is never re-derived from Flags afterward. A
	// node's root-ness must not depend on re-reading possibly-stale
	// flags out of a buffer that could have been repurposed.
	IsRoot bool
}

func (n *Node) IsLeaf() bool      { return n.Flags&NodeFlagLeaf != 0 }
func (n *Node) HasFixedKV() bool  { return n.Flags&NodeFlagFixedKV != 0 }
func (n *Node) entrySize() uint32 {
	if n.HasFixedKV() {
		return kvOffSize
	}
	return kvLocSize
}

// LoadNode reads the block at bno, verifies its object checksum and
// structural sanity, and returns a validated Node. Every failure here is
// of the fatal "i/o failure", "checksum mismatch" or "structural insanity"
// class (ErrIO, ErrChecksum, ErrStructural).
func LoadNode(dev Device, bno BlockNumber) (*Node, error) {
	raw, err := dev.ReadBlockAt(bno)
	if err != nil {
		return nil, fmt.Errorf("load node at block %v: %w: %w", bno, ErrIO, err)
	}
	blockSize := uint32(len(raw))
	if blockSize < NodeHeaderSize {
		return nil, fmt.Errorf("load node at block %v: %w: block too small (%d bytes)", bno, ErrStructural, blockSize)
	}
	if !VerifyObjectChecksum(raw) {
		return nil, fmt.Errorf("load node at block %v: %w", bno, ErrChecksum)
	}
	obj, err := DecodeObjPhys(raw)
	if err != nil {
		return nil, fmt.Errorf("load node at block %v: %w: %w", bno, ErrStructural, err)
	}
	if obj.ObjType() != ObjTypeBtreeNode {
		return nil, fmt.Errorf("load node at block %v: %w: object type %v is not a btree node", bno, ErrStructural, obj.ObjType())
	}

	var extra nodeHeaderExtra
	if _, err := binstruct.Unmarshal(raw[NodeHeaderExtraOff:NodeHeaderSize], &extra); err != nil {
		return nil, fmt.Errorf("load node at block %v: %w: decode header: %w", bno, ErrStructural, err)
	}

	n := &Node{
		Obj:         obj,
		Flags:       extra.Flags,
		Level:       extra.Level,
		RecordCount: extra.NKeys,
		BlockNr:     bno,
		Raw:         raw,
		IsRoot:      extra.Flags&NodeFlagRoot != 0,
	}

	if n.RecordCount == 0 {
		return nil, fmt.Errorf("load node at block %v: %w: record_count == 0", bno, ErrStructural)
	}
	tableEnd := uint32(NodeHeaderSize) + uint32(extra.TableSpaceOff) + uint32(extra.TableSpaceLen)
	if tableEnd > blockSize {
		return nil, fmt.Errorf("load node at block %v: %w: table_end %d exceeds block size %d", bno, ErrStructural, tableEnd, blockSize)
	}
	if n.RecordCount*n.entrySize() > tableEnd-NodeHeaderSize {
		return nil, fmt.Errorf("load node at block %v: %w: locator table for %d records does not fit in %d bytes",
			bno, ErrStructural, n.RecordCount, tableEnd-NodeHeaderSize)
	}
	n.TableEnd = tableEnd
	n.FreeStart = uint32(NodeHeaderSize) + uint32(extra.FreeSpaceOff)

	n.valueAreaEnd = blockSize
	if n.IsRoot {
		if blockSize < FooterSize {
			return nil, fmt.Errorf("load node at block %v: %w: block too small for root footer", bno, ErrStructural)
		}
		n.valueAreaEnd = blockSize - FooterSize
	}

	return n, nil
}

// locatorEntry returns the raw locator table entry at index, either as a
// (k, v) offset pair (fixed layout) or a (koff, klen, voff, vlen) tuple
// (variable layout).
func (n *Node) locatorEntry(index uint32) (kOff, kLen, vOff, vLen uint16) {
	base := NodeHeaderSize + int(index)*int(n.entrySize())
	if n.HasFixedKV() {
		kOff = binary.LittleEndian.Uint16(n.Raw[base : base+2])
		vOff = binary.LittleEndian.Uint16(n.Raw[base+2 : base+4])
		kLen = 16
		if n.IsLeaf() {
			vLen = 16
		} else {
			vLen = 8
		}
		return
	}
	kOff = binary.LittleEndian.Uint16(n.Raw[base : base+2])
	kLen = binary.LittleEndian.Uint16(n.Raw[base+2 : base+4])
	vOff = binary.LittleEndian.Uint16(n.Raw[base+4 : base+6])
	vLen = binary.LittleEndian.Uint16(n.Raw[base+6 : base+8])
	return
}

// LocateKey returns the absolute byte span of record index's key within
// n.Raw. This and LocateValue are the sole permitted way any other
// component reaches into a node's raw bytes.
func (n *Node) LocateKey(index uint32) (off, length int, err error) {
	if index >= n.RecordCount {
		return 0, 0, fmt.Errorf("locate key %d: out of range (record_count=%d)", index, n.RecordCount)
	}
	kOff, kLen, _, _ := n.locatorEntry(index)
	off = int(n.TableEnd) + int(kOff)
	length = int(kLen)
	if off < 0 || off+length > len(n.Raw) {
		return 0, 0, fmt.Errorf("locate key %d: span [%d,%d) escapes block of size %d", index, off, off+length, len(n.Raw))
	}
	return off, length, nil
}

// LocateValue returns the absolute byte span of record index's value
// within n.Raw. Values are stored backward from the end of the block (or
// from the start of the root footer, for root nodes).
func (n *Node) LocateValue(index uint32) (off, length int, err error) {
	if index >= n.RecordCount {
		return 0, 0, fmt.Errorf("locate value %d: out of range (record_count=%d)", index, n.RecordCount)
	}
	_, _, vOff, vLen := n.locatorEntry(index)
	off = int(n.valueAreaEnd) - int(vOff)
	length = int(vLen)
	if off < 0 || off+length > len(n.Raw) {
		return 0, 0, fmt.Errorf("locate value %d: span [%d,%d) escapes block of size %d", index, off, off+length, len(n.Raw))
	}
	return off, length, nil
}

// KeyBytes and ValueBytes are convenience wrappers around LocateKey /
// LocateValue that slice n.Raw directly.
func (n *Node) KeyBytes(index uint32) ([]byte, error) {
	off, length, err := n.LocateKey(index)
	if err != nil {
		return nil, err
	}
	return n.Raw[off : off+length], nil
}

func (n *Node) ValueBytes(index uint32) ([]byte, error) {
	off, length, err := n.LocateValue(index)
	if err != nil {
		return nil, err
	}
	return n.Raw[off : off+length], nil
}
