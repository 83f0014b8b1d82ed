// SPDX-License-Identifier: GPL-2.0-or-later

// Package apfskey implements the key decoders and comparator that the
// traversal engine treats as external collaborators: decode_catalog_key,
// decode_omap_key, make_omap_key, and compare_keys.
package apfskey

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
)

// Key is a decoded, comparable key from either tree kind. It is the sum
// type over tree kinds called for by treating key decoding as
// polymorphic on tree kind rather than as global state.
type Key interface {
	fmt.Stringer
	// CompareTo returns <0, 0, or >0 as this key sorts before, at, or
	// after other. Comparing keys of different concrete kinds panics;
	// callers only ever compare keys drawn from the same tree.
	CompareTo(other Key) int
	// StripDisambiguator returns a copy of the key with any
	// individuating subkey components (name, hash, offset) zeroed
	// out, for use in MULTIPLE-mode range comparisons.
	StripDisambiguator() Key
}

// ObjIDMask and ObjTypeMask split a catalog on-disk key's leading 64-bit
// word into a 60-bit object id and a 4-bit record type, per the j_key_t
// encoding.
const (
	ObjIDMask   = 0x0fffffffffffffff
	ObjTypeMask = 0xf000000000000000
	ObjTypeShift = 60
)

// CatalogKey is a decoded catalog (filesystem) tree key: an object id, a
// 4-bit record type, and an opaque type-dependent tail (a name, a hash, an
// extent offset) used to order records that share the same (oid, type).
type CatalogKey struct {
	ObjID    uint64
	ItemType uint8
	Tail     []byte
}

var _ Key = CatalogKey{}

func (k CatalogKey) String() string {
	return fmt.Sprintf("cat{oid=0x%x, type=%d, tail=%x}", k.ObjID, k.ItemType, k.Tail)
}

func (k CatalogKey) CompareTo(other Key) int {
	o, ok := other.(CatalogKey)
	if !ok {
		panic(fmt.Sprintf("compare_keys: mismatched key kinds: %T vs %T", k, other))
	}
	if k.ObjID != o.ObjID {
		if k.ObjID < o.ObjID {
			return -1
		}
		return 1
	}
	if k.ItemType != o.ItemType {
		if k.ItemType < o.ItemType {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.Tail, o.Tail)
}

func (k CatalogKey) StripDisambiguator() Key {
	return CatalogKey{ObjID: k.ObjID, ItemType: k.ItemType, Tail: nil}
}

// DecodeCatalogKey implements decode_catalog_key: unpacks the leading
// 64-bit (type, oid) word and keeps whatever follows as an opaque,
// order-preserving tail. Real catalog record types (inodes, directory
// entries, extents, ...) encode their own tail formats; this checker
// only needs the tail to compare correctly, not to interpret it.
func DecodeCatalogKey(data []byte) (CatalogKey, error) {
	if len(data) < 8 {
		return CatalogKey{}, fmt.Errorf("catalog key too short: %d bytes", len(data))
	}
	word := binary.LittleEndian.Uint64(data[0:8])
	tail := append([]byte(nil), data[8:]...)
	return CatalogKey{
		ObjID:    word & ObjIDMask,
		ItemType: uint8((word & ObjTypeMask) >> ObjTypeShift),
		Tail:     tail,
	}, nil
}

// EncodeCatalogKey is the write-side counterpart used by the container
// initializer.
func EncodeCatalogKey(k CatalogKey) []byte {
	word := (k.ObjID & ObjIDMask) | (uint64(k.ItemType)<<ObjTypeShift)&ObjTypeMask
	buf := make([]byte, 8+len(k.Tail))
	binary.LittleEndian.PutUint64(buf[0:8], word)
	copy(buf[8:], k.Tail)
	return buf
}

// OMapKey is the decoded object-map key: an object id carrying the
// transaction id it was written under. init_omap_key orders and matches
// omap records by oid alone; XID rides along as payload for callers that
// want to know which version a lookup landed on, but never participates
// in comparison.
type OMapKey struct {
	OID apfsio.OID
	XID apfsio.XID
}

var _ Key = OMapKey{}

func (k OMapKey) String() string { return fmt.Sprintf("omap{oid=%v, xid=0x%x}", k.OID, uint64(k.XID)) }

func (k OMapKey) CompareTo(other Key) int {
	o, ok := other.(OMapKey)
	if !ok {
		panic(fmt.Sprintf("compare_keys: mismatched key kinds: %T vs %T", k, other))
	}
	if k.OID != o.OID {
		if k.OID < o.OID {
			return -1
		}
		return 1
	}
	return 0
}

func (k OMapKey) StripDisambiguator() Key { return k }

// DecodeOMapKey implements decode_omap_key.
func DecodeOMapKey(data []byte) (OMapKey, error) {
	raw, err := apfsio.DecodeOMapKey(data)
	if err != nil {
		return OMapKey{}, err
	}
	return OMapKey{OID: raw.OID, XID: raw.XID}, nil
}

// MakeOMapKey implements make_omap_key: an object-map lookup searches for
// oid alone. XID is left zero; CompareTo never inspects it.
func MakeOMapKey(oid apfsio.OID) OMapKey {
	return OMapKey{OID: oid}
}

// EncodeOMapKey is the write-side counterpart used by the container
// initializer.
func EncodeOMapKey(k OMapKey) []byte {
	return apfsio.EncodeOMapKey(apfsio.OMapKey{OID: k.OID, XID: k.XID})
}

// Bottom is the sentinel key that compares less than every real key,
// used to seed check_subtree's threaded last_key.
type Bottom struct{}

var _ Key = Bottom{}

func (Bottom) String() string { return "⊥" }

func (Bottom) CompareTo(other Key) int {
	if _, ok := other.(Bottom); ok {
		return 0
	}
	return -1
}

func (b Bottom) StripDisambiguator() Key { return b }

// CompareKeys implements compare_keys. Bottom is handled specially so
// that check_subtree can seed its threaded last_key without knowing the
// tree kind in advance.
func CompareKeys(a, b Key) int {
	if _, ok := a.(Bottom); ok {
		return a.CompareTo(b)
	}
	if _, ok := b.(Bottom); ok {
		return -b.CompareTo(a)
	}
	return a.CompareTo(b)
}
