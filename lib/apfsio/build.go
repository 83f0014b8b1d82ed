// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio

import (
	"encoding/binary"
	"fmt"
)

// Record is one key/value pair to place in a node built by BuildNode.
type Record struct {
	Key   []byte
	Value []byte
}

// NodeBuildOpts describes a node to write. FixedKV selects the 16-byte-key
// record-locator encoding used by the object map; leave it false for
// catalog nodes, which use the variable encoding.
type NodeBuildOpts struct {
	OID      OID
	XID      XID
	Level    uint16
	IsRoot   bool
	IsLeaf   bool
	FixedKV  bool
	// IsVirtual marks a node addressed only through the object map
	// (catalog nodes); object-map nodes themselves are physical, addressed
	// directly by block number.
	IsVirtual bool
	Records   []Record
}

// BuildNode lays out a btree node into a freshly zeroed block of dev's
// block size and writes it at bno. Keys are packed forward from the end of
// the record-locator table; values are packed backward from the end of the
// block (or from the start of the root footer, for root nodes) — the
// mirror image of what LoadNode's LocateKey/LocateValue expect.
func BuildNode(dev Device, bno BlockNumber, opts NodeBuildOpts) error {
	blockSize := dev.BlockSize()
	block := make([]byte, blockSize)

	valueAreaEnd := blockSize
	if opts.IsRoot {
		if blockSize < FooterSize {
			return fmt.Errorf("build node at block %v: block size %d too small for root footer", bno, blockSize)
		}
		valueAreaEnd = blockSize - FooterSize
	}

	entrySize := uint32(kvLocSize)
	if opts.FixedKV {
		entrySize = kvOffSize
	}
	tableStart := uint32(NodeHeaderSize)
	tableLen := uint32(len(opts.Records)) * entrySize
	keyCursor := tableStart + tableLen
	valCursor := valueAreaEnd

	for _, rec := range opts.Records {
		if opts.FixedKV && (len(rec.Key) != 16 || (opts.IsLeaf && len(rec.Value) != 16) || (!opts.IsLeaf && len(rec.Value) != 8)) {
			return fmt.Errorf("build node at block %v: fixed-layout record has wrong key/value size", bno)
		}
		if keyCursor+uint32(len(rec.Key)) > valCursor-uint32(len(rec.Value)) {
			return fmt.Errorf("build node at block %v: records do not fit in block", bno)
		}
	}

	// key/value bytes, and remember each record's locator so it can be
	// written into the table below once every offset is known.
	type placed struct{ kOff, kLen, vOff, vLen uint16 }
	locators := make([]placed, len(opts.Records))
	for i, rec := range opts.Records {
		copy(block[keyCursor:], rec.Key)
		locators[i].kOff = uint16(keyCursor - tableStart - tableLen)
		locators[i].kLen = uint16(len(rec.Key))
		keyCursor += uint32(len(rec.Key))

		valCursor -= uint32(len(rec.Value))
		copy(block[valCursor:], rec.Value)
		locators[i].vOff = uint16(valueAreaEnd - valCursor)
		locators[i].vLen = uint16(len(rec.Value))
	}

	for i, loc := range locators {
		base := tableStart + uint32(i)*entrySize
		if opts.FixedKV {
			binary.LittleEndian.PutUint16(block[base:base+2], loc.kOff)
			binary.LittleEndian.PutUint16(block[base+2:base+4], loc.vOff)
		} else {
			binary.LittleEndian.PutUint16(block[base:base+2], loc.kOff)
			binary.LittleEndian.PutUint16(block[base+2:base+4], loc.kLen)
			binary.LittleEndian.PutUint16(block[base+4:base+6], loc.vOff)
			binary.LittleEndian.PutUint16(block[base+6:base+8], loc.vLen)
		}
	}

	flags := uint16(0)
	if opts.IsRoot {
		flags |= NodeFlagRoot
	}
	if opts.IsLeaf {
		flags |= NodeFlagLeaf
	}
	if opts.FixedKV {
		flags |= NodeFlagFixedKV
	}
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff:], flags)
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0x2:], opts.Level)
	binary.LittleEndian.PutUint32(block[NodeHeaderExtraOff+0x4:], uint32(len(opts.Records)))
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0x8:], 0)             // table_space.off
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0xa:], uint16(tableLen)) // table_space.len
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0xc:], uint16(keyCursor-tableStart)) // free_space.off
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0xe:], uint16(valCursor-keyCursor))            // free_space.len
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0x10:], BTOffInvalid) // key_free_list head
	binary.LittleEndian.PutUint16(block[NodeHeaderExtraOff+0x14:], BTOffInvalid) // val_free_list head

	flag := uint32(ObjFlagPhysical)
	if opts.IsVirtual {
		flag = ObjFlagVirtual
	}
	EncodeObjPhysInto(block, ObjPhys{
		OID:     opts.OID,
		XID:     opts.XID,
		Type:    uint32(ObjTypeBtreeNode) | flag,
		Subtype: 0,
	})
	SetObjectChecksum(block)
	return dev.WriteBlockAt(bno, block)
}
