// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio

import (
	"encoding/binary"
	"fmt"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/binstruct"
)

// ObjPhysSize is sizeof(obj_phys_t): the fixed header that begins every
// checksummed object in the container (superblocks, omap phys, btree
// nodes).
const ObjPhysSize = 0x20

// ObjPhys is the decoded header shared by every checksummed on-disk
// object. The checksum itself is verified separately by
// VerifyObjectChecksum, since it covers the whole object, not just this
// header.
type ObjPhys struct {
	Checksum      uint64  `bin:"off=0x0,  siz=0x8"`
	OID           OID     `bin:"off=0x8,  siz=0x8"`
	XID           XID     `bin:"off=0x10, siz=0x8"`
	Type          uint32  `bin:"off=0x18, siz=0x4"`
	Subtype       uint32  `bin:"off=0x1c, siz=0x4"`
	binstruct.End `bin:"off=0x20"`
}

func (h ObjPhys) ObjType() ObjType { return ObjType(h.Type & ObjTypeMask) }

// DecodeObjPhys reads the 32-byte object header from the front of block.
func DecodeObjPhys(block []byte) (ObjPhys, error) {
	if len(block) < ObjPhysSize {
		return ObjPhys{}, fmt.Errorf("block too short for object header: %d bytes", len(block))
	}
	var h ObjPhys
	if _, err := binstruct.Unmarshal(block[:ObjPhysSize], &h); err != nil {
		return ObjPhys{}, fmt.Errorf("decode object header: %w", err)
	}
	return h, nil
}

// EncodeObjPhysInto writes h's fields (except Checksum, which the caller
// fills in last via SetObjectChecksum) into the front of block.
func EncodeObjPhysInto(block []byte, h ObjPhys) {
	binary.LittleEndian.PutUint64(block[0x8:0x10], uint64(h.OID))
	binary.LittleEndian.PutUint64(block[0x10:0x18], uint64(h.XID))
	binary.LittleEndian.PutUint32(block[0x18:0x1c], h.Type)
	binary.LittleEndian.PutUint32(block[0x1c:0x20], h.Subtype)
}
