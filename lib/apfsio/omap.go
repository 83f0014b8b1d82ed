// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio

import (
	"encoding/binary"
	"fmt"
)

// OMapPhysSize is sizeof(omap_phys_t): the container object that names an
// object map's tree root. It is not itself a btree node.
const OMapPhysSize = 0x58

// OMapPhys is the decoded object-map container header.
type OMapPhys struct {
	Obj              ObjPhys
	Flags            uint32
	SnapCount        uint32
	TreeType         uint32
	SnapshotTreeType uint32
	TreeOID          OID
	SnapshotTreeOID  OID
	MostRecentSnap   XID
}

// DecodeOMapPhys parses an omap_phys_t. Besides the block length it checks
// only the object type: the checksum is verified by the caller via
// VerifyObjectChecksum, and the header oid is compared with its block by
// ParseOMapBTree. It does not bounds-check TreeOID.
func DecodeOMapPhys(block []byte) (OMapPhys, error) {
	if len(block) < OMapPhysSize {
		return OMapPhys{}, fmt.Errorf("block too short for omap header: %d bytes", len(block))
	}
	obj, err := DecodeObjPhys(block)
	if err != nil {
		return OMapPhys{}, err
	}
	if obj.ObjType() != ObjTypeOmap {
		return OMapPhys{}, fmt.Errorf("object type %v is not an object map", obj.ObjType())
	}
	return OMapPhys{
		Obj:              obj,
		Flags:            binary.LittleEndian.Uint32(block[0x20:0x24]),
		SnapCount:        binary.LittleEndian.Uint32(block[0x24:0x28]),
		TreeType:         binary.LittleEndian.Uint32(block[0x28:0x2c]),
		SnapshotTreeType: binary.LittleEndian.Uint32(block[0x2c:0x30]),
		TreeOID:          OID(binary.LittleEndian.Uint64(block[0x30:0x38])),
		SnapshotTreeOID:  OID(binary.LittleEndian.Uint64(block[0x38:0x40])),
		MostRecentSnap:   XID(binary.LittleEndian.Uint64(block[0x40:0x48])),
	}, nil
}

// OMapKeySize and OMapValSize are the fixed on-disk sizes of omap_key_t
// and omap_val_t; LocateValue results for omap leaves must match
// OMapValSize exactly or the record is rejected as "wrong value size".
const (
	OMapKeySize = 0x10
	OMapValSize = 0x10
)

// OMapKey is the decoded key of an object-map leaf/interior record.
type OMapKey struct {
	OID OID
	XID XID
}

// OMapVal is the decoded value of an object-map leaf record.
type OMapVal struct {
	Flags uint32
	Size  uint32
	Paddr BlockNumber
}

// DecodeOMapKey parses an omap_key_t.
func DecodeOMapKey(data []byte) (OMapKey, error) {
	if len(data) != OMapKeySize {
		return OMapKey{}, fmt.Errorf("omap key: expected %d bytes, got %d", OMapKeySize, len(data))
	}
	return OMapKey{
		OID: OID(binary.LittleEndian.Uint64(data[0:8])),
		XID: XID(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}

// EncodeOMapKey is the write-side counterpart used by the container
// initializer.
func EncodeOMapKey(k OMapKey) []byte {
	buf := make([]byte, OMapKeySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(k.OID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(k.XID))
	return buf
}

// DecodeOMapVal parses an omap_val_t.
func DecodeOMapVal(data []byte) (OMapVal, error) {
	if len(data) != OMapValSize {
		return OMapVal{}, fmt.Errorf("omap value: expected %d bytes, got %d", OMapValSize, len(data))
	}
	return OMapVal{
		Flags: binary.LittleEndian.Uint32(data[0:4]),
		Size:  binary.LittleEndian.Uint32(data[4:8]),
		Paddr: BlockNumber(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}

// EncodeOMapVal is the write-side counterpart used by the container
// initializer.
func EncodeOMapVal(v OMapVal) []byte {
	buf := make([]byte, OMapValSize)
	binary.LittleEndian.PutUint32(buf[0:4], v.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], v.Size)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(v.Paddr))
	return buf
}
