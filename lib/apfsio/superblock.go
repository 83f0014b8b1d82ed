// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// NXMagic and APFSMagic are the four-character-code magic numbers that
// open the container superblock and each volume superblock,
// respectively ('NXSB' and 'APSB' read little-endian).
const (
	NXMagic   = 0x4253584e
	APFSMagic = 0x42535041

	// NXMaxFileSystems bounds the container's volume-oid array, as in
	// the on-disk format.
	NXMaxFileSystems = 100

	// NXSuperblockSize and APFSSuperblockSize are this module's
	// on-disk sizes for the two superblock kinds. They are laid out
	// to hold every field this checker (and the paired initializer)
	// need; they are not a byte-for-byte reproduction of the full
	// upstream field list, which carries many fields (space manager
	// tunables, feature-flag bits, sealed-volume metadata, and so on)
	// this checker never inspects.
	NXSuperblockSize   = 0x58 + NXMaxFileSystems*8
	APFSSuperblockSize = 0xa0
)

// NXSuperblock is the decoded container superblock: the object that
// names the object map through which every volume's catalog is resolved.
type NXSuperblock struct {
	Obj         ObjPhys
	Magic       uint32
	BlockSize   uint32
	BlockCount  uint64
	UUID        UUID
	NextOID     OID
	NextXID     XID
	OmapOID     OID
	VolumeOIDs  []OID // NXMaxFileSystems entries; zero entries are unused slots
}

// DecodeNXSuperblock parses a container superblock. It performs the two
// checks the underlying algorithm mandates before trusting any of the
// object's other contents: checksum (left to the caller, since it needs
// the whole block) and magic.
func DecodeNXSuperblock(block []byte) (NXSuperblock, error) {
	if len(block) < NXSuperblockSize {
		return NXSuperblock{}, fmt.Errorf("block too short for container superblock: %d bytes", len(block))
	}
	obj, err := DecodeObjPhys(block)
	if err != nil {
		return NXSuperblock{}, err
	}
	magic := binary.LittleEndian.Uint32(block[0x20:0x24])
	if magic != NXMagic {
		return NXSuperblock{}, fmt.Errorf("bad container magic: 0x%x", magic)
	}
	sb := NXSuperblock{
		Obj:        obj,
		Magic:      magic,
		BlockSize:  binary.LittleEndian.Uint32(block[0x24:0x28]),
		BlockCount: binary.LittleEndian.Uint64(block[0x28:0x30]),
		UUID:       uuid.Must(uuid.FromBytes(block[0x30:0x40])),
		NextOID:    OID(binary.LittleEndian.Uint64(block[0x40:0x48])),
		NextXID:    XID(binary.LittleEndian.Uint64(block[0x48:0x50])),
		OmapOID:    OID(binary.LittleEndian.Uint64(block[0x50:0x58])),
		VolumeOIDs: make([]OID, NXMaxFileSystems),
	}
	base := 0x58
	for i := 0; i < NXMaxFileSystems; i++ {
		sb.VolumeOIDs[i] = OID(binary.LittleEndian.Uint64(block[base+i*8 : base+i*8+8]))
	}
	return sb, nil
}

// EncodeNXSuperblockInto is the write-side counterpart used by the
// container initializer.
func EncodeNXSuperblockInto(block []byte, sb NXSuperblock) {
	EncodeObjPhysInto(block, sb.Obj)
	binary.LittleEndian.PutUint32(block[0x20:0x24], NXMagic)
	binary.LittleEndian.PutUint32(block[0x24:0x28], sb.BlockSize)
	binary.LittleEndian.PutUint64(block[0x28:0x30], sb.BlockCount)
	copy(block[0x30:0x40], sb.UUID[:])
	binary.LittleEndian.PutUint64(block[0x40:0x48], uint64(sb.NextOID))
	binary.LittleEndian.PutUint64(block[0x48:0x50], uint64(sb.NextXID))
	binary.LittleEndian.PutUint64(block[0x50:0x58], uint64(sb.OmapOID))
	base := 0x58
	for i, oid := range sb.VolumeOIDs {
		if i >= NXMaxFileSystems {
			break
		}
		binary.LittleEndian.PutUint64(block[base+i*8:base+i*8+8], uint64(oid))
	}
}

// APFSSuperblock is the decoded volume superblock: names the volume's
// catalog root and the volume's own object map (OmapOID), through which
// the catalog root's oid resolves to a physical block.
type APFSSuperblock struct {
	Obj            ObjPhys
	Magic          uint32
	FSIndex        uint32
	VolUUID        UUID
	RootTreeOID    OID
	ExtentrefTreeOID OID
	OmapOID        OID // the volume's own object map, distinct from the container's
	VolName        string
}

const apfsVolNameLen = 64

// DecodeAPFSSuperblock parses a volume superblock.
func DecodeAPFSSuperblock(block []byte) (APFSSuperblock, error) {
	if len(block) < APFSSuperblockSize {
		return APFSSuperblock{}, fmt.Errorf("block too short for volume superblock: %d bytes", len(block))
	}
	obj, err := DecodeObjPhys(block)
	if err != nil {
		return APFSSuperblock{}, err
	}
	magic := binary.LittleEndian.Uint32(block[0x20:0x24])
	if magic != APFSMagic {
		return APFSSuperblock{}, fmt.Errorf("bad volume magic: 0x%x", magic)
	}
	nameBytes := block[0x50 : 0x50+apfsVolNameLen]
	nul := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			nul = i
			break
		}
	}
	return APFSSuperblock{
		Obj:              obj,
		Magic:            magic,
		FSIndex:          binary.LittleEndian.Uint32(block[0x24:0x28]),
		VolUUID:          uuid.Must(uuid.FromBytes(block[0x28:0x38])),
		RootTreeOID:      OID(binary.LittleEndian.Uint64(block[0x38:0x40])),
		ExtentrefTreeOID: OID(binary.LittleEndian.Uint64(block[0x40:0x48])),
		OmapOID:          OID(binary.LittleEndian.Uint64(block[0x48:0x50])),
		VolName:          string(nameBytes[:nul]),
	}, nil
}

// EncodeAPFSSuperblockInto is the write-side counterpart used by the
// container initializer.
func EncodeAPFSSuperblockInto(block []byte, sb APFSSuperblock) {
	EncodeObjPhysInto(block, sb.Obj)
	binary.LittleEndian.PutUint32(block[0x20:0x24], APFSMagic)
	binary.LittleEndian.PutUint32(block[0x24:0x28], sb.FSIndex)
	copy(block[0x28:0x38], sb.VolUUID[:])
	binary.LittleEndian.PutUint64(block[0x38:0x40], uint64(sb.RootTreeOID))
	binary.LittleEndian.PutUint64(block[0x40:0x48], uint64(sb.ExtentrefTreeOID))
	binary.LittleEndian.PutUint64(block[0x48:0x50], uint64(sb.OmapOID))
	name := sb.VolName
	if len(name) > apfsVolNameLen-1 {
		name = name[:apfsVolNameLen-1]
	}
	copy(block[0x50:0x50+apfsVolNameLen], []byte(name))
}
