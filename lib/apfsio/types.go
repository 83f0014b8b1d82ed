// SPDX-License-Identifier: GPL-2.0-or-later

// Package apfsio provides the on-disk layout and block-access primitives
// that everything else in this module is built on: object headers, node
// headers, key/value locator tables, the object map container, and the
// checksum that guards all of it.
package apfsio

import (
	"fmt"

	"github.com/google/uuid"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/fmtutil"
)

// BlockNumber is a physical block address: an index into the device,
// counted in units of BlockSize.
type BlockNumber uint64

func (b BlockNumber) String() string { return fmt.Sprintf("0x%x", uint64(b)) }

// Format implements fmt.Formatter: %v, %s and %q print the hex form from
// String; every other verb prints the plain integer, without the digit
// grouping a locale-aware printer would otherwise add.
func (b BlockNumber) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), b.String())
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), uint64(b))
	}
}

// OID is a virtual object identifier: stable across relocations, resolved
// to a BlockNumber through the object map.
type OID uint64

func (o OID) String() string { return fmt.Sprintf("oid:0x%x", uint64(o)) }

// XID is a transaction identifier (checkpoint generation).
type XID uint64

// UUID wraps github.com/google/uuid for the fixed 16-byte UUID fields
// present in object headers and superblocks.
type UUID = uuid.UUID

// ObjType is the low 16 bits (roughly) of an object header's o_type field;
// see the ObjType* constants.
type ObjType uint32

const (
	ObjTypeInvalid    ObjType = 0x0
	ObjTypeNXSuperblock ObjType = 0x1
	ObjTypeBtree      ObjType = 0x2
	ObjTypeBtreeNode  ObjType = 0x3
	ObjTypeOmap       ObjType = 0xb
	ObjTypeFS         ObjType = 0xd
)

const (
	ObjTypeMask  = 0x0000ffff
	ObjFlagsMask = 0xffff0000

	ObjFlagVirtual   = 0x00000000
	ObjFlagEphemeral = 0x80000000
	ObjFlagPhysical  = 0x40000000
	ObjFlagNoheader  = 0x20000000
	ObjFlagEncrypted = 0x10000000
	ObjFlagNonpersist = 0x08000000
)

func (t ObjType) String() string {
	switch ObjType(uint32(t) & ObjTypeMask) {
	case ObjTypeNXSuperblock:
		return "container-superblock"
	case ObjTypeBtree:
		return "btree-root"
	case ObjTypeBtreeNode:
		return "btree-node"
	case ObjTypeOmap:
		return "omap"
	case ObjTypeFS:
		return "volume-superblock"
	default:
		return fmt.Sprintf("obj-type-0x%x", uint32(t))
	}
}
