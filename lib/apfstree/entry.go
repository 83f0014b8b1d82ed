// SPDX-License-Identifier: GPL-2.0-or-later

package apfstree

import (
	"errors"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfskey"
)

// OMapLookup resolves object id into a physical block number by running a
// single-shot EXACT query against omapRoot. A miss is fatal here: every
// caller of OMapLookup already expects the object it names to exist.
func OMapLookup(dev apfsio.Device, omapRoot *apfsio.Node, oid apfsio.OID) (apfsio.BlockNumber, error) {
	return OMapLookupWithMaxDepth(dev, omapRoot, oid, MaxDepth)
}

// OMapLookupWithMaxDepth is OMapLookup with an explicit descent bound.
func OMapLookupWithMaxDepth(dev apfsio.Device, omapRoot *apfsio.Node, oid apfsio.OID, maxDepth int) (apfsio.BlockNumber, error) {
	q := NewQueryWithMaxDepth(KindOMap, dev, nil, omapRoot, apfskey.MakeOMapKey(oid), FlagExact, maxDepth)
	found, err := ExecuteQuery(q)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fatalf(ReasonStructural, omapRoot.BlockNr, "omap_lookup: no mapping for %v", oid)
		}
		return 0, err
	}
	value, err := found.Node.ValueBytes(found.Index)
	if err != nil {
		return 0, fatalf(ReasonStructural, found.Node.BlockNr, "%s", err)
	}
	if len(value) != apfsio.OMapValSize {
		return 0, fatalf(ReasonWrongValueSize, found.Node.BlockNr, "omap value for %v is %d bytes, want %d", oid, len(value), apfsio.OMapValSize)
	}
	ov, err := apfsio.DecodeOMapVal(value)
	if err != nil {
		return 0, fatalf(ReasonStructural, found.Node.BlockNr, "%s", err)
	}
	return ov.Paddr, nil
}

// ParseOMapBTree loads the object map named by omapPhysBno (the block
// holding the omap_phys_t container, not itself a btree node), verifies
// its header, loads its tree root, and runs the key-ordering check over
// the whole tree. Inside the object map, child ids are already block
// numbers: there is no further indirection to apply while walking it.
func ParseOMapBTree(dev apfsio.Device, omapPhysBno apfsio.BlockNumber) (*apfsio.Node, error) {
	return ParseOMapBTreeWithMaxDepth(dev, omapPhysBno, MaxDepth)
}

// ParseOMapBTreeWithMaxDepth is ParseOMapBTree with an explicit depth bound.
func ParseOMapBTreeWithMaxDepth(dev apfsio.Device, omapPhysBno apfsio.BlockNumber, maxDepth int) (*apfsio.Node, error) {
	raw, err := dev.ReadBlockAt(omapPhysBno)
	if err != nil {
		return nil, fatalf(ReasonIO, omapPhysBno, "%s", err)
	}
	if !apfsio.VerifyObjectChecksum(raw) {
		return nil, fatalf(ReasonChecksum, omapPhysBno, "omap header checksum mismatch")
	}
	omap, err := apfsio.DecodeOMapPhys(raw)
	if err != nil {
		return nil, fatalf(ReasonStructural, omapPhysBno, "%s", err)
	}
	if omap.Obj.OID != apfsio.OID(omapPhysBno) {
		return nil, fatalf(ReasonWrongChildOID, omapPhysBno, "omap header oid %v does not match its block", omap.Obj.OID)
	}

	root, err := loadNode(dev, apfsio.BlockNumber(omap.TreeOID))
	if err != nil {
		return nil, err
	}
	lastKey := apfskey.Key(apfskey.Bottom{})
	if err := CheckSubtree(dev, root, &lastKey, nil, 0, maxDepth); err != nil {
		return nil, err
	}
	return root, nil
}

// ParseCatBTree resolves oid through omapRoot to find a catalog tree's
// root block, loads it, and runs the key-ordering check.
func ParseCatBTree(dev apfsio.Device, oid apfsio.OID, omapRoot *apfsio.Node) (*apfsio.Node, error) {
	return ParseCatBTreeWithMaxDepth(dev, oid, omapRoot, MaxDepth)
}

// ParseCatBTreeWithMaxDepth is ParseCatBTree with an explicit depth bound.
func ParseCatBTreeWithMaxDepth(dev apfsio.Device, oid apfsio.OID, omapRoot *apfsio.Node, maxDepth int) (*apfsio.Node, error) {
	rootBno, err := OMapLookupWithMaxDepth(dev, omapRoot, oid, maxDepth)
	if err != nil {
		return nil, err
	}
	root, err := loadNode(dev, rootBno)
	if err != nil {
		return nil, err
	}
	if root.Obj.OID != oid {
		return nil, fatalf(ReasonWrongChildOID, root.BlockNr, "catalog root for %v resolved to node with oid %v", oid, root.Obj.OID)
	}
	lastKey := apfskey.Key(apfskey.Bottom{})
	if err := CheckSubtree(dev, root, &lastKey, omapRoot, 0, maxDepth); err != nil {
		return nil, err
	}
	return root, nil
}
