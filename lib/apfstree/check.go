// SPDX-License-Identifier: GPL-2.0-or-later

package apfstree

import (
	"encoding/binary"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfskey"
)

// CheckSubtree is the recursive top-down pre-order walk that asserts key
// ordering across a whole subtree and leaf-key uniqueness within each
// leaf. lastKey is threaded by the caller across sibling calls at the
// same level and is updated in place as the walk proceeds; pass
// apfskey.Bottom{} to start a fresh walk. depth is the caller's distance
// from the root (0 there); maxDepth bounds it exactly as ExecuteQuery's
// descent is bounded, so a corrupt tree cannot recurse without limit.
//
// omapRoot is nil when node belongs to the object map itself, in which
// case interior values are already block numbers; otherwise it is the
// object map root used to resolve each interior record's child id.
func CheckSubtree(dev apfsio.Device, node *apfsio.Node, lastKey *apfskey.Key, omapRoot *apfsio.Node, depth, maxDepth int) error {
	if depth >= maxDepth {
		return fatalf(ReasonDepthOverflow, node.BlockNr, "subtree depth exceeded %d levels", maxDepth)
	}
	kind := KindCatalog
	if omapRoot == nil {
		kind = KindOMap
	}

	for i := uint32(0); i < node.RecordCount; i++ {
		raw, err := node.KeyBytes(i)
		if err != nil {
			return fatalf(ReasonStructural, node.BlockNr, "%s", err)
		}
		curr, err := kind.decodeKey(raw)
		if err != nil {
			return fatalf(ReasonStructural, node.BlockNr, "decode key %d: %s", i, err)
		}

		if apfskey.CompareKeys(*lastKey, curr) > 0 {
			return fatalf(ReasonOrdering, node.BlockNr, "key %d (%v) is out of order after %v", i, curr, *lastKey)
		}
		if i > 0 && node.IsLeaf() && apfskey.CompareKeys(*lastKey, curr) == 0 {
			return fatalf(ReasonDuplicateKey, node.BlockNr, "key %d (%v) duplicates the previous leaf key", i, curr)
		}
		*lastKey = curr

		if node.IsLeaf() {
			continue
		}

		value, err := node.ValueBytes(i)
		if err != nil {
			return fatalf(ReasonStructural, node.BlockNr, "%s", err)
		}
		if len(value) != 8 {
			return fatalf(ReasonWrongValueSize, node.BlockNr, "interior record %d has %d-byte value, want 8", i, len(value))
		}
		childID := apfsio.OID(binary.LittleEndian.Uint64(value))

		var childBno apfsio.BlockNumber
		if omapRoot == nil {
			childBno = apfsio.BlockNumber(childID)
		} else {
			childBno, err = OMapLookupWithMaxDepth(dev, omapRoot, childID, maxDepth)
			if err != nil {
				return err
			}
		}
		child, err := loadNode(dev, childBno)
		if err != nil {
			return err
		}
		if child.Obj.OID != childID {
			return fatalf(ReasonWrongChildOID, child.BlockNr, "separator names child %v, loaded node has oid %v", childID, child.Obj.OID)
		}
		if err := CheckSubtree(dev, child, lastKey, omapRoot, depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}
