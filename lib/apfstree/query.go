// SPDX-License-Identifier: GPL-2.0-or-later

package apfstree

import (
	"encoding/binary"
	"errors"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfskey"
)

// MaxDepth is the default maximum root-to-leaf depth this checker will
// follow before declaring the tree corrupt. It is configurable per query
// via Query.MaxDepth; NewQuery seeds it from this constant.
const MaxDepth = 12

// Kind selects which tree a Query walks, and therefore which key
// decoder and which child-resolution rule (interior values in an object
// map are already block numbers; everywhere else they must be resolved
// through the object map) it uses.
type Kind int

const (
	KindCatalog Kind = iota
	KindOMap
)

func (k Kind) decodeKey(data []byte) (apfskey.Key, error) {
	switch k {
	case KindOMap:
		return apfskey.DecodeOMapKey(data)
	default:
		return apfskey.DecodeCatalogKey(data)
	}
}

// QueryFlags mirrors the EXACT/MULTIPLE/NEXT/DONE bitset from the
// underlying algorithm. Tree kind is tracked separately, as Kind above,
// rather than folded into this bitset.
type QueryFlags uint8

const (
	FlagExact QueryFlags = 1 << iota
	FlagMultiple
	FlagNext
	FlagDone
)

func (f QueryFlags) has(bit QueryFlags) bool { return f&bit != 0 }

// Query is an active search cursor. It forms a linked parent chain, one
// per tree level, exactly as described for the underlying algorithm: a
// pushed child inherits Key and Flags&^(Done|Next), and detaching Parent
// (setting it to nil) is the only way backtracking transfers ownership
// of an ancestor to the continuation.
type Query struct {
	Kind   Kind
	Dev    apfsio.Device
	OMap   *apfsio.Node // nil when Kind == KindOMap

	Node     *apfsio.Node
	Parent   *Query
	Key      apfskey.Key
	Index    uint32
	Depth    int
	MaxDepth int
	Flags    QueryFlags

	// KeyOff/KeyLen/Off/Len are the outputs of the latest successful
	// locate: the key and value byte spans within Node's block.
	KeyOff, KeyLen int
	Off, Len       int
}

// NewQuery constructs a fresh, unattached query rooted at node, bounded to
// the default MaxDepth. Use NewQueryWithMaxDepth to override the bound.
func NewQuery(kind Kind, dev apfsio.Device, omapRoot *apfsio.Node, node *apfsio.Node, key apfskey.Key, flags QueryFlags) *Query {
	return NewQueryWithMaxDepth(kind, dev, omapRoot, node, key, flags, MaxDepth)
}

// NewQueryWithMaxDepth is NewQuery with an explicit depth bound, for
// callers wired to a configurable max_depth.
func NewQueryWithMaxDepth(kind Kind, dev apfsio.Device, omapRoot *apfsio.Node, node *apfsio.Node, key apfskey.Key, flags QueryFlags, maxDepth int) *Query {
	return &Query{
		Kind:     kind,
		Dev:      dev,
		OMap:     omapRoot,
		Node:     node,
		Key:      key,
		Index:    node.RecordCount,
		MaxDepth: maxDepth,
		Flags:    flags,
	}
}

// searchResult is the internal outcome of one node-local search step.
type searchResult int

const (
	resultProceed searchResult = iota
	resultNotFound
	resultTryAnotherBranch
)

func divRoundUp(a, b int) int { return (a + b - 1) / b }

// SearchNode implements search_node: bisection within a single node,
// looking for the greatest index whose key is <= q.Key.
//
// Precondition: q.Index holds the exclusive upper bound of the search
// range (record_count on first entry to this node).
func (q *Query) SearchNode() (searchResult, error) {
	node := q.Node
	cmp := 1
	left := 0
	right := 0
	for {
		if cmp > 0 {
			right = int(q.Index) - 1
			if right < left {
				return resultNotFound, nil
			}
			q.Index = uint32((left + right) / 2)
		} else {
			left = int(q.Index)
			q.Index = uint32(divRoundUp(left+right, 2))
		}
		curr, err := q.decodeKeyAt(q.Index)
		if err != nil {
			return 0, err
		}
		cmp = apfskey.CompareKeys(curr, q.effectiveTarget())
		if cmp == 0 && !q.Flags.has(FlagMultiple) {
			break
		}
		if left == right {
			break
		}
	}

	if cmp > 0 {
		return resultNotFound, nil
	}
	if node.IsLeaf() && q.Flags.has(FlagExact) && cmp != 0 {
		return resultNotFound, nil
	}
	if q.Flags.has(FlagMultiple) {
		q.Flags |= FlagNext
		if cmp != 0 {
			q.Flags |= FlagDone
		}
	}
	off, length, err := node.LocateValue(q.Index)
	if err != nil {
		return 0, fatalf(ReasonStructural, node.BlockNr, "%s", err)
	}
	if length == 0 {
		return 0, fatalf(ReasonWrongValueSize, node.BlockNr, "record %d has zero-length value", q.Index)
	}
	q.Off, q.Len = off, length
	koff, klen, err := node.LocateKey(q.Index)
	if err != nil {
		return 0, fatalf(ReasonStructural, node.BlockNr, "%s", err)
	}
	q.KeyOff, q.KeyLen = koff, klen
	return resultProceed, nil
}

// AdvanceNode implements advance_node: used only in MULTIPLE mode to
// step a range cursor past the previously-returned record within the
// same node.
func (q *Query) AdvanceNode() (searchResult, error) {
	if q.Flags.has(FlagDone) {
		return resultNotFound, nil
	}
	if q.Index == 0 {
		return resultTryAnotherBranch, nil
	}
	q.Index--
	curr, err := q.decodeKeyAt(q.Index)
	if err != nil {
		return 0, err
	}
	cmp := apfskey.CompareKeys(curr, q.effectiveTarget())
	if cmp > 0 {
		return 0, fatalf(ReasonOrdering, q.Node.BlockNr, "advance_node: key at %d compares greater than target", q.Index)
	}
	if q.Node.IsLeaf() && q.Flags.has(FlagExact) && cmp != 0 {
		return resultNotFound, nil
	}
	off, length, err := q.Node.LocateValue(q.Index)
	if err != nil {
		return 0, fatalf(ReasonStructural, q.Node.BlockNr, "%s", err)
	}
	if length == 0 {
		return 0, fatalf(ReasonWrongValueSize, q.Node.BlockNr, "record %d has zero-length value", q.Index)
	}
	if cmp != 0 {
		q.Flags |= FlagDone
	}
	q.Off, q.Len = off, length
	koff, klen, err := q.Node.LocateKey(q.Index)
	if err != nil {
		return 0, fatalf(ReasonStructural, q.Node.BlockNr, "%s", err)
	}
	q.KeyOff, q.KeyLen = koff, klen
	return resultProceed, nil
}

// effectiveTarget applies MULTIPLE-mode subkey stripping to the search
// key before comparison.
func (q *Query) effectiveTarget() apfskey.Key {
	if q.Flags.has(FlagMultiple) {
		return q.Key.StripDisambiguator()
	}
	return q.Key
}

func (q *Query) decodeKeyAt(index uint32) (apfskey.Key, error) {
	raw, err := q.Node.KeyBytes(index)
	if err != nil {
		return nil, fatalf(ReasonStructural, q.Node.BlockNr, "%s", err)
	}
	k, err := q.Kind.decodeKey(raw)
	if err != nil {
		return nil, fatalf(ReasonStructural, q.Node.BlockNr, "decode key %d: %s", index, err)
	}
	if q.Flags.has(FlagMultiple) {
		k = k.StripDisambiguator()
	}
	return k, nil
}

// ExecuteQuery implements execute_query: the iterative top-down descent
// with backtracking. It returns ErrNotFound as the sole recoverable
// outcome; any other error is fatal corruption.
func ExecuteQuery(q *Query) (*Query, error) {
	for {
		if q.Depth >= q.MaxDepth {
			return nil, fatalf(ReasonDepthOverflow, q.Node.BlockNr, "descent exceeded %d levels", q.MaxDepth)
		}

		var r searchResult
		var err error
		if q.Flags.has(FlagNext) {
			r, err = q.AdvanceNode()
		} else {
			r, err = q.SearchNode()
		}
		if err != nil {
			return nil, err
		}

		if r == resultTryAnotherBranch {
			if q.Parent == nil {
				return nil, ErrNotFound
			}
			parent := q.Parent
			q.Parent = nil // detach: ownership of parent transfers to the continuation
			q = parent
			continue
		}
		if r == resultNotFound {
			return nil, ErrNotFound
		}
		if q.Node.IsLeaf() {
			return q, nil
		}

		childID, err := q.childOIDAt()
		if err != nil {
			return nil, err
		}
		childBno, err := q.resolveChildBlock(childID)
		if err != nil {
			return nil, err
		}
		child, err := loadNode(q.Dev, childBno)
		if err != nil {
			return nil, err
		}
		if apfsio.OID(child.Obj.OID) != childID {
			return nil, fatalf(ReasonWrongChildOID, child.BlockNr, "expected oid %v, got %v", childID, child.Obj.OID)
		}

		if q.Flags.has(FlagMultiple) {
			// Push: keep the parent chain, so a later
			// TRY_ANOTHER_BRANCH can resume the search at this
			// level.
			pushed := &Query{
				Kind:     q.Kind,
				Dev:      q.Dev,
				OMap:     q.OMap,
				Node:     child,
				Parent:   q,
				Key:      q.Key,
				Index:    child.RecordCount,
				Depth:    q.Depth + 1,
				MaxDepth: q.MaxDepth,
				Flags:    q.Flags &^ (FlagDone | FlagNext),
			}
			q = pushed
		} else {
			// Replace in place: the previous node becomes
			// unreachable once q.Node is overwritten.
			q.Node = child
			q.Index = child.RecordCount
			q.Depth++
			q.Flags &^= FlagDone | FlagNext
		}
	}
}

func (q *Query) childOIDAt() (apfsio.OID, error) {
	value, err := q.Node.ValueBytes(q.Index)
	if err != nil {
		return 0, fatalf(ReasonStructural, q.Node.BlockNr, "%s", err)
	}
	if len(value) != 8 {
		return 0, fatalf(ReasonWrongValueSize, q.Node.BlockNr, "interior record %d has %d-byte value, want 8", q.Index, len(value))
	}
	return apfsio.OID(binary.LittleEndian.Uint64(value)), nil
}

func (q *Query) resolveChildBlock(childID apfsio.OID) (apfsio.BlockNumber, error) {
	if q.Kind == KindOMap {
		return apfsio.BlockNumber(childID), nil
	}
	return OMapLookup(q.Dev, q.OMap, childID)
}

func loadNode(dev apfsio.Device, bno apfsio.BlockNumber) (*apfsio.Node, error) {
	n, err := apfsio.LoadNode(dev, bno)
	if err != nil {
		switch {
		case errors.Is(err, apfsio.ErrIO):
			return nil, fatalf(ReasonIO, bno, "%s", err)
		case errors.Is(err, apfsio.ErrChecksum):
			return nil, fatalf(ReasonChecksum, bno, "%s", err)
		default:
			return nil, fatalf(ReasonStructural, bno, "%s", err)
		}
	}
	return n, nil
}
