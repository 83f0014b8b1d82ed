// SPDX-License-Identifier: GPL-2.0-or-later

package apfstree_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfskey"
	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfstree"
)

func encodeChildID(bno apfsio.BlockNumber) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(bno))
	return buf
}

// buildFlatOMap writes a single fixed-KV leaf node standing in as a whole
// object map, and returns it loaded.
func buildFlatOMap(t *testing.T, dev apfsio.Device, bno apfsio.BlockNumber, mappings map[apfsio.OID]apfsio.BlockNumber) *apfsio.Node {
	t.Helper()
	oids := make([]apfsio.OID, 0, len(mappings))
	for oid := range mappings {
		oids = append(oids, oid)
	}
	// insertion order must be ascending for the ordering check
	for i := 0; i < len(oids); i++ {
		for j := i + 1; j < len(oids); j++ {
			if oids[j] < oids[i] {
				oids[i], oids[j] = oids[j], oids[i]
			}
		}
	}
	records := make([]apfsio.Record, 0, len(oids))
	for _, oid := range oids {
		records = append(records, apfsio.Record{
			Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: oid, XID: 1}),
			Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: dev.BlockSize(), Paddr: mappings[oid]}),
		})
	}
	require.NoError(t, apfsio.BuildNode(dev, bno, apfsio.NodeBuildOpts{
		OID:     apfsio.OID(bno),
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		FixedKV: true,
		Records: records,
	}))
	node, err := apfsio.LoadNode(dev, bno)
	require.NoError(t, err)
	return node
}

func TestOMapLookupTwoLevel(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 8)

	require.NoError(t, apfsio.BuildNode(dev, 3, apfsio.NodeBuildOpts{
		OID:     3,
		XID:     1,
		IsLeaf:  true,
		FixedKV: true,
		Records: []apfsio.Record{
			{
				// A record written under an ordinary transaction id, not
				// any sentinel: a lookup must still find it on oid alone.
				Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1}),
				Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 5}),
			},
			{
				Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x20, XID: 3}),
				Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 6}),
			},
		},
	}))
	require.NoError(t, apfsio.BuildNode(dev, 2, apfsio.NodeBuildOpts{
		OID:     2,
		XID:     1,
		IsRoot:  true,
		FixedKV: true,
		Records: []apfsio.Record{
			{
				Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1}),
				Value: encodeChildID(3),
			},
		},
	}))

	root, err := apfsio.LoadNode(dev, 2)
	require.NoError(t, err)

	got, err := apfstree.OMapLookup(dev, root, 0x10)
	require.NoError(t, err)
	assert.Equal(t, apfsio.BlockNumber(5), got)

	got, err = apfstree.OMapLookup(dev, root, 0x20)
	require.NoError(t, err)
	assert.Equal(t, apfsio.BlockNumber(6), got)
}

func TestOMapLookupMissingIsFatal(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	root := buildFlatOMap(t, dev, 0, map[apfsio.OID]apfsio.BlockNumber{0x10: 1})

	_, err := apfstree.OMapLookup(dev, root, 0x99)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
}

func TestParseOMapBTreeDetectsOrderingViolation(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:     1,
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		FixedKV: true,
		Records: []apfsio.Record{
			{
				Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x20, XID: 1}),
				Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 2}),
			},
			{
				Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1}),
				Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 3}),
			},
		},
	}))
	writeOMapHeader(t, dev, 0, 1)

	_, err := apfstree.ParseOMapBTree(dev, 0)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Contains(t, fatal.Error(), "ordering")
}

func TestParseOMapBTreeDetectsDuplicateLeafKey(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	key := apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1})
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:     1,
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		FixedKV: true,
		Records: []apfsio.Record{
			{Key: key, Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 2})},
			{Key: key, Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 3})},
		},
	}))
	writeOMapHeader(t, dev, 0, 1)

	_, err := apfstree.ParseOMapBTree(dev, 0)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Contains(t, fatal.Error(), "duplicate")
}

func TestParseOMapBTreeDetectsWrongChildOID(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	// leaf claims oid 9, but the interior separator names it as child 3
	require.NoError(t, apfsio.BuildNode(dev, 3, apfsio.NodeBuildOpts{
		OID:     9,
		XID:     1,
		IsLeaf:  true,
		FixedKV: true,
		Records: []apfsio.Record{{
			Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1}),
			Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 5}),
		}},
	}))
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:     1,
		XID:     1,
		IsRoot:  true,
		FixedKV: true,
		Records: []apfsio.Record{{
			Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1}),
			Value: encodeChildID(3),
		}},
	}))
	writeOMapHeader(t, dev, 0, 1)

	_, err := apfstree.ParseOMapBTree(dev, 0)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, apfstree.ReasonWrongChildOID, fatal.Reason)
}

func TestCheckSubtreeDepthOverflow(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 1)
	root := buildFlatOMap(t, dev, 0, map[apfsio.OID]apfsio.BlockNumber{1: 0})

	lastKey := apfskey.Key(apfskey.Bottom{})
	err := apfstree.CheckSubtree(dev, root, &lastKey, nil, 0, 0)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, apfstree.ReasonDepthOverflow, fatal.Reason)
}

func TestParseCatBTreeSuccess(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)

	const catOID apfsio.OID = 0x500
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:       catOID,
		XID:       1,
		IsRoot:    true,
		IsLeaf:    true,
		IsVirtual: true,
		Records: []apfsio.Record{
			{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: 2, ItemType: 3}), Value: make([]byte, 8)},
			{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: 3, ItemType: 3}), Value: make([]byte, 8)},
		},
	}))
	omapRoot := buildFlatOMap(t, dev, 0, map[apfsio.OID]apfsio.BlockNumber{catOID: 1})

	root, err := apfstree.ParseCatBTree(dev, catOID, omapRoot)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), root.RecordCount)
}

func TestParseCatBTreeRejectsWrongRootOID(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:       0x999, // does not match the oid it is resolved under
		XID:       1,
		IsRoot:    true,
		IsLeaf:    true,
		IsVirtual: true,
		Records:   []apfsio.Record{{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: 1}), Value: make([]byte, 8)}},
	}))
	omapRoot := buildFlatOMap(t, dev, 0, map[apfsio.OID]apfsio.BlockNumber{0x500: 1})

	_, err := apfstree.ParseCatBTree(dev, 0x500, omapRoot)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, apfstree.ReasonWrongChildOID, fatal.Reason)
}

// TestExecuteQueryMultipleModeSpansLeafBoundary drives the FlagMultiple
// range-cursor machinery (SearchNode -> AdvanceNode -> TRY_ANOTHER_BRANCH
// backtracking) across two catalog leaves that share a stripped primary
// key, matching the range-query-across-node-boundary scenario: six
// results, then NOT_FOUND.
func TestExecuteQueryMultipleModeSpansLeafBoundary(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 8)

	const (
		leaf0OID apfsio.OID = 0x201
		leaf1OID apfsio.OID = 0x202
		objID               = 5
		itemType            = 4
	)

	tailRecord := func(tail byte) apfsio.Record {
		return apfsio.Record{
			Key:   apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: objID, ItemType: itemType, Tail: []byte{tail}}),
			Value: []byte{'v', tail},
		}
	}

	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:       leaf0OID,
		XID:       1,
		IsLeaf:    true,
		IsVirtual: true,
		Records:   []apfsio.Record{tailRecord(1), tailRecord(2), tailRecord(3)},
	}))
	require.NoError(t, apfsio.BuildNode(dev, 2, apfsio.NodeBuildOpts{
		OID:       leaf1OID,
		XID:       1,
		IsLeaf:    true,
		IsVirtual: true,
		Records:   []apfsio.Record{tailRecord(4), tailRecord(5), tailRecord(6)},
	}))
	require.NoError(t, apfsio.BuildNode(dev, 3, apfsio.NodeBuildOpts{
		OID:       3,
		XID:       1,
		IsRoot:    true,
		IsVirtual: true,
		Records: []apfsio.Record{
			{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: objID, ItemType: itemType, Tail: []byte{1}}), Value: encodeChildID(apfsio.BlockNumber(leaf0OID))},
			{Key: apfskey.EncodeCatalogKey(apfskey.CatalogKey{ObjID: objID, ItemType: itemType, Tail: []byte{4}}), Value: encodeChildID(apfsio.BlockNumber(leaf1OID))},
		},
	}))
	omapRoot := buildFlatOMap(t, dev, 0, map[apfsio.OID]apfsio.BlockNumber{
		leaf0OID: 1,
		leaf1OID: 2,
	})
	root, err := apfsio.LoadNode(dev, 3)
	require.NoError(t, err)

	target := apfskey.Key(apfskey.CatalogKey{ObjID: objID, ItemType: itemType})
	q := apfstree.NewQuery(apfstree.KindCatalog, dev, omapRoot, root, target, apfstree.FlagMultiple)

	// The sequence a bisection-then-backward-advance cursor produces
	// across two ascending-order leaves sharing one primary key: the
	// last leaf's records first (highest index down to zero), then the
	// first leaf's, in the same descending-index order. It is fully
	// determined by search_node/advance_node and reproducible from a
	// fresh cursor.
	wantTails := []byte{6, 5, 4, 3, 2, 1}

	var gotTails []byte
	for i := 0; i < len(wantTails); i++ {
		found, err := apfstree.ExecuteQuery(q)
		require.NoErrorf(t, err, "result %d", i)
		keyBytes, err := found.Node.KeyBytes(found.Index)
		require.NoError(t, err)
		key, err := apfskey.DecodeCatalogKey(keyBytes)
		require.NoError(t, err)
		require.Len(t, key.Tail, 1)
		gotTails = append(gotTails, key.Tail[0])

		value, err := found.Node.ValueBytes(found.Index)
		require.NoError(t, err)
		assert.Equal(t, []byte{'v', key.Tail[0]}, value)

		q = found
	}
	assert.Equal(t, wantTails, gotTails)

	_, err = apfstree.ExecuteQuery(q)
	assert.ErrorIs(t, err, apfstree.ErrNotFound)

	// Restarting from a fresh cursor reproduces the identical sequence.
	q2 := apfstree.NewQuery(apfstree.KindCatalog, dev, omapRoot, root, target, apfstree.FlagMultiple)
	var replayTails []byte
	for i := 0; i < len(wantTails); i++ {
		found, err := apfstree.ExecuteQuery(q2)
		require.NoErrorf(t, err, "replay result %d", i)
		keyBytes, err := found.Node.KeyBytes(found.Index)
		require.NoError(t, err)
		key, err := apfskey.DecodeCatalogKey(keyBytes)
		require.NoError(t, err)
		replayTails = append(replayTails, key.Tail[0])
		q2 = found
	}
	assert.Equal(t, wantTails, replayTails)
}

func TestParseOMapBTreeDetectsHeaderOIDMismatch(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:     1,
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		FixedKV: true,
		Records: []apfsio.Record{{
			Key:   apfskey.EncodeOMapKey(apfskey.OMapKey{OID: 0x10, XID: 1}),
			Value: apfsio.EncodeOMapVal(apfsio.OMapVal{Size: 4096, Paddr: 2}),
		}},
	}))
	block := make([]byte, dev.BlockSize())
	apfsio.EncodeObjPhysInto(block, apfsio.ObjPhys{
		OID:  0x999, // does not match the block it is stored at
		XID:  1,
		Type: uint32(apfsio.ObjTypeOmap) | apfsio.ObjFlagPhysical,
	})
	binary.LittleEndian.PutUint64(block[0x30:0x38], uint64(1))
	apfsio.SetObjectChecksum(block)
	require.NoError(t, dev.WriteBlockAt(0, block))

	_, err := apfstree.ParseOMapBTree(dev, 0)
	var fatal *apfstree.FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, apfstree.ReasonWrongChildOID, fatal.Reason)
}

// writeOMapHeader writes a minimal omap_phys_t at bno naming treeBno as its
// tree root, for tests that need to exercise ParseOMapBTree's header path
// rather than handing a root node straight to OMapLookup.
func writeOMapHeader(t *testing.T, dev apfsio.Device, bno, treeBno apfsio.BlockNumber) {
	t.Helper()
	block := make([]byte, dev.BlockSize())
	apfsio.EncodeObjPhysInto(block, apfsio.ObjPhys{
		OID:  apfsio.OID(bno),
		XID:  1,
		Type: uint32(apfsio.ObjTypeOmap) | apfsio.ObjFlagPhysical,
	})
	binary.LittleEndian.PutUint64(block[0x30:0x38], uint64(treeBno))
	apfsio.SetObjectChecksum(block)
	require.NoError(t, dev.WriteBlockAt(bno, block))
}
