// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
)

func TestBuildNodeAndLoadNodeRoundTrip(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	records := []apfsio.Record{
		{Key: []byte("aaa"), Value: []byte("value-a")},
		{Key: []byte("bbb"), Value: []byte("value-b-longer")},
	}
	require.NoError(t, apfsio.BuildNode(dev, 0, apfsio.NodeBuildOpts{
		OID:     7,
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		Records: records,
	}))

	node, err := apfsio.LoadNode(dev, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), node.RecordCount)
	assert.True(t, node.IsLeaf())
	assert.True(t, node.IsRoot)
	assert.False(t, node.HasFixedKV())
	assert.Equal(t, apfsio.OID(7), node.Obj.OID)

	for i, want := range records {
		key, err := node.KeyBytes(uint32(i))
		require.NoError(t, err)
		assert.Equal(t, want.Key, key)
		val, err := node.ValueBytes(uint32(i))
		require.NoError(t, err)
		assert.Equal(t, want.Value, val)
	}
}

func TestBuildNodeFixedKVRoundTrip(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 4)
	key := make([]byte, 16)
	key[0] = 0x11
	val := make([]byte, 16)
	val[0] = 0x22
	require.NoError(t, apfsio.BuildNode(dev, 1, apfsio.NodeBuildOpts{
		OID:     2,
		XID:     1,
		IsRoot:  true,
		IsLeaf:  true,
		FixedKV: true,
		Records: []apfsio.Record{{Key: key, Value: val}},
	}))

	node, err := apfsio.LoadNode(dev, 1)
	require.NoError(t, err)
	require.True(t, node.HasFixedKV())
	gotKey, err := node.KeyBytes(0)
	require.NoError(t, err)
	assert.Equal(t, key, gotKey)
	gotVal, err := node.ValueBytes(0)
	require.NoError(t, err)
	assert.Equal(t, val, gotVal)
}

func TestBuildNodeRejectsMismatchedFixedKVSizes(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 1)
	err := apfsio.BuildNode(dev, 0, apfsio.NodeBuildOpts{
		FixedKV: true,
		IsLeaf:  true,
		Records: []apfsio.Record{{Key: []byte("short"), Value: make([]byte, 16)}},
	})
	assert.Error(t, err)
}

func TestLoadNodeRejectsZeroRecords(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 1)
	require.NoError(t, apfsio.BuildNode(dev, 0, apfsio.NodeBuildOpts{IsLeaf: true, Records: nil}))
	_, err := apfsio.LoadNode(dev, 0)
	assert.ErrorIs(t, err, apfsio.ErrStructural)
}

func TestLoadNodeRejectsChecksumMismatch(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 1)
	require.NoError(t, apfsio.BuildNode(dev, 0, apfsio.NodeBuildOpts{
		IsLeaf:  true,
		Records: []apfsio.Record{{Key: []byte("k"), Value: []byte("v")}},
	}))
	raw, err := dev.ReadBlockAt(0)
	require.NoError(t, err)
	raw[100] ^= 0xff
	require.NoError(t, dev.WriteBlockAt(0, raw))
	_, err = apfsio.LoadNode(dev, 0)
	assert.ErrorIs(t, err, apfsio.ErrChecksum)
}

func TestLoadNodeRejectsWrongObjectType(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 1)
	block := make([]byte, 4096)
	apfsio.EncodeObjPhysInto(block, apfsio.ObjPhys{OID: 1, XID: 1, Type: uint32(apfsio.ObjTypeOmap)})
	apfsio.SetObjectChecksum(block)
	require.NoError(t, dev.WriteBlockAt(0, block))
	_, err := apfsio.LoadNode(dev, 0)
	assert.ErrorIs(t, err, apfsio.ErrStructural)
}

func TestBuildNodeRootReservesFooterSpace(t *testing.T) {
	t.Parallel()
	dev := apfsio.NewMemDevice(4096, 1)
	val := make([]byte, 32)
	val[31] = 0xaa
	require.NoError(t, apfsio.BuildNode(dev, 0, apfsio.NodeBuildOpts{
		IsRoot:  true,
		IsLeaf:  true,
		Records: []apfsio.Record{{Key: []byte("k"), Value: val}},
	}))
	raw, err := dev.ReadBlockAt(0)
	require.NoError(t, err)
	footer := raw[len(raw)-apfsio.FooterSize:]
	assert.NotEqual(t, val, footer[:32], "value bytes must not have been written into the root footer region")

	node, err := apfsio.LoadNode(dev, 0)
	require.NoError(t, err)
	gotVal, err := node.ValueBytes(0)
	require.NoError(t, err)
	assert.Equal(t, val, gotVal)
}
