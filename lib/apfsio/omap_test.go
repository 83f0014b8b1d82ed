// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
)

func TestOMapKeyValueRoundTrip(t *testing.T) {
	t.Parallel()
	k := apfsio.OMapKey{OID: 0x1234, XID: 0x5}
	decodedKey, err := apfsio.DecodeOMapKey(apfsio.EncodeOMapKey(k))
	require.NoError(t, err)
	assert.Equal(t, k, decodedKey)

	v := apfsio.OMapVal{Flags: 1, Size: 4096, Paddr: 77}
	decodedVal, err := apfsio.DecodeOMapVal(apfsio.EncodeOMapVal(v))
	require.NoError(t, err)
	assert.Equal(t, v, decodedVal)
}

func TestDecodeOMapKeyRejectsWrongSize(t *testing.T) {
	t.Parallel()
	_, err := apfsio.DecodeOMapKey([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeOMapPhysRejectsWrongType(t *testing.T) {
	t.Parallel()
	block := make([]byte, apfsio.OMapPhysSize)
	apfsio.EncodeObjPhysInto(block, apfsio.ObjPhys{OID: 1, XID: 1, Type: uint32(apfsio.ObjTypeBtreeNode)})
	apfsio.SetObjectChecksum(block)
	_, err := apfsio.DecodeOMapPhys(block)
	assert.Error(t, err)
}
