// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
)

func TestSetObjectChecksumRoundTrips(t *testing.T) {
	t.Parallel()
	block := make([]byte, 64)
	for i := range block {
		block[i] = byte(i)
	}
	for i := 0; i < 8; i++ {
		block[i] = 0
	}
	apfsio.SetObjectChecksum(block)
	assert.True(t, apfsio.VerifyObjectChecksum(block))
}

func TestVerifyObjectChecksumDetectsCorruption(t *testing.T) {
	t.Parallel()
	block := make([]byte, 64)
	for i := range block {
		block[i] = byte(i)
	}
	apfsio.SetObjectChecksum(block)
	block[40] ^= 0xff
	assert.False(t, apfsio.VerifyObjectChecksum(block))
}

func TestVerifyObjectChecksumRejectsShortBlock(t *testing.T) {
	t.Parallel()
	assert.False(t, apfsio.VerifyObjectChecksum([]byte{1, 2, 3}))
}
