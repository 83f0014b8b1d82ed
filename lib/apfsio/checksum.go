// SPDX-License-Identifier: GPL-2.0-or-later

package apfsio

import "encoding/binary"

// fletcher64 computes the modified Fletcher-64 checksum used to guard every
// object header. data must be a whole number of 4-byte words; the caller is
// responsible for zeroing the 8-byte checksum field before calling this
// (the checksum field is not part of its own input).
func fletcher64(data []byte) uint64 {
	var sum1, sum2 uint64
	for off := 0; off+4 <= len(data); off += 4 {
		word := uint64(binary.LittleEndian.Uint32(data[off : off+4]))
		sum1 = (sum1 + word) % 0xffffffff
		sum2 = (sum2 + sum1) % 0xffffffff
	}
	check1 := 0xffffffff - ((sum1 + sum2) % 0xffffffff)
	check2 := 0xffffffff - ((sum1 + check1) % 0xffffffff)
	return (check2 << 32) | check1
}

// VerifyObjectChecksum reports whether the first 8 bytes of block (the
// stored Fletcher-64 checksum) match a checksum recomputed over the rest of
// the block with that field zeroed.
func VerifyObjectChecksum(block []byte) bool {
	if len(block) < 8 {
		return false
	}
	stored := binary.LittleEndian.Uint64(block[:8])
	return computeObjectChecksum(block) == stored
}

// SetObjectChecksum recomputes and writes the checksum field of block in
// place. Used by the container initializer, which writes objects rather
// than checking them.
func SetObjectChecksum(block []byte) {
	binary.LittleEndian.PutUint64(block[:8], computeObjectChecksum(block))
}

func computeObjectChecksum(block []byte) uint64 {
	buf := make([]byte, len(block))
	copy(buf, block)
	for i := 0; i < 8; i++ {
		buf[i] = 0
	}
	return fletcher64(buf)
}
