// SPDX-License-Identifier: GPL-2.0-or-later

// Package apfstree implements the node loader's consumers: the record
// locator's callers, the key-ordering walker, and the query engine that
// together traverse an object map and a catalog tree.
package apfstree

import (
	"errors"
	"fmt"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfsio"
)

// ErrNotFound is the sole recoverable outcome of a query: no record
// satisfies the search. Everything else that can go wrong is a
// *FatalError.
var ErrNotFound = errors.New("no matching record")

// Reason classifies a fatal condition. The numbering follows the order
// they are introduced, not any on-disk value.
type Reason int

const (
	ReasonIO Reason = iota
	ReasonChecksum
	ReasonStructural
	ReasonOrdering
	ReasonDuplicateKey
	ReasonWrongChildOID
	ReasonWrongValueSize
	ReasonDepthOverflow
)

func (r Reason) String() string {
	switch r {
	case ReasonIO:
		return "I/O failure"
	case ReasonChecksum:
		return "checksum mismatch"
	case ReasonStructural:
		return "structural insanity"
	case ReasonOrdering:
		return "ordering violation"
	case ReasonDuplicateKey:
		return "duplicate leaf key"
	case ReasonWrongChildOID:
		return "wrong child oid"
	case ReasonWrongValueSize:
		return "wrong value size"
	case ReasonDepthOverflow:
		return "depth overflow"
	default:
		return "unknown"
	}
}

// FatalError is any condition the checker treats as unrecoverable
// corruption. Every FatalError names the block number it was discovered
// at (0 if not applicable to a single block), so that the outer program
// can print the single-line diagnostic naming the failing block.
type FatalError struct {
	Reason  Reason
	BlockNr apfsio.BlockNumber
	Detail  string
}

func (e *FatalError) Error() string {
	if e.BlockNr != 0 {
		return fmt.Sprintf("%s at block %v: %s", e.Reason, e.BlockNr, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func fatalf(reason Reason, bno apfsio.BlockNumber, format string, args ...any) *FatalError {
	return &FatalError{Reason: reason, BlockNr: bno, Detail: fmt.Sprintf(format, args...)}
}
