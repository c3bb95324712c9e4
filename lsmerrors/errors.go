// Package lsmerrors defines the failure taxonomy shared by every layer
// of the storage engine: block/bloom encoding, the WAL, SST build and
// open, and the storage orchestration layer.
package lsmerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers should use errors.Is against these, not
// string-match error text.
var (
	// ErrKeyNotFound is used internally where a caller asks for exact
	// presence; Storage.Get surfaces absence as (nil, false, nil) instead.
	ErrKeyNotFound = errors.New("lsmgo: key not found")

	// ErrClosed is returned by any operation attempted after Storage.Close.
	ErrClosed = errors.New("lsmgo: storage is closed")

	// ErrEmptyKey is returned for puts/gets/deletes on a zero-length key.
	ErrEmptyKey = errors.New("lsmgo: key must not be empty")
)

// ChecksumMismatch signals on-disk corruption detected while opening an
// SST or replaying a WAL record. It is fatal for the affected file: the
// engine must refuse to serve reads from it.
type ChecksumMismatch struct {
	File     string
	Region   string // "data", "index", "bloom", or "record"
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("lsmgo: checksum mismatch in %s %s: expected %08x, got %08x",
		e.File, e.Region, e.Expected, e.Actual)
}

// FormatError signals a structural invariant violation: a footer too
// short, an index block that overflowed its budget, a corrupt record
// header. It is fatal for the operation that detected it.
type FormatError struct {
	Context string
	Reason  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("lsmgo: format error in %s: %s", e.Context, e.Reason)
}

// ContractViolation marks a programming-error contract violation (e.g.
// BlockBuilder.Add called with an empty key). These are not meant to be
// handled by callers; they indicate the caller broke an invariant the
// API documents.
type ContractViolation struct {
	Context string
	Reason  string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("lsmgo: contract violation in %s: %s", e.Context, e.Reason)
}
