package metadata

import "errors"

// Metadata error taxonomy. Structural and I/O errors are absorbed per-slot by
// quorum reads; the rest surface to callers.
var (
	// ErrNoValidCopy means no copy slot on the device held a structurally
	// valid record.
	ErrNoValidCopy = errors.New("no valid metadata copy found")

	// ErrStructural marks records with a bad magic, version, size or
	// checksum. Never auto-repairable.
	ErrStructural = errors.New("structural metadata error")

	// ErrSemantic marks out-of-range field values; some are auto-repairable.
	ErrSemantic = errors.New("semantic metadata error")

	// ErrConsistency marks a target/spare capacity mismatch, which needs
	// operator action rather than a repair pass.
	ErrConsistency = errors.New("capacity consistency error")

	// ErrDeviceMismatch means a device's fingerprint does not match the
	// recorded one confidently enough to reattach it.
	ErrDeviceMismatch = errors.New("device fingerprint mismatch")

	// ErrWriteTimeout means an asynchronous slot write fan-out did not
	// complete within the wait deadline.
	ErrWriteTimeout = errors.New("metadata write timed out")

	// ErrWriteCancelled means an asynchronous write was cancelled before
	// completion was observed.
	ErrWriteCancelled = errors.New("metadata write cancelled")

	// ErrWriteInFlight means a new fan-out was started on a coordinator
	// whose previous fan-out has not been waited on or cancelled.
	ErrWriteInFlight = errors.New("previous metadata write still in flight")

	// ErrNotRepairable means auto-repair was asked to fix a record whose
	// defects are outside the repairable classes.
	ErrNotRepairable = errors.New("record defects are not auto-repairable")
)
