// Package mikroerr defines the error kinds MikroDB's core recognizes (spec
// §7), as sentinel values usable with errors.Is and errors.Wrap-style
// fmt.Errorf("...: %w", ...) chains.
package mikroerr

import "errors"

var (
	// ErrNotFound indicates a missing file or missing key. Expected and
	// recoverable.
	ErrNotFound = errors.New("mikrodb: not found")

	// ErrValidation indicates malformed caller input: a missing table or
	// value, an oversized key, or a key containing a space or newline.
	ErrValidation = errors.New("mikrodb: validation error")

	// ErrVersionMismatch signals an optimistic-concurrency rejection. It is
	// never returned as an error from the public write/delete surface —
	// those return false — but is used internally to short-circuit a batch.
	ErrVersionMismatch = errors.New("mikrodb: version mismatch")

	// ErrCorruption indicates invalid magic bytes or an unreadable table
	// header. The caller reinitializes the table empty.
	ErrCorruption = errors.New("mikrodb: corrupted table file")

	// ErrCheckpointFailure reports a table that a checkpoint could not
	// flush. The checkpoint still truncates the WAL and removes the
	// recovery marker; a checkpoint that stops before that point returns
	// its own error and leaves the marker for the next startup to retry.
	ErrCheckpointFailure = errors.New("mikrodb: checkpoint failed")

	// ErrCryptoFailure indicates a bad key or tampered ciphertext.
	ErrCryptoFailure = errors.New("mikrodb: decryption failed")
)
