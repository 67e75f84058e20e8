package x12

import "errors"

// Structural parse failures. These abort the file; anything recoverable is
// reported as a Warning on the record it belongs to.
var (
	ErrEmptyInput    = errors.New("x12: empty input")
	ErrNoTransaction = errors.New("x12: no transaction set")
)
