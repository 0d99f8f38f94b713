package types

import "errors"

// Error kinds shared by every component of the availability engine (spec §7).
// Components wrap these with fmt.Errorf("...: %w", ErrX) and callers check
// with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrNotEnoughNodes   = errors.New("not enough active nodes")
	ErrTransport        = errors.New("transport error")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrConflict         = errors.New("conflicting write, treated as success")
	ErrExhausted        = errors.New("max attempts exceeded")
	ErrShutdown         = errors.New("loop shutting down")
)
