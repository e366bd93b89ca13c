// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them with
// context using fmt.Errorf("...: %w", err).
var (
	// Flow table errors
	ErrNotFound         = errors.New("flowtrack: entry not found")
	ErrDuplicateKey     = errors.New("flowtrack: duplicate key")
	ErrInvalidKeyLength = errors.New("flowtrack: invalid key length")
	ErrCapacityExceeded = errors.New("flowtrack: table capacity exceeded")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("flowtrack: packet too short")
	ErrUnsupportedProto = errors.New("flowtrack: unsupported protocol")

	// IP reassembly errors
	ErrFragmentPending = errors.New("flowtrack: fragment buffered, datagram incomplete")
	ErrReassemblyLimit = errors.New("flowtrack: fragment reassembly limit exceeded")

	// Configuration errors
	ErrConfigInvalid = errors.New("flowtrack: invalid configuration")
)
