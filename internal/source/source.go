// Package source defines where raw packets come from.
package source

import "firestige.xyz/flowtrack/internal/core"

// Source yields captured frames in capture order. ReadPacket returns io.EOF
// once the input is exhausted.
type Source interface {
	ReadPacket() (core.RawPacket, error)
	Close() error
}
