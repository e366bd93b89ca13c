// Package export ships finished flow records to their destinations.
package export

import (
	"time"

	"firestige.xyz/flowtrack/internal/flow"
)

// Record is the exported form of a finished stream. Src is the endpoint
// that sent the first packet.
type Record struct {
	Src         string    `json:"src_ip"`
	SrcPort     uint16    `json:"src_port"`
	Dst         string    `json:"dst_ip"`
	DstPort     uint16    `json:"dst_port"`
	Protocol    uint8     `json:"protocol"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	DurationMs  int64     `json:"duration_ms"`
	PacketsFwd  uint64    `json:"packets_fwd"`
	PacketsRev  uint64    `json:"packets_rev"`
	BytesFwd    uint64    `json:"bytes_fwd"`
	BytesRev    uint64    `json:"bytes_rev"`
	TCPFlagsFwd uint8     `json:"tcp_flags_fwd,omitempty"`
	TCPFlagsRev uint8     `json:"tcp_flags_rev,omitempty"`
	EndReason   string    `json:"end_reason"`
	Worker      int       `json:"worker"`

	key string // canonical key, shared by both directions
}

// NewRecord builds the record of a finished stream.
func NewRecord(st *flow.State, reason flow.EndReason, worker int) Record {
	canon, _ := st.Key.Canonical()
	return Record{
		Src:         st.Key.Src.String(),
		SrcPort:     st.Key.SrcPort,
		Dst:         st.Key.Dst.String(),
		DstPort:     st.Key.DstPort,
		Protocol:    st.Key.Proto,
		Start:       st.FirstSeen,
		End:         st.LastSeen,
		DurationMs:  st.Duration().Milliseconds(),
		PacketsFwd:  st.Packets[flow.Forward],
		PacketsRev:  st.Packets[flow.Reverse],
		BytesFwd:    st.Bytes[flow.Forward],
		BytesRev:    st.Bytes[flow.Reverse],
		TCPFlagsFwd: st.TCPFlags[flow.Forward],
		TCPFlagsRev: st.TCPFlags[flow.Reverse],
		EndReason:   reason.String(),
		Worker:      worker,
		key:         canon.String(),
	}
}

// Key identifies the stream independent of direction. Partitioned
// destinations use it to keep a stream's records together.
func (r Record) Key() string { return r.key }
