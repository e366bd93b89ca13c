package core

import "time"

// RawPacket is one captured frame. Data may alias a reused read buffer and
// must be copied by anything that keeps it.
type RawPacket struct {
	Data       []byte
	Timestamp  time.Time
	CaptureLen uint32
	OrigLen    uint32
	LinkType   LinkType
}

// DecodedPacket is the L2-L4 view of a frame.
type DecodedPacket struct {
	Timestamp   time.Time
	Ethernet    EthernetHeader
	IP          IPHeader
	Transport   TransportHeader
	Payload     []byte
	CaptureLen  uint32
	OrigLen     uint32
	Reassembled bool // Rebuilt from IPv4 fragments
	Tunneled    bool // Addresses in IP.Inner* and transport are the inner packet's
}
