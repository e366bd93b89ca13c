// Package file reads packets from pcap and pcapng files.
package file

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/flowtrack/internal/core"
)

// Section header block type, the first four bytes of every pcapng file.
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source reads one capture file.
type Source struct {
	path     string
	f        *os.File
	r        packetReader
	linkType core.LinkType
	read     uint64
}

// Open opens a pcap or pcapng file. The format is detected from the file
// header.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	s, err := newSource(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.f = f
	slog.Info("capture file opened", "path", path, "link_type", s.linkType)
	return s, nil
}

func newSource(path string, r io.Reader) (*Source, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	magic, err := br.Peek(len(pcapngMagic))
	if err != nil {
		return nil, fmt.Errorf("read capture header of %s: %w", path, err)
	}

	var pr packetReader
	if bytes.Equal(magic, pcapngMagic) {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("parse capture header of %s: %w", path, err)
	}

	lt, err := linkType(pr.LinkType())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Source{path: path, r: pr, linkType: lt}, nil
}

func linkType(lt layers.LinkType) (core.LinkType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return core.LinkTypeEthernet, nil
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6, 12:
		// 12 is the DLT_RAW value used by some BSDs.
		return core.LinkTypeRaw, nil
	default:
		return 0, fmt.Errorf("%w: link type %s", core.ErrUnsupportedProto, lt)
	}
}

// ReadPacket returns the next frame, or io.EOF at the end of the file.
func (s *Source) ReadPacket() (core.RawPacket, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return core.RawPacket{}, io.EOF
		}
		return core.RawPacket{}, fmt.Errorf("failed to read packet %d of %s: %w", s.read+1, s.path, err)
	}
	s.read++
	return core.RawPacket{
		Data:       data,
		Timestamp:  ci.Timestamp,
		CaptureLen: uint32(ci.CaptureLength),
		OrigLen:    uint32(ci.Length),
		LinkType:   s.linkType,
	}, nil
}

// LinkType returns the framing of the file's packets.
func (s *Source) LinkType() core.LinkType { return s.linkType }

// Close closes the file.
func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
