// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

type flowKey struct {
	a, b netip.AddrPort
}

func newFlowKey(x, y netip.AddrPort) flowKey {
	if x.Compare(y) > 0 {
		x, y = y, x
	}
	return flowKey{a: x, b: y}
}

// PcapSource decodes pcap and pcapng files natively. It sees only cleartext
// TCP payloads; TLS content stays encrypted.
type PcapSource struct {
	r      packetReader
	closer io.Closer
	number int64

	nextStream int64
	streams    map[flowKey]int64
	closed     map[flowKey]bool
}

// NewPcapSource detects the file format from its magic number.
func NewPcapSource(r io.Reader) (*PcapSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, &DecodeError{Op: "capture header", Err: err}
	}

	var pr packetReader
	if bytes.Equal(magic, pcapngMagic) {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, &DecodeError{Op: "capture header", Err: err}
	}

	s := &PcapSource{
		r:       pr,
		streams: make(map[flowKey]int64),
		closed:  make(map[flowKey]bool),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

func (s *PcapSource) Next(ctx context.Context) (*PacketRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, ci, err := s.r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, &DecodeError{Op: fmt.Sprintf("packet %d", s.number+1), Err: err}
		}
		s.number++

		pkt := gopacket.NewPacket(data, s.r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		if rec := s.record(pkt); rec != nil {
			rec.Time = ci.Timestamp.UTC()
			return rec, nil
		}
	}
}

func (s *PcapSource) record(pkt gopacket.Packet) *PacketRecord {
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil
	}

	var src, dst netip.Addr
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To16())
	default:
		return nil
	}

	rec := &PacketRecord{
		Number: s.number,
		Src:    Endpoint{Addr: src.Unmap(), Port: uint16(tcp.SrcPort)},
		Dst:    Endpoint{Addr: dst.Unmap(), Port: uint16(tcp.DstPort)},
		Seq:    tcp.Seq,
		HasSeq: true,
		Flags:  tcpFlags(tcp),
	}
	if len(tcp.Payload) > 0 {
		rec.Payload = append([]byte(nil), tcp.Payload...)
	}
	for _, l := range pkt.Layers() {
		rec.Protocols = append(rec.Protocols, strings.ToLower(l.LayerType().String()))
	}

	rec.StreamID = s.streamID(rec)
	return rec
}

// streamID numbers flows in order of first sighting. A fresh SYN on a flow
// that already closed starts a new stream, as tshark does for port reuse.
func (s *PcapSource) streamID(rec *PacketRecord) int64 {
	key := newFlowKey(
		netip.AddrPortFrom(rec.Src.Addr, rec.Src.Port),
		netip.AddrPortFrom(rec.Dst.Addr, rec.Dst.Port),
	)
	id, ok := s.streams[key]
	if !ok || (s.closed[key] && rec.HasFlag(FlagSYN) && !rec.HasFlag(FlagACK)) {
		id = s.nextStream
		s.nextStream++
		s.streams[key] = id
		delete(s.closed, key)
	}
	if rec.HasFlag(FlagFIN) || rec.HasFlag(FlagRST) {
		s.closed[key] = true
	}
	return id
}

func tcpFlags(tcp *layers.TCP) uint16 {
	var f uint16
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	return f
}

func (s *PcapSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
