// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// TCP flag bits as carried in tcp.flags.
const (
	FlagFIN uint16 = 0x01
	FlagSYN uint16 = 0x02
	FlagRST uint16 = 0x04
	FlagPSH uint16 = 0x08
	FlagACK uint16 = 0x10
)

// Endpoint is one side of a transport connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// String returns "addr:port" (IPv6 addresses are bracketed).
func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return ":" + strconv.Itoa(int(e.Port))
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// IsValid reports whether the endpoint has an address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// ParseEndpoint builds an endpoint from textual address and port, unmapping
// IPv4-mapped IPv6 addresses ("::ffff:10.0.0.1" -> "10.0.0.1").
func ParseEndpoint(addr string, port uint16) (Endpoint, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Addr: a.Unmap(), Port: port}, nil
}

// Layer is the decoded field set of one protocol layer instance, keyed by
// field name ("http.request.method").
type Layer map[string]any

// PacketRecord is one decoded packet. It is immutable once produced.
type PacketRecord struct {
	Number   int64
	Time     time.Time
	StreamID int64

	Src Endpoint
	Dst Endpoint

	Seq    uint32
	HasSeq bool
	Flags  uint16

	// Payload holds the transport payload of this segment. On TLS streams it
	// is ciphertext.
	Payload []byte

	// Plaintext holds application bytes the decoder recovered from TLS
	// records completed by this segment, in stream order. It is nil when
	// nothing was decrypted.
	Plaintext []byte

	TLS       bool
	Protocols []string

	// Layers maps a layer name to its decoded instances in packet order.
	// Readers that do not dissect above TCP leave it nil.
	Layers map[string][]Layer
}

// Layer returns the first instance of the named layer, or nil.
func (p *PacketRecord) Layer(name string) Layer {
	if l := p.Layers[name]; len(l) > 0 {
		return l[0]
	}
	return nil
}

// HasFlag reports whether the given TCP flag bit is set.
func (p *PacketRecord) HasFlag(f uint16) bool {
	return p.Flags&f != 0
}

// Source yields packet records in capture order. Next returns io.EOF once the
// input is exhausted. A Source is forward-only and cannot be restarted.
type Source interface {
	Next(ctx context.Context) (*PacketRecord, error)
	Close() error
}

// DecodeError reports a malformed or unreadable record stream. Diagnostic
// carries whatever the decoding tool printed on stderr.
type DecodeError struct {
	Op         string
	Diagnostic string
	Err        error
}

func (e *DecodeError) Error() string {
	msg := "decode " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += fmt.Sprintf(" (tool output: %s)", e.Diagnostic)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
