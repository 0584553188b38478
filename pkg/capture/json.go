// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultPayloadFields is the payload lookup order used when none is configured.
var DefaultPayloadFields = []string{"tcp.payload"}

// tsharkPacket mirrors one element of `tshark -T json` output.
type tsharkPacket struct {
	Source struct {
		Layers map[string]json.RawMessage `json:"layers"`
	} `json:"_source"`
}

// Decoder turns a tshark JSON array into PacketRecords one element at a time.
type Decoder struct {
	dec           *json.Decoder
	payloadFields []string
	started       bool
	done          bool
	index         int64
}

// NewDecoder creates a lazy decoder over r. payloadFields selects which layer
// fields carry application bytes; the first present field wins.
func NewDecoder(r io.Reader, payloadFields []string) *Decoder {
	if len(payloadFields) == 0 {
		payloadFields = DefaultPayloadFields
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Decoder{dec: dec, payloadFields: payloadFields}
}

// Next returns the next TCP record. Elements without a TCP layer are skipped.
func (d *Decoder) Next() (*PacketRecord, error) {
	if d.done {
		return nil, io.EOF
	}
	if !d.started {
		tok, err := d.dec.Token()
		if err == io.EOF {
			d.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, &DecodeError{Op: "packet stream", Err: err}
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, &DecodeError{Op: "packet stream", Err: fmt.Errorf("expected JSON array, got %v", tok)}
		}
		d.started = true
	}

	for d.dec.More() {
		var pkt tsharkPacket
		if err := d.dec.Decode(&pkt); err != nil {
			return nil, &DecodeError{Op: fmt.Sprintf("packet %d", d.index+1), Err: err}
		}
		d.index++

		rec, err := d.record(&pkt)
		if err != nil {
			return nil, &DecodeError{Op: fmt.Sprintf("packet %d", d.index), Err: err}
		}
		if rec == nil {
			continue
		}
		return rec, nil
	}

	if _, err := d.dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Op: "packet stream", Err: err}
	}
	d.done = true
	return nil, io.EOF
}

func (d *Decoder) record(pkt *tsharkPacket) (*PacketRecord, error) {
	values := make(map[string]any, len(pkt.Source.Layers))
	all := make(map[string][]Layer, len(pkt.Source.Layers))
	layers := make(map[string]map[string]any, len(pkt.Source.Layers))
	for name, raw := range pkt.Source.Layers {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("layer %s: %w", name, err)
		}
		values[name] = v
		if objs := objects(v); len(objs) > 0 {
			all[name] = objs
			layers[name] = objs[0]
		}
	}

	tcp, ok := layers["tcp"]
	if !ok {
		return nil, nil
	}
	frame := layers["frame"]

	rec := &PacketRecord{Number: d.index, Layers: all}
	if n, err := strconv.ParseInt(field(frame, "frame.number"), 10, 64); err == nil {
		rec.Number = n
	}

	ts, err := parseEpoch(field(frame, "frame.time_epoch"))
	if err != nil {
		return nil, fmt.Errorf("frame.time_epoch: %w", err)
	}
	rec.Time = ts

	if p := field(frame, "frame.protocols"); p != "" {
		rec.Protocols = strings.Split(p, ":")
	}

	rec.StreamID, err = strconv.ParseInt(field(tcp, "tcp.stream"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tcp.stream: %w", err)
	}

	srcAddr, dstAddr := field(layers["ip"], "ip.src"), field(layers["ip"], "ip.dst")
	if srcAddr == "" {
		srcAddr, dstAddr = field(layers["ipv6"], "ipv6.src"), field(layers["ipv6"], "ipv6.dst")
	}
	srcPort, err := parsePort(field(tcp, "tcp.srcport"))
	if err != nil {
		return nil, fmt.Errorf("tcp.srcport: %w", err)
	}
	dstPort, err := parsePort(field(tcp, "tcp.dstport"))
	if err != nil {
		return nil, fmt.Errorf("tcp.dstport: %w", err)
	}
	if srcAddr != "" {
		if rec.Src, err = ParseEndpoint(srcAddr, srcPort); err != nil {
			return nil, fmt.Errorf("source address: %w", err)
		}
	} else {
		rec.Src.Port = srcPort
	}
	if dstAddr != "" {
		if rec.Dst, err = ParseEndpoint(dstAddr, dstPort); err != nil {
			return nil, fmt.Errorf("destination address: %w", err)
		}
	} else {
		rec.Dst.Port = dstPort
	}

	seq := field(tcp, "tcp.seq_raw")
	if seq == "" {
		seq = field(tcp, "tcp.seq")
	}
	if seq != "" {
		v, err := strconv.ParseUint(seq, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("tcp.seq: %w", err)
		}
		rec.Seq = uint32(v)
		rec.HasSeq = true
	}

	if f := field(tcp, "tcp.flags"); f != "" {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("tcp.flags: %w", err)
		}
		rec.Flags = uint16(v)
	}

	_, rec.TLS = layers["tls"]
	if !rec.TLS {
		_, rec.TLS = layers["ssl"]
	}

	if rec.TLS {
		if rec.Plaintext, err = plaintext(values, all); err != nil {
			return nil, fmt.Errorf("decrypted data: %w", err)
		}
	}

	for _, name := range d.payloadFields {
		layerName, _, _ := strings.Cut(name, ".")
		payload, found, err := payloadField(layers[layerName], name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if found {
			rec.Payload = payload
			break
		}
	}

	return rec, nil
}

// payloadField reads a hex field ("47:45:54" or "474554") or its "_raw" form.
func payloadField(layer map[string]any, name string) ([]byte, bool, error) {
	if layer == nil {
		return nil, false, nil
	}
	if raw, ok := layer[name+"_raw"]; ok {
		if s := str(raw); s != "" {
			b, err := decodeHex(s)
			return b, true, err
		}
	}
	if v, ok := layer[name]; ok {
		s := str(v)
		b, err := decodeHex(s)
		return b, true, err
	}
	return nil, false, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, ":", "")
	return hex.DecodeString(s)
}

// parseEpoch parses "seconds.fraction" without going through float64.
func parseEpoch(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		if t, terr := time.Parse(time.RFC3339Nano, s); terr == nil {
			return t.UTC(), nil
		}
		return time.Time{}, err
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		if nsec, err = strconv.ParseInt(fracStr, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func field(layer map[string]any, name string) string {
	if layer == nil {
		return ""
	}
	return str(layer[name])
}

// str flattens tshark field values: plain strings, numbers, or lists thereof
// (tshark emits lists for repeated fields under --no-duplicate-keys).
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case []any:
		if len(t) > 0 {
			return str(t[0])
		}
	}
	return ""
}

// objects returns every layer instance in v. tshark emits a list when a
// layer occurs more than once in a frame.
func objects(v any) []Layer {
	switch t := v.(type) {
	case map[string]any:
		return []Layer{t}
	case []any:
		var out []Layer
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// JSONSource reads pre-exported tshark JSON from r.
type JSONSource struct {
	dec    *Decoder
	closer io.Closer
}

// NewJSONSource wraps r. If r is an io.Closer it is closed by Close.
func NewJSONSource(r io.Reader, payloadFields []string) *JSONSource {
	s := &JSONSource{dec: NewDecoder(r, payloadFields)}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *JSONSource) Next(ctx context.Context) (*PacketRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.dec.Next()
}

func (s *JSONSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
