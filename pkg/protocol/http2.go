// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// ProtoHTTP2Version is the httpVersion reported for HTTP/2 messages.
const ProtoHTTP2Version = "HTTP/2"

// MessageFromFields builds a Message from a decoded HPACK header list.
// Pseudo-headers stay in Headers in wire order, as HTTP/2 tooling shows them.
func MessageFromFields(fields []hpack.HeaderField) (*Message, error) {
	m := &Message{Proto: ProtoHTTP2Version}
	path := ""
	for _, f := range fields {
		m.Headers = append(m.Headers, Header{Name: f.Name, Value: f.Value})
		m.HeaderSize += int(f.Size())
		switch f.Name {
		case ":method":
			m.IsRequest = true
			m.Method = f.Value
		case ":path":
			path = f.Value
		case ":status":
			code, err := strconv.Atoi(f.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: :status %q", ErrMalformed, f.Value)
			}
			m.StatusCode = code
		}
	}
	if !m.IsRequest && m.StatusCode == 0 {
		return nil, fmt.Errorf("%w: header block has neither :method nor :status", ErrMalformed)
	}
	if m.IsRequest {
		m.Target = path
		if m.Target == "" && strings.EqualFold(m.Method, "CONNECT") {
			m.Target = m.Headers.Get(":authority")
		}
	}
	return m, nil
}

// TrailersFromFields converts a trailing header block.
func TrailersFromFields(fields []hpack.HeaderField) Headers {
	h := make(Headers, 0, len(fields))
	for _, f := range fields {
		h = append(h, Header{Name: f.Name, Value: f.Value})
	}
	return h
}
