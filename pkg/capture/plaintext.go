// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// decryptedLayers are the layers whose raw bytes (from -x) are the decrypted
// application stream, in preference order.
var decryptedLayers = []string{"http2", "http"}

// framingHeaders describe the wire body. They are replaced when a message is
// rebuilt around tshark's decoded entity body.
var framingHeaders = []string{"content-length", "transfer-encoding", "content-encoding"}

// plaintext recovers the application bytes that TLS records completed by
// this frame decrypted to. Raw layer bytes are used when the capture was
// exported with -x; HTTP/1 messages are otherwise rebuilt from their fields.
func plaintext(values map[string]any, layers map[string][]Layer) ([]byte, error) {
	for _, name := range decryptedLayers {
		raw, ok := values[name+"_raw"]
		if !ok {
			continue
		}
		parts, err := rawParts(raw)
		if err != nil {
			return nil, fmt.Errorf("%s_raw: %w", name, err)
		}
		if len(parts) > 0 {
			return bytes.Join(parts, nil), nil
		}
	}

	var out []byte
	for _, l := range layers["http"] {
		msg, err := rebuildHTTP1(l)
		if err != nil {
			return nil, err
		}
		out = append(out, msg...)
	}
	return out, nil
}

// rawParts decodes a "_raw" value: [hex, offset, length, mask, type] for one
// instance, or a list of those when the field repeats.
func rawParts(v any) ([][]byte, error) {
	switch t := v.(type) {
	case string:
		b, err := decodeHex(t)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	case []any:
		if len(t) == 0 {
			return nil, nil
		}
		if s, ok := t[0].(string); ok {
			return rawParts(s)
		}
		var out [][]byte
		for _, e := range t {
			parts, err := rawParts(e)
			if err != nil {
				return nil, err
			}
			out = append(out, parts...)
		}
		return out, nil
	}
	return nil, nil
}

// rebuildHTTP1 renders a dissected HTTP/1 message back to wire form. The body
// is tshark's entity body (de-chunked and decompressed), so the framing
// headers are rewritten to a plain Content-Length.
func rebuildHTTP1(l Layer) ([]byte, error) {
	var b bytes.Buffer
	var lines []string

	if method := findField(l, "http.request.method"); method != "" {
		uri := findField(l, "http.request.uri")
		version := findField(l, "http.request.version")
		if uri == "" || version == "" {
			return nil, fmt.Errorf("http request line incomplete")
		}
		fmt.Fprintf(&b, "%s %s %s\r\n", method, uri, version)
		lines = strs(l["http.request.line"])
	} else if code := findField(l, "http.response.code"); code != "" {
		version := findField(l, "http.response.version")
		if version == "" {
			version = "HTTP/1.1"
		}
		fmt.Fprintf(&b, "%s %s %s\r\n", version, code, findField(l, "http.response.phrase"))
		lines = strs(l["http.response.line"])
	} else {
		// Continuation data without a start line.
		return nil, nil
	}

	body, err := entityBody(l)
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		name, _, _ := strings.Cut(line, ":")
		if isFraming(name) {
			continue
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	b.Write(body)
	return b.Bytes(), nil
}

func entityBody(l Layer) ([]byte, error) {
	if raw, ok := l["http.file_data_raw"]; ok {
		parts, err := rawParts(raw)
		if err != nil {
			return nil, fmt.Errorf("http.file_data_raw: %w", err)
		}
		return bytes.Join(parts, nil), nil
	}
	return []byte(str(l["http.file_data"])), nil
}

func isFraming(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, h := range framingHeaders {
		if name == h {
			return true
		}
	}
	return false
}

// findField looks name up in l and in the nested objects tshark uses for
// start lines and expert info.
func findField(l map[string]any, name string) string {
	if v, ok := l[name]; ok {
		return str(v)
	}
	for _, v := range l {
		if m, ok := v.(map[string]any); ok {
			if s := findField(m, name); s != "" {
				return s
			}
		}
	}
	return ""
}

// strs flattens a field that may be a single string or a list of them.
func strs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
