// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"strings"
)

// Protocol names.
const (
	ProtoHTTP    = "http"
	ProtoHTTP2   = "http2"
	ProtoTLS     = "tls"
	ProtoUnknown = "unknown"
)

// HTTP2Preface is the client connection preface of HTTP/2 with prior knowledge
// or after ALPN h2.
var HTTP2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

var methods = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "PATCH ", "HEAD ", "OPTIONS ", "CONNECT ", "TRACE ",
	"PROPFIND ", "PROPPATCH ", "MKCOL ", "COPY ", "MOVE ", "LOCK ", "UNLOCK ", "REPORT ",
}

// Detect identifies the application protocol from the first bytes a peer sent.
func Detect(data []byte) string {
	switch {
	case IsHTTP2Preface(data):
		return ProtoHTTP2
	case IsRequestStart(data), IsResponseStart(data):
		return ProtoHTTP
	case IsTLSRecord(data):
		return ProtoTLS
	}
	return ProtoUnknown
}

// IsHTTP2Preface reports whether data begins with (or is a prefix of) the
// HTTP/2 client preface.
func IsHTTP2Preface(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	n := min(len(data), len(HTTP2Preface))
	return bytes.Equal(data[:n], HTTP2Preface[:n]) && n >= 4
}

// IsRequestStart reports whether data begins with an HTTP/1 request line.
func IsRequestStart(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return isHTTPMethod(string(data[:min(len(data), 16)]))
}

// IsResponseStart reports whether data begins with an HTTP/1 status line.
func IsResponseStart(data []byte) bool {
	return bytes.HasPrefix(data, []byte("HTTP/"))
}

// isHTTPMethod checks if the string starts with an HTTP method.
func isHTTPMethod(s string) bool {
	for _, m := range methods {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}

// IsTLSRecord reports whether data begins with a TLS handshake record header.
func IsTLSRecord(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x16 && data[1] == 0x03 && data[2] <= 0x04
}

// FindRequestLine returns the offset of the first complete HTTP/1 request
// line in data, or -1. Only lines ending in an HTTP/1 version count, so
// method names inside bodies are not mistaken for a request.
func FindRequestLine(data []byte) int {
	for off := 0; off < len(data); {
		i := indexMethod(data[off:])
		if i < 0 {
			return -1
		}
		at := off + i
		if line, ok := firstLine(data[at:]); ok {
			parts := strings.Split(line, " ")
			if len(parts) == 3 && parts[1] != "" && strings.HasPrefix(parts[2], "HTTP/1.") {
				return at
			}
		}
		off = at + 1
	}
	return -1
}

// FindStatusLine returns the offset of the first complete HTTP/1 status
// line in data, or -1.
func FindStatusLine(data []byte) int {
	prefix := []byte("HTTP/1.")
	for off := 0; off < len(data); {
		i := bytes.Index(data[off:], prefix)
		if i < 0 {
			return -1
		}
		at := off + i
		if line, ok := firstLine(data[at:]); ok {
			version, rest, _ := strings.Cut(line, " ")
			code, _, _ := strings.Cut(rest, " ")
			if len(version) == len("HTTP/1.1") && len(code) == 3 && isDigits(code) {
				return at
			}
		}
		off = at + 1
	}
	return -1
}

// indexMethod returns the earliest offset of any method token.
func indexMethod(data []byte) int {
	best := -1
	for _, m := range methods {
		if i := bytes.Index(data, []byte(m)); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// firstLine returns the line at the start of data without its terminator.
// ok is false until the terminator has arrived.
func firstLine(data []byte) (string, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", false
	}
	return strings.TrimRight(string(data[:i]), "\r"), true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
