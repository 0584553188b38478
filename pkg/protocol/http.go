// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by errors for unparseable start lines or framing.
var ErrMalformed = errors.New("malformed HTTP message")

// Header is one header field as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Headers keeps wire order, original case and duplicates.
type Headers []Header

// Get returns the first value for name, compared case-insensitively.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in wire order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Message is one HTTP request or response.
type Message struct {
	IsRequest bool

	// Request line.
	Method string
	Target string

	// Status line.
	StatusCode int
	Reason     string

	Proto    string
	Headers  Headers
	Trailers Headers

	// Body is the transfer-decoded body (chunk framing removed). Content
	// codings such as gzip are still applied.
	Body []byte

	// HeaderSize is the byte length of the start line and header block.
	HeaderSize int
	// WireBodySize is the number of body bytes on the wire, framing included.
	WireBodySize int
}

// HeaderEnd returns the offset just past the blank line that terminates the
// header block, or -1 if the block is incomplete.
func HeaderEnd(buf []byte) int {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf + 4
	case lf >= 0:
		return lf + 2
	}
	return -1
}

// ParseHead parses a start line and header block (terminator included or not).
func ParseHead(block []byte, isRequest bool) (*Message, error) {
	lines := splitLines(block)
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty start line", ErrMalformed)
	}

	m := &Message{IsRequest: isRequest, HeaderSize: len(block)}
	var err error
	if isRequest {
		m.Method, m.Target, m.Proto, err = ParseRequestLine(lines[0])
	} else {
		m.Proto, m.StatusCode, m.Reason, err = ParseStatusLine(lines[0])
	}
	if err != nil {
		return nil, err
	}
	m.Headers = parseFields(lines[1:])
	return m, nil
}

// ParseRequestLine splits "METHOD target HTTP/x.y".
func ParseRequestLine(line string) (method, target, proto string, err error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || parts[0] == "" {
		return "", "", "", fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}
	method, target = parts[0], parts[1]
	proto = "HTTP/0.9"
	if len(parts) == 3 {
		proto = strings.TrimSpace(parts[2])
	}
	return method, target, proto, nil
}

// ParseStatusLine splits "HTTP/x.y code reason". The reason may be empty.
func ParseStatusLine(line string) (proto string, code int, reason string, err error) {
	parts := strings.SplitN(strings.TrimRight(line, " "), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return "", 0, "", fmt.Errorf("%w: status line %q", ErrMalformed, line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return "", 0, "", fmt.Errorf("%w: status code %q", ErrMalformed, parts[1])
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

func splitLines(block []byte) []string {
	s := strings.ReplaceAll(string(block), "\r\n", "\n")
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// parseFields reads "Name: value" lines. Obsolete line folding is joined onto
// the previous value; lines without a colon are ignored.
func parseFields(lines []string) Headers {
	var h Headers
	for _, line := range lines {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(h) > 0 {
			h[len(h)-1].Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		h = append(h, Header{Name: name, Value: strings.TrimSpace(value)})
	}
	return h
}

// BodyKind is how a message body is delimited.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyLength
	BodyChunked
	BodyUntilClose
)

func (k BodyKind) String() string {
	switch k {
	case BodyNone:
		return "none"
	case BodyLength:
		return "content-length"
	case BodyChunked:
		return "chunked"
	case BodyUntilClose:
		return "close-delimited"
	}
	return "unknown"
}

// RequestFraming determines how a request body is delimited. Requests without
// Content-Length or chunked coding have no body.
func RequestFraming(m *Message) (BodyKind, int64, error) {
	if isChunked(m.Headers) {
		return BodyChunked, 0, nil
	}
	if m.Headers.Has("Content-Length") {
		n, err := contentLength(m.Headers)
		if err != nil {
			return BodyNone, 0, err
		}
		if n == 0 {
			return BodyNone, 0, nil
		}
		return BodyLength, n, nil
	}
	return BodyNone, 0, nil
}

// ResponseFraming determines how a response body is delimited given the
// method of the request it answers (empty when unknown).
func ResponseFraming(m *Message, requestMethod string) (BodyKind, int64, error) {
	if strings.EqualFold(requestMethod, "HEAD") ||
		(m.StatusCode >= 100 && m.StatusCode < 200) ||
		m.StatusCode == 204 || m.StatusCode == 304 {
		return BodyNone, 0, nil
	}
	if strings.EqualFold(requestMethod, "CONNECT") && m.StatusCode >= 200 && m.StatusCode < 300 {
		return BodyNone, 0, nil
	}
	if isChunked(m.Headers) {
		return BodyChunked, 0, nil
	}
	if m.Headers.Has("Content-Length") {
		n, err := contentLength(m.Headers)
		if err != nil {
			return BodyUntilClose, 0, err
		}
		if n == 0 {
			return BodyNone, 0, nil
		}
		return BodyLength, n, nil
	}
	return BodyUntilClose, 0, nil
}

func isChunked(h Headers) bool {
	codings := h.Values("Transfer-Encoding")
	if len(codings) == 0 {
		return false
	}
	last := codings[len(codings)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(last), "chunked")
}

// contentLength accepts repeated identical values ("5, 5") and rejects
// negative or conflicting ones.
func contentLength(h Headers) (int64, error) {
	var n int64 = -1
	for _, v := range h.Values("Content-Length") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			x, err := strconv.ParseInt(part, 10, 64)
			if err != nil || x < 0 {
				return 0, fmt.Errorf("%w: Content-Length %q", ErrMalformed, v)
			}
			if n >= 0 && x != n {
				return 0, fmt.Errorf("%w: conflicting Content-Length", ErrMalformed)
			}
			n = x
		}
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: empty Content-Length", ErrMalformed)
	}
	return n, nil
}

// DecodeChunked removes chunked transfer coding from the start of buf. It
// returns ok=false when buf does not yet hold the terminal chunk and trailer
// section. consumed is the number of wire bytes used.
func DecodeChunked(buf []byte) (body []byte, trailers Headers, consumed int, ok bool, err error) {
	var d ChunkedDecoder
	n, done, err := d.Feed(buf)
	if err != nil || !done {
		return nil, nil, 0, false, err
	}
	return d.Body, d.Trailers, n, true, nil
}

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// ChunkedDecoder removes chunked transfer coding from bytes as they arrive.
// Each Feed parses only input not consumed by earlier calls, so a body
// delivered in many segments is decoded in linear time.
type ChunkedDecoder struct {
	// Body is the payload decoded so far, including a partial final chunk.
	Body []byte
	// Trailers is set once the trailer section has been read.
	Trailers Headers

	state     chunkState
	remaining uint64
	trailers  []string
}

// Done reports whether the terminal chunk and trailer section were read.
func (d *ChunkedDecoder) Done() bool {
	return d.state == chunkDone
}

// Feed decodes as much of buf as forms whole units (size lines, chunk data,
// trailer lines) and returns the number of bytes used. The caller drops those
// bytes and passes the rest again with any new data.
func (d *ChunkedDecoder) Feed(buf []byte) (consumed int, done bool, err error) {
	pos := 0
	for {
		switch d.state {
		case chunkDone:
			return pos, true, nil

		case chunkSize:
			eol := bytes.IndexByte(buf[pos:], '\n')
			if eol < 0 {
				return pos, false, nil
			}
			line := strings.TrimSpace(string(buf[pos : pos+eol]))
			if i := strings.IndexByte(line, ';'); i >= 0 {
				line = strings.TrimSpace(line[:i])
			}
			size, perr := strconv.ParseUint(line, 16, 63)
			if perr != nil {
				return pos, false, fmt.Errorf("%w: chunk size %q", ErrMalformed, line)
			}
			pos += eol + 1
			if size == 0 {
				d.state = chunkTrailer
			} else {
				d.remaining = size
				d.state = chunkData
			}

		case chunkData:
			n := min(uint64(len(buf)-pos), d.remaining)
			if n == 0 {
				return pos, false, nil
			}
			d.Body = append(d.Body, buf[pos:pos+int(n)]...)
			pos += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}

		case chunkDataEnd:
			// Chunk data is followed by CRLF (tolerate bare LF).
			rest := buf[pos:]
			switch {
			case bytes.HasPrefix(rest, []byte("\r\n")):
				pos += 2
			case len(rest) > 0 && rest[0] == '\n':
				pos++
			case len(rest) == 0, len(rest) == 1 && rest[0] == '\r':
				return pos, false, nil
			default:
				return pos, false, fmt.Errorf("%w: missing chunk terminator", ErrMalformed)
			}
			d.state = chunkSize

		case chunkTrailer:
			// Trailer section ends with an empty line.
			nl := bytes.IndexByte(buf[pos:], '\n')
			if nl < 0 {
				return pos, false, nil
			}
			l := strings.TrimRight(string(buf[pos:pos+nl]), "\r")
			pos += nl + 1
			if l != "" {
				d.trailers = append(d.trailers, l)
				continue
			}
			d.Trailers = parseFields(d.trailers)
			if d.Body == nil {
				d.Body = []byte{}
			}
			d.state = chunkDone
		}
	}
}

// EncodeChunked frames body as a sequence of chunks of at most size bytes.
func EncodeChunked(body []byte, size int) []byte {
	var b bytes.Buffer
	for len(body) > 0 {
		n := min(size, len(body))
		fmt.Fprintf(&b, "%x\r\n", n)
		b.Write(body[:n])
		b.WriteString("\r\n")
		body = body[n:]
	}
	b.WriteString("0\r\n\r\n")
	return b.Bytes()
}
