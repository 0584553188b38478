// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package har

import (
	"encoding/base64"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/protocol"
	"github.com/mbeema/pcaphar/pkg/reassembly"
)

// EncodingBase64 marks a body stored as base64.
const EncodingBase64 = "base64"

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// Project maps a transaction to a HAR entry. It consults nothing but the
// transaction.
func Project(tx *reassembly.Transaction) *Entry {
	e := &Entry{
		StartedDateTime: FormatTime(tx.Start),
		Time:            millis(tx.Duration()),
		Timings:         timings(tx),
		Connection:      strconv.FormatInt(tx.StreamID, 10),
		CommunityID:     tx.CommunityID,
		StreamID:        tx.StreamID,
		H2StreamID:      tx.H2StreamID,
		TLS:             tx.TLS,
		Incomplete:      tx.Incomplete,
	}
	if tx.Server.IsValid() {
		e.ServerIPAddress = tx.Server.Addr.String()
		e.ServerPort = int(tx.Server.Port)
	}
	if tx.Client.IsValid() {
		e.ClientIPAddress = tx.Client.Addr.String()
		e.ClientPort = int(tx.Client.Port)
	}
	for _, a := range tx.Anomalies {
		e.Anomalies = append(e.Anomalies, Anomaly{Kind: a.Kind, Detail: a.Detail})
	}

	e.Request = projectRequest(tx)
	if tx.Response != nil {
		e.Response = projectResponse(tx)
	}
	return e
}

func projectRequest(tx *reassembly.Transaction) *Request {
	m := tx.Request
	if m == nil {
		// Response seen without its request: keep the entry valid HAR.
		return &Request{
			URL:         RequestURL(tx),
			HTTPVersion: httpVersion(tx.Response),
			Cookies:     []Cookie{},
			Headers:     []NameValue{},
			QueryString: []NameValue{},
			HeadersSize: -1,
			BodySize:    -1,
			Timestamp:   epoch(tx.Start),
		}
	}

	target := RequestURL(tx)
	r := &Request{
		Method:      m.Method,
		URL:         target,
		HTTPVersion: httpVersion(m),
		Cookies:     requestCookies(m.Headers),
		Headers:     nameValues(m.Headers),
		QueryString: QueryString(target),
		HeadersSize: m.HeaderSize,
		BodySize:    m.WireBodySize,
		Timestamp:   epoch(tx.RequestStart),
	}

	if len(m.Body) > 0 || m.Headers.Has("Content-Length") || m.Headers.Has("Transfer-Encoding") {
		body := decodedBody(m)
		mt := mimeType(m.Headers, body)
		text, enc := EncodeBody(body)
		r.PostData = &PostData{MimeType: mt, Text: text, Encoding: enc}
		if enc == "" && isForm(mt) {
			r.PostData.Params = formParams(text)
		}
	}
	return r
}

func projectResponse(tx *reassembly.Transaction) *Response {
	m := tx.Response
	body := decodedBody(m)
	text, enc := EncodeBody(body)

	r := &Response{
		Status:      m.StatusCode,
		StatusText:  m.Reason,
		HTTPVersion: httpVersion(m),
		Cookies:     responseCookies(m.Headers),
		Headers:     nameValues(m.Headers),
		Content: Content{
			Size:     len(body),
			MimeType: mimeType(m.Headers, body),
			Text:     text,
			Encoding: enc,
		},
		RedirectURL: m.Headers.Get("Location"),
		HeadersSize: m.HeaderSize,
		BodySize:    m.WireBodySize,
		Timestamp:   epoch(tx.ResponseStart),
	}
	if r.StatusText == "" {
		r.StatusText = http.StatusText(m.StatusCode)
	}
	if d := len(body) - len(m.Body); d > 0 {
		r.Content.Compression = d
	}
	return r
}

// RequestURL rebuilds the absolute URL of the transaction's request.
func RequestURL(tx *reassembly.Transaction) string {
	m := tx.Request
	target := ""
	if m != nil {
		target = m.Target
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}

	scheme := "http"
	if tx.TLS {
		scheme = "https"
	}
	authority := ""
	if m != nil {
		if s := m.Headers.Get(":scheme"); s != "" {
			scheme = s
		}
		authority = m.Headers.Get(":authority")
		if authority == "" {
			authority = m.Headers.Get("Host")
		}
	}
	if authority == "" {
		authority = hostPort(tx.Server, scheme)
	}

	switch {
	case m != nil && strings.EqualFold(m.Method, "CONNECT"):
		return scheme + "://" + target
	case target == "":
		target = "/"
	case target == "*":
	case !strings.HasPrefix(target, "/"):
		target = "/" + target
	}
	return scheme + "://" + authority + target
}

func hostPort(ep capture.Endpoint, scheme string) string {
	if !ep.IsValid() {
		return ""
	}
	host := ep.Addr.String()
	if ep.Addr.Is6() {
		host = "[" + host + "]"
	}
	if (scheme == "http" && ep.Port == 80) || (scheme == "https" && ep.Port == 443) {
		return host
	}
	return host + ":" + strconv.Itoa(int(ep.Port))
}

// QueryString returns the URL's query parameters in order, duplicates kept.
func QueryString(rawURL string) []NameValue {
	out := []NameValue{}
	q := rawURL
	if i := strings.IndexByte(q, '#'); i >= 0 {
		q = q[:i]
	}
	i := strings.IndexByte(q, '?')
	if i < 0 {
		return out
	}
	return append(out, splitPairs(q[i+1:])...)
}

func splitPairs(s string) []NameValue {
	var out []NameValue
	for _, part := range strings.Split(s, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		out = append(out, NameValue{Name: unescape(name), Value: unescape(value)})
	}
	return out
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func formParams(body string) []NameValue {
	p := splitPairs(body)
	if p == nil {
		return []NameValue{}
	}
	return p
}

func isForm(mt string) bool {
	base, _, err := mime.ParseMediaType(mt)
	return err == nil && base == "application/x-www-form-urlencoded"
}

func nameValues(h protocol.Headers) []NameValue {
	out := make([]NameValue, 0, len(h))
	for _, f := range h {
		out = append(out, NameValue{Name: f.Name, Value: f.Value})
	}
	return out
}

func requestCookies(h protocol.Headers) []Cookie {
	out := []Cookie{}
	for _, line := range h.Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return out
}

func responseCookies(h protocol.Headers) []Cookie {
	out := []Cookie{}
	for _, line := range h.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		hc := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			hc.Expires = FormatTime(c.Expires)
		}
		out = append(out, hc)
	}
	return out
}

// decodedBody removes content codings; undecodable bodies are kept as sent.
func decodedBody(m *protocol.Message) []byte {
	body, err := protocol.DecodeContent(m.Body, m.Headers.Get("Content-Encoding"))
	if err != nil {
		return m.Body
	}
	return body
}

func mimeType(h protocol.Headers, body []byte) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	if len(body) == 0 {
		return ""
	}
	return http.DetectContentType(body)
}

// EncodeBody stores valid UTF-8 as text and anything else as base64.
func EncodeBody(body []byte) (text, encoding string) {
	if utf8.Valid(body) {
		return string(body), ""
	}
	return base64.StdEncoding.EncodeToString(body), EncodingBase64
}

// DecodeBody reverses EncodeBody.
func DecodeBody(text, encoding string) ([]byte, error) {
	if encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(text)
	}
	return []byte(text), nil
}

func httpVersion(m *protocol.Message) string {
	if m == nil || m.Proto == "" {
		return "HTTP/1.1"
	}
	return m.Proto
}

func timings(tx *reassembly.Transaction) Timings {
	total := tx.Duration()
	send := nonNegative(tx.RequestEnd.Sub(tx.RequestStart))
	if tx.Request == nil {
		send = 0
	}
	receive := time.Duration(0)
	if tx.Response != nil {
		receive = nonNegative(tx.ResponseEnd.Sub(tx.ResponseStart))
	}
	if send > total {
		send = total
	}
	if send+receive > total {
		receive = total - send
	}
	return Timings{
		Blocked: -1,
		DNS:     -1,
		Connect: -1,
		Send:    millis(send),
		Wait:    millis(total - send - receive),
		Receive: millis(receive),
		SSL:     -1,
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// millis converts to milliseconds rounded to microsecond precision.
func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Microsecond)) / 1000
}

func epoch(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// FormatTime renders a HAR timestamp.
func FormatTime(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
