// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/pcaphar/pkg/har"
	"github.com/mbeema/pcaphar/pkg/protocol"
	"github.com/mbeema/pcaphar/pkg/redact"
)

// StatusCode mirrors the OTLP span status.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]string
}

// Span is one HAR entry seen as a CLIENT span.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	TraceState   string
	Name         string
	StartTime    time.Time
	EndTime      time.Time
	Status       StatusCode
	StatusMsg    string
	Attributes   map[string]string
	Events       []SpanEvent

	// ServiceName and PID identify the emitting process when a stack trace
	// was attached to the request.
	ServiceName string
	PID         int
}

// Duration returns the span length.
func (s *Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SpansFromDocument converts every entry with a request to a span. Entries
// without a request carry no method or URL and are skipped.
func SpansFromDocument(doc *har.Document, serviceName string) []*Span {
	entries := doc.Entries()
	spans := make([]*Span, 0, len(entries))
	for _, e := range entries {
		if s, ok := SpanFromEntry(e, serviceName); ok {
			spans = append(spans, s)
		}
	}
	return spans
}

// SpanFromEntry builds a span. A valid traceparent on the request makes the
// span a child of the caller's span; otherwise ids are derived from the
// entry's identity so re-exporting a document yields the same ids.
func SpanFromEntry(e *har.Entry, serviceName string) (*Span, bool) {
	req := e.Request
	if req == nil || req.Method == "" {
		return nil, false
	}

	start, ok := entryStart(e)
	if !ok {
		return nil, false
	}
	end := start.Add(time.Duration(math.Round(e.Time * float64(time.Millisecond))))

	traceID, spanID := derivedIDs(e)
	s := &Span{
		TraceID:     traceID,
		SpanID:      spanID,
		Name:        req.Method + " " + redact.NormalizePath(req.URL),
		StartTime:   start,
		EndTime:     end,
		ServiceName: serviceName,
		Attributes:  entryAttributes(e),
	}

	if tc := protocol.ExtractTraceContext(toHeaders(req.Headers)); tc.Valid() {
		s.TraceID = strings.ToLower(tc.TraceID)
		s.ParentSpanID = strings.ToLower(tc.SpanID)
		s.TraceState = tc.TraceState
	}

	if st := req.Stacktrace; st != nil {
		s.PID = st.PID
		if st.Process != "" {
			s.ServiceName = st.Process
		}
	}

	switch {
	case e.Response == nil:
		s.Status, s.StatusMsg = StatusError, "no response captured"
	case e.Response.Status >= 400:
		s.Status, s.StatusMsg = StatusError, fmt.Sprintf("HTTP %d", e.Response.Status)
	}

	for _, a := range e.Anomalies {
		ev := SpanEvent{Name: "anomaly", Timestamp: end, Attributes: map[string]string{"anomaly.kind": a.Kind}}
		if a.Detail != "" {
			ev.Attributes["anomaly.detail"] = a.Detail
		}
		s.Events = append(s.Events, ev)
	}
	return s, true
}

func entryStart(e *har.Entry) (time.Time, bool) {
	if e.Request.Timestamp > 0 {
		return time.UnixMicro(int64(math.Round(e.Request.Timestamp * 1e6))), true
	}
	t, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
	return t, err == nil
}

func derivedIDs(e *har.Entry) (traceID, spanID string) {
	key := fmt.Sprintf("%s|%s|%d|%d|%s", e.CommunityID, e.Connection, e.StreamID, e.H2StreamID, e.StartedDateTime)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]), hex.EncodeToString(sum[16:24])
}

func toHeaders(nvs []har.NameValue) protocol.Headers {
	h := make(protocol.Headers, len(nvs))
	for i, nv := range nvs {
		h[i] = protocol.Header{Name: nv.Name, Value: nv.Value}
	}
	return h
}

func entryAttributes(e *har.Entry) map[string]string {
	req := e.Request
	attrs := map[string]string{
		"http.request.method": req.Method,
		"url.full":            req.URL,
		"har.stream_id":       strconv.FormatInt(e.StreamID, 10),
	}
	if v := strings.TrimPrefix(req.HTTPVersion, "HTTP/"); v != "" {
		attrs["network.protocol.version"] = v
	}
	if e.ServerIPAddress != "" {
		attrs["server.address"] = e.ServerIPAddress
	}
	if e.ServerPort != 0 {
		attrs["server.port"] = strconv.Itoa(e.ServerPort)
	}
	if e.ClientIPAddress != "" {
		attrs["client.address"] = e.ClientIPAddress
		attrs["client.port"] = strconv.Itoa(e.ClientPort)
	}
	if e.CommunityID != "" {
		attrs["network.community_id"] = e.CommunityID
	}
	if e.H2StreamID != 0 {
		attrs["http2.stream_id"] = strconv.FormatUint(uint64(e.H2StreamID), 10)
	}
	if e.TLS {
		attrs["tls.established"] = "true"
	}
	if e.Incomplete {
		attrs["har.incomplete"] = "true"
	}
	if req.BodySize > 0 {
		attrs["http.request.body.size"] = strconv.Itoa(req.BodySize)
	}
	if req.Decryption != nil {
		attrs["har.request.decrypted"] = "true"
	}
	if st := req.Stacktrace; st != nil {
		attrs["process.pid"] = strconv.Itoa(st.PID)
		attrs["thread.id"] = strconv.Itoa(st.TID)
		if len(st.Compact) > 0 {
			attrs["code.namespace"] = st.Compact[0]
		}
	}
	if resp := e.Response; resp != nil {
		attrs["http.response.status_code"] = strconv.Itoa(resp.Status)
		if resp.BodySize > 0 {
			attrs["http.response.body.size"] = strconv.Itoa(resp.BodySize)
		}
		if resp.Decryption != nil {
			attrs["har.response.decrypted"] = "true"
		}
	}
	return attrs
}
