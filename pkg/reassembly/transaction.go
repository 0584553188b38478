// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"time"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/protocol"
)

// Anomaly kinds. Anomalies never abort reassembly; they are attached to the
// transactions they affect.
const (
	AnomalyNoResponse  = "no-response"
	AnomalyNoRequest   = "no-request"
	AnomalyTruncated   = "truncated-message"
	AnomalyMalformed   = "malformed-message"
	AnomalySequenceGap = "sequence-gap"
	AnomalyOverflow    = "buffer-overflow"
	AnomalyStreamReset = "stream-reset"
	AnomalySkipped     = "skipped-bytes"
)

// Anomaly describes a non-fatal reassembly problem.
type Anomaly struct {
	Kind   string
	Detail string
}

func (a Anomaly) Error() string {
	if a.Detail == "" {
		return a.Kind
	}
	return a.Kind + ": " + a.Detail
}

// Transaction is one HTTP request paired with its response. Either side may
// be nil when the stream ended before it was seen; such transactions are
// flagged Incomplete.
type Transaction struct {
	StreamID int64
	// H2StreamID is the HTTP/2 stream identifier, zero for HTTP/1.
	H2StreamID uint32
	// Ordinal counts transactions emitted on the same transport stream.
	Ordinal int

	Client      capture.Endpoint
	Server      capture.Endpoint
	CommunityID string
	TLS         bool

	Request  *protocol.Message
	Response *protocol.Message

	RequestStart  time.Time
	RequestEnd    time.Time
	ResponseStart time.Time
	ResponseEnd   time.Time

	// Start is the first byte of the request (or of the response when there
	// is no request). End is the last response byte, or the stream's final
	// record time when the response is missing or unfinished.
	Start time.Time
	End   time.Time

	Incomplete bool
	Anomalies  []Anomaly
}

// Duration returns End - Start, never negative.
func (t *Transaction) Duration() time.Duration {
	d := t.End.Sub(t.Start)
	if d < 0 {
		return 0
	}
	return d
}

// message tracks one request or response while it is being assembled.
type message struct {
	msg   *protocol.Message
	start time.Time
	end   time.Time
	done  bool
}

// exchange is a request/response slot waiting to become a Transaction.
type exchange struct {
	req       *message
	resp      *message
	h2id      uint32
	reset     bool
	anomalies []Anomaly
}

func (e *exchange) complete() bool {
	if e.reset {
		return true
	}
	if e.req != nil && !e.req.done {
		return false
	}
	return e.resp != nil && e.resp.done
}

func (e *exchange) note(kind, detail string) {
	e.anomalies = append(e.anomalies, Anomaly{Kind: kind, Detail: detail})
}
