// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// TraceContext holds W3C trace context propagated on a request.
type TraceContext struct {
	TraceID    string
	SpanID     string
	Sampled    bool
	TraceState string
}

// Valid reports whether both ids are present and well formed.
func (c TraceContext) Valid() bool {
	return isHexID(c.TraceID, 16) && isHexID(c.SpanID, 8)
}

// ExtractTraceContext reads traceparent and tracestate from request headers.
func ExtractTraceContext(h Headers) TraceContext {
	var ctx TraceContext

	value := strings.TrimSpace(h.Get("traceparent"))
	if value == "" {
		return ctx
	}

	// 00-<traceID>-<spanID>-<flags>
	parts := strings.Split(value, "-")
	if len(parts) != 4 {
		return ctx
	}

	ctx.TraceID = parts[1]
	ctx.SpanID = parts[2]
	flags, _ := strconv.ParseInt(parts[3], 16, 64)
	ctx.Sampled = (flags & 0x01) != 0
	ctx.TraceState = strings.TrimSpace(h.Get("tracestate"))

	return ctx
}

func isHexID(s string, n int) bool {
	if len(s) != 2*n {
		return false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	for _, c := range b {
		if c != 0 {
			return true
		}
	}
	return false
}
