// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// StdoutExporter prints spans for debugging an export setup without a
// collector.
type StdoutExporter struct {
	format string // "text" or "json"

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string) *StdoutExporter {
	return newWriterExporter(format, os.Stdout)
}

func newWriterExporter(format string, w io.Writer) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{format: format, out: w}
}

// ExportSpans prints one line per span.
func (e *StdoutExporter) ExportSpans(_ context.Context, spans []*Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		if e.format == "json" {
			b, err := json.Marshal(map[string]interface{}{
				"trace_id":    s.TraceID,
				"span_id":     s.SpanID,
				"parent_id":   s.ParentSpanID,
				"name":        s.Name,
				"start":       s.StartTime.Format(time.RFC3339Nano),
				"end":         s.EndTime.Format(time.RFC3339Nano),
				"duration_ms": s.Duration().Milliseconds(),
				"status":      statusName(s.Status),
				"service":     s.ServiceName,
				"pid":         s.PID,
				"attributes":  s.Attributes,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%s\n", b)
			continue
		}
		fmt.Fprintf(e.out,
			"[SPAN] trace=%s span=%s name=%-40s %-5s %6dms %s\n",
			s.TraceID[:min(len(s.TraceID), 16)], s.SpanID[:min(len(s.SpanID), 8)], s.Name,
			statusName(s.Status), s.Duration().Milliseconds(),
			formatAttrs(s.Attributes),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(_ context.Context) error {
	return nil
}

func statusName(s StatusCode) string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERR"
	default:
		return "UNSET"
	}
}

// formatAttrs prints a few well-known attributes in a fixed order.
func formatAttrs(attrs map[string]string) string {
	keys := []string{"http.response.status_code", "server.address", "server.port", "process.pid"}
	var parts []string
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if extra := len(attrs) - len(parts); extra > 0 {
		parts = append(parts, fmt.Sprintf("+%d", extra))
	}
	return strings.Join(parts, " ")
}
