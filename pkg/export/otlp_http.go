// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/mbeema/pcaphar/pkg/config"
)

// HTTPOTLPExporter sends spans via OTLP HTTP/protobuf.
type HTTPOTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	compression string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPOTLPExporter creates a new OTLP HTTP exporter. An endpoint without
// a scheme gets http or https depending on cfg.Insecure.
func NewHTTPOTLPExporter(cfg *config.OTLPConfig, logger *zap.Logger) (*HTTPOTLPExporter, error) {
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		scheme := "https"
		if cfg.Insecure {
			scheme = "http"
		}
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	compression := cfg.Compression
	if compression == "" {
		compression = "gzip"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPOTLPExporter{
		logger:      logger,
		serviceName: cfg.ServiceName,
		endpoint:    endpoint,
		compression: compression,
		headers:     cfg.Headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// ExportSpans sends spans via OTLP HTTP.
func (e *HTTPOTLPExporter) ExportSpans(ctx context.Context, spans []*Span) error {
	if len(spans) == 0 {
		return nil
	}
	return e.post(ctx, "/v1/traces", buildTraceRequest(spans, e.serviceName))
}

// post sends a protobuf-encoded request to the OTLP HTTP endpoint.
func (e *HTTPOTLPExporter) post(ctx context.Context, path string, msg *coltracepb.ExportTraceServiceRequest) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	contentEncoding := ""

	if e.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = &buf
		contentEncoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("OTLP HTTP %s returned %d", path, resp.StatusCode)
	}

	var out coltracepb.ExportTraceServiceResponse
	if len(respBody) > 0 && proto.Unmarshal(respBody, &out) == nil {
		if ps := out.GetPartialSuccess(); ps != nil && ps.GetRejectedSpans() > 0 {
			e.logger.Warn("collector rejected spans",
				zap.Int64("rejected", ps.GetRejectedSpans()),
				zap.String("message", ps.GetErrorMessage()),
			)
		}
	}
	return nil
}

// Shutdown closes idle HTTP connections.
func (e *HTTPOTLPExporter) Shutdown(_ context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
