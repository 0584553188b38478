// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/pcaphar/pkg/config"
)

const (
	scopeName    = "pcaphar"
	scopeVersion = "1.0.0"
)

// OTLPExporter sends spans via OTLP gRPC with automatic reconnection.
type OTLPExporter struct {
	logger      *zap.Logger
	serviceName string
	endpoint    string
	headers     map[string]string
	opts        []grpc.DialOption

	mu       sync.RWMutex
	conn     *grpc.ClientConn
	traceSvc coltracepb.TraceServiceClient
}

// NewOTLPExporter creates a new OTLP gRPC exporter. The connection is
// established lazily by gRPC.
func NewOTLPExporter(cfg *config.OTLPConfig, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:      logger,
		serviceName: cfg.ServiceName,
		endpoint:    cfg.Endpoint,
		headers:     cfg.Headers,
		opts:        opts,
	}

	if err := e.connect(); err != nil {
		return nil, err
	}

	return e, nil
}

// connect establishes or re-establishes the gRPC connection.
func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}

	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	return nil
}

// ensureConnected checks connection health and reconnects if needed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn == nil {
		return e.reconnect()
	}

	switch conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return e.reconnect()
	default:
		return nil
	}
}

// reconnect closes the old connection and creates a new one.
func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check under write lock
	if e.conn != nil {
		state := e.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}
		e.conn.Close()
	}

	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))

	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}

	e.logger.Info("reconnected to OTLP endpoint")
	return nil
}

// ExportSpans sends spans via OTLP gRPC.
func (e *OTLPExporter) ExportSpans(ctx context.Context, spans []*Span) error {
	if len(spans) == 0 {
		return nil
	}

	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	req := buildTraceRequest(spans, e.serviceName)
	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(e.headers))
	}

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()

	resp, err := svc.Export(ctx, req)
	if err != nil {
		return err
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedSpans() > 0 {
		e.logger.Warn("collector rejected spans",
			zap.Int64("rejected", ps.GetRejectedSpans()),
			zap.String("message", ps.GetErrorMessage()),
		)
	}
	return nil
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// buildTraceRequest groups spans by emitting process so each gets its own
// ResourceSpans.
func buildTraceRequest(spans []*Span, fallbackService string) *coltracepb.ExportTraceServiceRequest {
	type svcKey struct {
		name string
		pid  int
	}
	grouped := make(map[svcKey][]*tracepb.Span)
	var keys []svcKey
	for _, s := range spans {
		ps, err := convertSpan(s)
		if err != nil {
			continue
		}
		key := svcKey{name: s.ServiceName, pid: s.PID}
		if _, ok := grouped[key]; !ok {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], ps)
	}

	scope := &commonpb.InstrumentationScope{
		Name:    scopeName,
		Version: scopeVersion,
	}

	resourceSpans := make([]*tracepb.ResourceSpans, 0, len(keys))
	for _, key := range keys {
		resourceSpans = append(resourceSpans, &tracepb.ResourceSpans{
			Resource: resourceFor(key.name, fallbackService, key.pid),
			ScopeSpans: []*tracepb.ScopeSpans{
				{
					Scope: scope,
					Spans: grouped[key],
				},
			},
		})
	}

	return &coltracepb.ExportTraceServiceRequest{ResourceSpans: resourceSpans}
}

// resourceFor describes the observed process. pid 0 means the process is
// unknown and only host attributes are set.
func resourceFor(serviceName, fallback string, pid int) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	if serviceName == "" {
		serviceName = fallback
	}

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
	}
	if pid > 0 {
		attrs = append(attrs,
			intAttr("process.pid", int64(pid)),
			strAttr("process.executable.name", serviceName),
		)
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func convertSpan(s *Span) (*tracepb.Span, error) {
	traceID, err := hexToBytes(s.TraceID, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid trace ID: %w", err)
	}

	spanID, err := hexToBytes(s.SpanID, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid span ID: %w", err)
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		TraceState:        sanitizeUTF8(s.TraceState),
		Name:              sanitizeUTF8(s.Name),
		Kind:              tracepb.Span_SPAN_KIND_CLIENT,
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
	}

	if s.ParentSpanID != "" {
		if parentID, err := hexToBytes(s.ParentSpanID, 8); err == nil {
			ps.ParentSpanId = parentID
		}
	}

	ps.Status = &tracepb.Status{}
	switch s.Status {
	case StatusOK:
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	case StatusError:
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = sanitizeUTF8(s.StatusMsg)
	default:
		ps.Status.Code = tracepb.Status_STATUS_CODE_UNSET
	}

	ps.Attributes = sortedAttrs(s.Attributes)
	for _, ev := range s.Events {
		ps.Events = append(ps.Events, &tracepb.Span_Event{
			Name:         sanitizeUTF8(ev.Name),
			TimeUnixNano: uint64(ev.Timestamp.UnixNano()),
			Attributes:   sortedAttrs(ev.Attributes),
		})
	}

	return ps, nil
}

// sortedAttrs keeps attribute order stable across exports.
func sortedAttrs(m map[string]string) []*commonpb.KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, strAttr(k, sanitizeUTF8(m[k])))
	}
	return out
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

func hexToBytes(s string, expectedLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(b))
	}
	return b, nil
}
