// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export publishes HAR entries as OTLP CLIENT spans.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/pcaphar/pkg/config"
	"github.com/mbeema/pcaphar/pkg/har"
	"github.com/mbeema/pcaphar/pkg/health"
)

// Exporter is the interface for span exporters.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*Span) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize = 512

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
)

// ErrCircuitOpen is returned when exports are suspended after repeated
// failures.
var ErrCircuitOpen = errors.New("export circuit open")

// Manager batches a document's spans and sends them with retry and a
// circuit breaker shared across documents.
type Manager struct {
	logger      *zap.Logger
	exporter    Exporter
	stats       *health.Stats
	serviceName string
	timeout     time.Duration

	batchSize      int
	initialBackoff time.Duration
	circuitBreaker *CircuitBreaker
	sampler        *Sampler

	spanCount atomic.Int64
	dropCount atomic.Int64
}

// NewManager creates the exporter selected by cfg.Protocol.
func NewManager(cfg *config.OTLPConfig, stats *health.Stats, logger *zap.Logger) (*Manager, error) {
	var exp Exporter
	var err error
	switch cfg.Protocol {
	case "http":
		exp, err = NewHTTPOTLPExporter(cfg, logger)
	case "stdout":
		exp = NewStdoutExporter("json")
	default:
		exp, err = NewOTLPExporter(cfg, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Protocol, err)
	}

	m := NewManagerWithExporter(exp, cfg.ServiceName, stats, logger)
	if cfg.Timeout > 0 {
		m.timeout = cfg.Timeout
	}
	m.sampler = NewSampler(cfg.SampleRate)
	logger.Info("span export enabled",
		zap.String("protocol", cfg.Protocol),
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sample_rate", m.sampler.Rate()),
	)
	return m, nil
}

// NewManagerWithExporter wraps an existing exporter.
func NewManagerWithExporter(exp Exporter, serviceName string, stats *health.Stats, logger *zap.Logger) *Manager {
	return &Manager{
		logger:         logger,
		exporter:       exp,
		stats:          stats,
		serviceName:    serviceName,
		timeout:        10 * time.Second,
		batchSize:      defaultBatchSize,
		initialBackoff: initialBackoff,
		circuitBreaker: NewCircuitBreaker(5, 30*time.Second, logger),
		sampler:        NewSampler(1),
	}
}

// Publish exports every entry of doc. It returns the number of spans
// accepted and the last export error, if any batch was dropped.
func (m *Manager) Publish(ctx context.Context, doc *har.Document) (int, error) {
	all := SpansFromDocument(doc, m.serviceName)
	spans := m.sampler.Filter(all)
	exported := 0
	var lastErr error

	for start := 0; start < len(spans); start += m.batchSize {
		batch := spans[start:min(start+m.batchSize, len(spans))]
		if err := m.retryExport(ctx, batch); err != nil {
			lastErr = err
			m.dropCount.Add(int64(len(batch)))
			m.stats.SpansDropped(len(batch))
			if ctx.Err() != nil {
				m.dropRest(spans[start+len(batch):])
				break
			}
			continue
		}
		exported += len(batch)
		m.spanCount.Add(int64(len(batch)))
		m.stats.SpansExported(len(batch))
	}

	m.logger.Info("spans published",
		zap.Int("spans", len(all)),
		zap.Int("sampled_out", len(all)-len(spans)),
		zap.Int("exported", exported),
		zap.Int64("dropped_total", m.dropCount.Load()),
	)
	return exported, lastErr
}

func (m *Manager) dropRest(rest []*Span) {
	m.dropCount.Add(int64(len(rest)))
	m.stats.SpansDropped(len(rest))
}

// retryExport attempts an export with exponential backoff and circuit breaker.
func (m *Manager) retryExport(ctx context.Context, spans []*Span) error {
	if !m.circuitBreaker.Allow() {
		m.logger.Debug("circuit breaker open, dropping batch", zap.Int("spans", len(spans)))
		return ErrCircuitOpen
	}

	backoff := m.initialBackoff

	for attempt := 0; ; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.exporter.ExportSpans(exportCtx, spans)
		cancel()

		if err == nil {
			m.circuitBreaker.RecordSuccess()
			return nil
		}

		m.circuitBreaker.RecordFailure()

		if attempt == maxRetries {
			m.logger.Error("export failed after retries",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return err
		}

		m.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		// Exponential backoff with cap
		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
}

// Shutdown closes the exporter.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.exporter.Shutdown(ctx)
	m.logger.Info("export manager stopped",
		zap.Int64("spans_exported", m.spanCount.Load()),
		zap.Int64("dropped", m.dropCount.Load()),
	)
	return err
}

// Stats returns exported and dropped span totals.
func (m *Manager) Stats() (exported, dropped int64) {
	return m.spanCount.Load(), m.dropCount.Load()
}
