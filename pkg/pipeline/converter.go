// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package pipeline drives one capture through reading, reassembly,
// projection, writing and enrichment.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/config"
	"github.com/mbeema/pcaphar/pkg/enrich"
	"github.com/mbeema/pcaphar/pkg/har"
	"github.com/mbeema/pcaphar/pkg/health"
	"github.com/mbeema/pcaphar/pkg/reassembly"
	"github.com/mbeema/pcaphar/pkg/redact"
)

// ErrSameFile is returned when the output path would replace the input.
var ErrSameFile = errors.New("output path is the input path")

// Publisher receives the final document. export.Manager implements it.
type Publisher interface {
	Publish(ctx context.Context, doc *har.Document) (int, error)
}

// SourceOpener produces the packet records of one capture.
type SourceOpener func(ctx context.Context, input string) (capture.Source, error)

// Result summarizes one conversion.
type Result struct {
	Input      string
	Output     string
	Entries    int
	Reassembly reassembly.Stats
	// Enriched maps a pass name to the number of sides it changed.
	Enriched map[string]int
	// Rewritten is set when enrichment changed the written document.
	Rewritten bool
	Exported  int
	Duration  time.Duration
}

// Converter turns captures into HAR files. It holds no per-capture state
// and may convert several captures concurrently.
type Converter struct {
	cfg       *config.Config
	logger    *zap.Logger
	stats     *health.Stats
	redactor  *redact.Redactor
	publisher Publisher
	open      SourceOpener
	// tshark is the decoding tool, resolved once when the converter is built.
	tshark string
}

// Option customizes a Converter.
type Option func(*Converter)

// WithPublisher exports each converted document.
func WithPublisher(p Publisher) Option {
	return func(c *Converter) { c.publisher = p }
}

// WithSourceOpener replaces the reader selected by cfg.Reader.Mode.
func WithSourceOpener(open SourceOpener) Option {
	return func(c *Converter) { c.open = open }
}

// WithStats records run counters.
func WithStats(s *health.Stats) Option {
	return func(c *Converter) { c.stats = s }
}

// New creates a converter. Redaction rules are compiled here so a bad
// pattern fails before any capture is read.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Converter, error) {
	rules := make([]redact.Rule, 0, len(cfg.Redaction.Rules))
	for _, r := range cfg.Redaction.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %q: %w", r.Name, err)
		}
		rules = append(rules, redact.Rule{Name: r.Name, Pattern: re, Replacement: r.Replacement})
	}

	c := &Converter{
		cfg:      cfg,
		logger:   logger,
		redactor: redact.New(cfg.Redaction.Enabled, rules, cfg.Redaction.Headers),
		tshark:   cfg.Tshark.Path,
	}
	if c.tshark == "" && (cfg.Reader.Mode == config.ReaderTshark || cfg.Reader.Mode == "") {
		c.tshark = capture.DefaultToolPath()
		logger.Debug("decoding tool resolved", zap.String("tool", c.tshark))
	}
	c.open = c.openSource
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OutputPath returns where the HAR for input goes: the capture's base name
// with a .har extension, in dir or next to the capture when dir is empty.
func OutputPath(input, dir string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + ".har"
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, base)
}

// Convert reads input and writes the HAR document to output. An empty
// output derives the path from input. A conflicting output fails before
// the capture is read.
func (c *Converter) Convert(ctx context.Context, input, output string) (*Result, error) {
	start := time.Now()
	if output == "" {
		output = OutputPath(input, "")
	}
	res := &Result{Input: input, Output: output, Enriched: map[string]int{}}

	err := c.convert(ctx, res)
	res.Duration = time.Since(start)

	c.stats.ObserveRun(health.Run{
		Records:      res.Reassembly.Records,
		Transactions: res.Reassembly.Transactions,
		Incomplete:   res.Reassembly.Incomplete,
		Retransmits:  res.Reassembly.Retransmits,
		Gaps:         res.Reassembly.Gaps,
		Enriched:     res.Enriched,
		Duration:     res.Duration,
		Failed:       err != nil,
	})
	if c.cfg.Metrics.Enabled && c.cfg.Metrics.TextfilePath != "" {
		if werr := c.stats.WriteTextfile(c.cfg.Metrics.TextfilePath); werr != nil {
			c.logger.Warn("failed to write metrics textfile",
				zap.String("path", c.cfg.Metrics.TextfilePath),
				zap.Error(werr),
			)
		}
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("capture converted",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int("entries", res.Entries),
		zap.Int64("incomplete", res.Reassembly.Incomplete),
		zap.Bool("rewritten", res.Rewritten),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (c *Converter) convert(ctx context.Context, res *Result) error {
	if sameFile(res.Input, res.Output) {
		return fmt.Errorf("%s: %w", res.Output, ErrSameFile)
	}
	w := har.NewWriter(res.Output, c.cfg.Output.Overwrite, c.logger)
	if err := w.Check(); err != nil {
		return err
	}

	src, err := c.open(ctx, res.Input)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer src.Close()

	doc, stats, err := c.build(ctx, src)
	res.Reassembly = stats
	if err != nil {
		return err
	}
	res.Entries = len(doc.Entries())

	if err := c.write(ctx, w, doc); err != nil {
		return err
	}

	changed := 0
	for _, e := range c.enrichers() {
		n := e.Enrich(doc)
		res.Enriched[e.Name()] = n
		changed += n
		c.logger.Debug("enrichment pass finished", zap.String("pass", e.Name()), zap.Int("changed", n))
	}
	if changed > 0 {
		if err := c.write(ctx, w, doc); err != nil {
			return fmt.Errorf("rewrite enriched document: %w", err)
		}
		res.Rewritten = true
	}

	if c.publisher != nil {
		n, err := c.publisher.Publish(ctx, c.redacted(doc))
		res.Exported = n
		if err != nil {
			// The HAR file is the product; a collector outage only costs spans.
			c.logger.Warn("span export incomplete", zap.Int("exported", n), zap.Error(err))
		}
	}
	return nil
}

// build runs reader, reassembler and projector as stages joined by bounded
// channels. Each stage is a single goroutine, so entries keep transaction
// completion order.
func (c *Converter) build(ctx context.Context, src capture.Source) (*har.Document, reassembly.Stats, error) {
	queue := c.cfg.Reader.QueueSize
	if queue <= 0 {
		queue = 1
	}
	records := make(chan *capture.PacketRecord, queue)
	txs := make(chan *reassembly.Transaction, queue)

	r := reassembly.NewReassembler(reassembly.Config{
		MaxBufferSize:      c.cfg.Reassembly.MaxBufferSize,
		MaxPendingSegments: c.cfg.Reassembly.MaxPendingSegments,
		CommunityIDSeed:    c.cfg.Reassembly.CommunityIDSeed,
	}, c.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(records)
		for {
			rec, err := src.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case records <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(txs)
		var sendErr error
		r.OnTransaction(func(tx *reassembly.Transaction) {
			if sendErr != nil {
				return
			}
			select {
			case txs <- tx:
			case <-gctx.Done():
				sendErr = gctx.Err()
			}
		})
		for rec := range records {
			r.Feed(rec)
			if sendErr != nil {
				return sendErr
			}
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		r.Flush()
		return sendErr
	})

	doc := har.NewDocument()
	doc.Log.Creator.Comment = c.cfg.HAR.CreatorComment
	g.Go(func() error {
		for tx := range txs {
			doc.Add(har.Project(tx))
		}
		return nil
	})

	err := g.Wait()
	stats := r.Stats()
	if err != nil {
		return nil, stats, err
	}
	return doc, stats, nil
}

// write publishes doc, redacting a copy so enrichment keeps matching against
// the captured bytes.
func (c *Converter) write(ctx context.Context, w *har.Writer, doc *har.Document) error {
	return w.Write(ctx, c.redacted(doc))
}

func (c *Converter) redacted(doc *har.Document) *har.Document {
	if !c.redactor.Enabled() {
		return doc
	}
	clone, err := doc.Clone()
	if err != nil {
		c.logger.Warn("failed to copy document for redaction", zap.Error(err))
		return doc
	}
	if n := c.redactor.Document(clone); n > 0 {
		c.logger.Debug("redacted entries", zap.Int("entries", n))
	}
	return clone
}

// enrichers loads the configured feeds. An unreadable feed skips its pass.
func (c *Converter) enrichers() []enrich.Enricher {
	var out []enrich.Enricher

	if st := c.cfg.Enrichment.Stacktrace; st.Enabled && st.Path != "" {
		ops, skipped, err := enrich.LoadSocketOperations(st.Path, c.cfg.Reassembly.CommunityIDSeed)
		if err != nil {
			c.feedError("stacktrace", err)
		} else {
			c.logSkipped("stacktrace", len(ops), skipped)
			out = append(out, enrich.NewStacktrace(ops, st.Window, c.logger))
		}
	}

	if dc := c.cfg.Enrichment.Decryption; dc.Enabled && dc.Path != "" {
		ops, skipped, err := enrich.LoadCryptoOperations(dc.Path)
		if err != nil {
			c.feedError("decryption", err)
		} else {
			c.logSkipped("decryption", len(ops), skipped)
			out = append(out, enrich.NewDecryption(ops, c.logger))
		}
	}
	return out
}

func (c *Converter) feedError(feed string, err error) {
	c.stats.FeedError(feed)
	c.logger.Warn("enrichment feed unusable, pass skipped", zap.String("feed", feed), zap.Error(err))
}

func (c *Converter) logSkipped(feed string, loaded, skipped int) {
	if skipped > 0 {
		c.logger.Warn("malformed feed records skipped",
			zap.String("feed", feed),
			zap.Int("loaded", loaded),
			zap.Int("skipped", skipped),
		)
	}
}

func sameFile(a, b string) bool {
	pa, err1 := filepath.Abs(a)
	pb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return pa == pb
}
