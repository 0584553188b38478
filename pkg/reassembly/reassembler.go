// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"go.uber.org/zap"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/conntrack"
	"github.com/mbeema/pcaphar/pkg/protocol"
)

// Default limits.
const (
	DefaultMaxBufferSize      = 64 << 20
	DefaultMaxPendingSegments = 1024
)

// Config bounds per-stream memory.
type Config struct {
	// MaxBufferSize is the maximum bytes buffered per direction.
	MaxBufferSize int
	// MaxPendingSegments is how many out-of-order segments a direction may
	// hold before the oldest hole is skipped.
	MaxPendingSegments int
	// CommunityIDSeed seeds the flow hash attached to transactions.
	CommunityIDSeed uint16
}

func (c Config) withDefaults() Config {
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.MaxPendingSegments <= 0 {
		c.MaxPendingSegments = DefaultMaxPendingSegments
	}
	return c
}

// Stats counts what the reassembler has seen.
type Stats struct {
	Records      int64
	Streams      int64
	Transactions int64
	Incomplete   int64
	Retransmits  int64
	Gaps         int64
	LateRecords  int64
	Unparsed     int64
	// Unattached counts anomalies raised after a stream's last exchange.
	Unattached int64
}

// Reassembler demultiplexes packet records into streams and emits HTTP
// transactions in the order they complete. It is not safe for concurrent
// use; records must be fed in capture order.
type Reassembler struct {
	cfg       Config
	logger    *zap.Logger
	tracker   *conntrack.Tracker
	streams   map[int64]*Stream
	finalized map[int64]struct{}
	onTx      func(*Transaction)
	stats     Stats
}

// NewReassembler creates a new stream reassembler.
func NewReassembler(cfg Config, logger *zap.Logger) *Reassembler {
	cfg = cfg.withDefaults()
	return &Reassembler{
		cfg:       cfg,
		logger:    logger,
		tracker:   conntrack.NewTracker(cfg.CommunityIDSeed),
		streams:   make(map[int64]*Stream),
		finalized: make(map[int64]struct{}),
	}
}

// OnTransaction registers a callback for completed transactions.
func (r *Reassembler) OnTransaction(fn func(*Transaction)) {
	r.onTx = fn
}

// Feed processes one record. Streams are finalized as soon as both sides
// sent FIN or either side reset.
func (r *Reassembler) Feed(rec *capture.PacketRecord) {
	r.stats.Records++

	if _, done := r.finalized[rec.StreamID]; done {
		if len(rec.Payload) > 0 {
			r.stats.LateRecords++
			r.logger.Debug("record for finalized stream dropped",
				zap.Int64("stream", rec.StreamID),
				zap.Int64("frame", rec.Number),
			)
		}
		return
	}

	info, dir, created := r.tracker.Observe(rec)
	s := r.streams[rec.StreamID]
	if created || s == nil {
		s = newStream(info, r.cfg, r.emit)
		r.streams[rec.StreamID] = s
		r.stats.Streams++
	}

	s.accept(dir, rec)
	if s.proto != "" && r.tracker.GetProtocol(rec.StreamID) != s.proto {
		r.tracker.SetProtocol(rec.StreamID, s.proto)
	}

	if info.Closed() {
		r.finalize(rec.StreamID)
	}
}

// Flush finalizes every open stream in order of first sighting. Call it once
// the record source is exhausted.
func (r *Reassembler) Flush() {
	for _, id := range r.tracker.Active() {
		r.finalize(id)
	}
}

func (r *Reassembler) finalize(id int64) {
	s, ok := r.streams[id]
	if !ok {
		return
	}
	s.finalize()

	r.stats.Retransmits += int64(s.client.retransmits + s.server.retransmits)
	r.stats.Gaps += int64(s.client.gaps + s.server.gaps)
	if s.proto == "" || s.proto == protocol.ProtoUnknown {
		r.stats.Unparsed++
	}
	if n := len(s.Unattached()); n > 0 {
		r.stats.Unattached += int64(n)
	}

	r.logger.Debug("stream finalized",
		zap.Int64("stream", id),
		zap.String("protocol", s.proto),
		zap.Bool("tls", s.tls),
		zap.String("client", s.Conn.Client.String()),
		zap.String("server", s.Conn.Server.String()),
		zap.Int("transactions", s.emitted),
	)

	delete(r.streams, id)
	r.tracker.Remove(id)
	r.finalized[id] = struct{}{}
}

func (r *Reassembler) emit(tx *Transaction) {
	r.stats.Transactions++
	if tx.Incomplete {
		r.stats.Incomplete++
	}
	if r.onTx != nil {
		r.onTx(tx)
	}
}

// StreamCount returns the number of open streams.
func (r *Reassembler) StreamCount() int {
	return len(r.streams)
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats {
	return r.stats
}
