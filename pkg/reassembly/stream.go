// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"fmt"
	"sort"
	"time"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/conntrack"
	"github.com/mbeema/pcaphar/pkg/protocol"
)

// mark records the capture time of the bytes ending at offset end.
type mark struct {
	end int64
	at  time.Time
}

type segment struct {
	seq  uint32
	data []byte
	at   time.Time
}

// flow is one direction of a stream: an ordered byte sequence rebuilt from
// TCP segments with retransmissions and overlaps removed.
type flow struct {
	buf   []byte
	base  int64 // stream offset of buf[0]
	marks []mark

	nextSeq uint32
	synced  bool
	pending []segment
	seen    map[int64]struct{}

	limit      int
	maxPending int
	lastTime   time.Time

	retransmits int
	gaps        int
	overflow    bool
}

func newFlow(limit, maxPending int) flow {
	return flow{
		buf:        make([]byte, 0, 4096),
		seen:       make(map[int64]struct{}),
		limit:      limit,
		maxPending: maxPending,
	}
}

// accept adds the record's payload and returns the number of bytes that
// became contiguous.
func (f *flow) accept(rec *capture.PacketRecord) int {
	if rec.Time.After(f.lastTime) {
		f.lastTime = rec.Time
	}

	if !rec.HasSeq {
		if len(rec.Payload) == 0 {
			return 0
		}
		if _, dup := f.seen[rec.Number]; dup {
			f.retransmits++
			return 0
		}
		f.seen[rec.Number] = struct{}{}
		return f.append(rec.Payload, rec.Time)
	}

	seq := rec.Seq
	if rec.HasFlag(capture.FlagSYN) {
		if !f.synced {
			f.nextSeq = seq + 1
			f.synced = true
		}
		seq++
	}
	if len(rec.Payload) == 0 {
		return 0
	}
	if !f.synced {
		f.nextSeq = seq
		f.synced = true
	}

	data := rec.Payload
	d := int32(seq - f.nextSeq)
	if d < 0 {
		if int64(-d) >= int64(len(data)) {
			f.retransmits++
			return 0
		}
		data = data[-d:]
		d = 0
	}
	if d > 0 {
		f.hold(seq, data, rec.Time)
		return 0
	}

	n := f.append(data, rec.Time)
	f.nextSeq += uint32(len(data))
	return n + f.drain()
}

// hold queues an out-of-order segment. When too many are queued the oldest
// hole is given up on.
func (f *flow) hold(seq uint32, data []byte, at time.Time) {
	f.pending = append(f.pending, segment{seq: seq, data: append([]byte(nil), data...), at: at})
	if len(f.pending) > f.maxPending {
		f.skipGap()
	}
}

func (f *flow) sortPending() {
	next := f.nextSeq
	sort.SliceStable(f.pending, func(i, j int) bool {
		return int32(f.pending[i].seq-next) < int32(f.pending[j].seq-next)
	})
}

// drain appends queued segments that are now contiguous.
func (f *flow) drain() int {
	if len(f.pending) == 0 {
		return 0
	}
	f.sortPending()

	n, i := 0, 0
	for ; i < len(f.pending); i++ {
		seg := f.pending[i]
		d := int32(seg.seq - f.nextSeq)
		if d > 0 {
			break
		}
		data := seg.data
		if int64(-d) >= int64(len(data)) {
			f.retransmits++
			continue
		}
		data = data[-d:]
		n += f.append(data, seg.at)
		f.nextSeq += uint32(len(data))
	}
	f.pending = f.pending[i:]
	return n
}

// skipGap jumps over the first missing range so queued data can be used.
func (f *flow) skipGap() int {
	if len(f.pending) == 0 {
		return 0
	}
	f.sortPending()
	if int32(f.pending[0].seq-f.nextSeq) > 0 {
		f.gaps++
		f.nextSeq = f.pending[0].seq
	}
	return f.drain()
}

// flush gives up on every hole and appends all queued data.
func (f *flow) flush() int {
	n := 0
	for len(f.pending) > 0 {
		n += f.skipGap()
	}
	return n
}

func (f *flow) append(data []byte, at time.Time) int {
	if f.overflow {
		return 0
	}
	if room := f.limit - len(f.buf); len(data) > room {
		f.overflow = true
		if room <= 0 {
			return 0
		}
		data = data[:room]
	}
	f.buf = append(f.buf, data...)
	f.marks = append(f.marks, mark{end: f.end(), at: at})
	return len(data)
}

// touch records activity that carried no usable bytes.
func (f *flow) touch(at time.Time) {
	if at.After(f.lastTime) {
		f.lastTime = at
	}
}

// discard drops everything buffered or queued.
func (f *flow) discard() {
	f.consume(len(f.buf))
	f.pending = nil
}

func (f *flow) end() int64 {
	return f.base + int64(len(f.buf))
}

// consume drops n bytes from the front of the buffer.
func (f *flow) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(f.buf) {
		f.base += int64(len(f.buf))
		f.buf = f.buf[:0]
	} else {
		f.base += int64(n)
		f.buf = f.buf[n:]
	}
	i := sort.Search(len(f.marks), func(i int) bool { return f.marks[i].end > f.base })
	f.marks = f.marks[i:]
}

// timeAt returns the capture time of the segment carrying stream offset off.
func (f *flow) timeAt(off int64) time.Time {
	i := sort.Search(len(f.marks), func(i int) bool { return f.marks[i].end > off })
	if i < len(f.marks) {
		return f.marks[i].at
	}
	return f.lastTime
}

// Stream holds the two directions of one transport stream and the HTTP
// state built from them.
type Stream struct {
	Conn *conntrack.ConnInfo

	client flow
	server flow

	proto    string
	h1       *http1State
	h2       *http2State
	upgraded bool
	// tls is set once the stream is known to carry TLS. Only plaintext the
	// decoder recovered enters the flows from then on.
	tls bool

	// pending holds anomalies raised while no exchange was open; the next
	// exchange to open takes them.
	pending []Anomaly
	emitted int
	emit    func(*Transaction)
}

func newStream(info *conntrack.ConnInfo, cfg Config, emit func(*Transaction)) *Stream {
	return &Stream{
		Conn:   info,
		client: newFlow(cfg.MaxBufferSize, cfg.MaxPendingSegments),
		server: newFlow(cfg.MaxBufferSize, cfg.MaxPendingSegments),
		emit:   emit,
	}
}

func (s *Stream) flowFor(dir conntrack.Direction) *flow {
	if dir == conntrack.FromServer {
		return &s.server
	}
	return &s.client
}

// Protocol returns the detected application protocol, empty until known.
func (s *Stream) Protocol() string {
	return s.proto
}

// accept feeds one record into the stream.
func (s *Stream) accept(dir conntrack.Direction, rec *capture.PacketRecord) {
	f := s.flowFor(dir)
	if s.encrypted(f, rec) {
		if len(rec.Plaintext) == 0 {
			f.touch(rec.Time)
			return
		}
		// Decrypted bytes have no sequence space of their own; the decoder
		// emits them once, in stream order.
		rec = &capture.PacketRecord{Number: rec.Number, Time: rec.Time, Payload: rec.Plaintext}
	}

	gaps, wasOverflow := f.gaps, f.overflow
	n := f.accept(rec)
	s.noteFlow(dir, f, gaps, wasOverflow)
	if n > 0 {
		s.parse(false)
	}
}

// encrypted reports whether rec belongs to a TLS stream. A stream becomes
// TLS when the decoder says so or its first bytes are a TLS handshake;
// whatever ciphertext was buffered before that is dropped.
func (s *Stream) encrypted(f *flow, rec *capture.PacketRecord) bool {
	if s.tls {
		return true
	}
	if s.proto != "" {
		return false
	}
	if !rec.TLS && rec.Plaintext == nil && (f.end() > 0 || !protocol.IsTLSRecord(rec.Payload)) {
		return false
	}
	s.tls = true
	s.client.discard()
	s.server.discard()
	return true
}

// noteFlow records gaps skipped and overflow hit since the given state.
func (s *Stream) noteFlow(dir conntrack.Direction, f *flow, gaps int, wasOverflow bool) {
	if d := f.gaps - gaps; d > 0 {
		s.flowAnomaly(dir, AnomalySequenceGap, fmt.Sprintf("%d missing %s byte range(s)", d, dir))
	}
	if f.overflow && !wasOverflow {
		s.flowAnomaly(dir, AnomalyOverflow, fmt.Sprintf("%s data beyond %d bytes dropped", dir, f.limit))
	}
}

// flowAnomaly attaches a byte-level problem in one direction to the message
// it falls into: the one being read, else the next one expected.
func (s *Stream) flowAnomaly(dir conntrack.Direction, kind, detail string) {
	if s.h1 == nil {
		s.raise(kind, detail)
		return
	}
	side := &s.h1.req
	if dir == conntrack.FromServer {
		side = &s.h1.resp
	}
	switch {
	case side.ex != nil:
		side.ex.note(kind, detail)
	case dir == conntrack.FromServer && s.nextAwaitingResponse() != nil:
		s.nextAwaitingResponse().note(kind, detail)
	default:
		s.carry(kind, detail)
	}
}

// headAnomaly attaches a problem found where a message head was expected.
// A response problem belongs to the request waiting for it; a request
// problem to the next exchange.
func (s *Stream) headAnomaly(isRequest bool, kind, detail string) {
	if !isRequest {
		if ex := s.nextAwaitingResponse(); ex != nil {
			ex.note(kind, detail)
			return
		}
	}
	s.carry(kind, detail)
}

// raise attaches an anomaly to every open exchange, or carries it to the
// next one when none is open.
func (s *Stream) raise(kind, detail string) {
	open := s.openExchanges()
	if len(open) == 0 {
		s.carry(kind, detail)
		return
	}
	for _, ex := range open {
		ex.note(kind, detail)
	}
}

func (s *Stream) carry(kind, detail string) {
	s.pending = append(s.pending, Anomaly{Kind: kind, Detail: detail})
}

// adopt hands carried anomalies to a newly opened exchange.
func (s *Stream) adopt(ex *exchange) {
	ex.anomalies = append(ex.anomalies, s.pending...)
	s.pending = nil
}

func (s *Stream) openExchanges() []*exchange {
	switch {
	case s.h1 != nil:
		return s.h1.queue
	case s.h2 != nil:
		out := make([]*exchange, 0, len(s.h2.order))
		for _, id := range s.h2.order {
			out = append(out, s.h2.exchanges[id])
		}
		return out
	}
	return nil
}

// Unattached returns the anomalies no exchange followed.
func (s *Stream) Unattached() []Anomaly {
	return s.pending
}

// maxSniff bounds how much client data is buffered while looking for the
// first request of a capture that began mid-connection.
const maxSniff = 64 << 10

// detect picks the application protocol once enough bytes are buffered.
func (s *Stream) detect(final bool) {
	if s.proto != "" {
		return
	}
	c, sv := s.client.buf, s.server.buf
	switch {
	case len(c) > 0 && protocol.IsHTTP2Preface(c):
		if len(c) < len(protocol.HTTP2Preface) && !final {
			return
		}
		if len(c) >= len(protocol.HTTP2Preface) {
			s.proto = protocol.ProtoHTTP2
		} else {
			s.proto = protocol.ProtoUnknown
		}
	case len(c) > 0 && protocol.IsRequestStart(c):
		s.proto = protocol.ProtoHTTP
	case len(c) > 0 && len(c) < 4 && !final:
		return
	case len(c) > 0:
		// The capture began mid-connection: resume at the first request.
		if skip := protocol.FindRequestLine(c); skip > 0 {
			s.proto = protocol.ProtoHTTP
			s.client.consume(skip)
			s.carry(AnomalySkipped, fmt.Sprintf("%d client bytes before the first request line skipped", skip))
			break
		}
		switch {
		case protocol.IsResponseStart(sv):
			s.proto = protocol.ProtoHTTP
		case final || len(c) >= maxSniff:
			s.proto = protocol.ProtoUnknown
		default:
			return
		}
	case protocol.IsResponseStart(sv):
		s.proto = protocol.ProtoHTTP
	case !final:
		return
	case len(sv) == 0:
		return
	default:
		s.proto = protocol.ProtoUnknown
	}

	switch s.proto {
	case protocol.ProtoHTTP:
		s.h1 = &http1State{}
	case protocol.ProtoHTTP2:
		s.h2 = newHTTP2State(&s.client, &s.server)
	}
}

// parse runs the protocol state machine over whatever is buffered.
func (s *Stream) parse(final bool) {
	s.detect(final)
	switch s.proto {
	case protocol.ProtoHTTP:
		s.parseHTTP1(final)
	case protocol.ProtoHTTP2:
		s.parseHTTP2(final)
	case protocol.ProtoUnknown:
		s.client.consume(len(s.client.buf))
		s.server.consume(len(s.server.buf))
	}
}

// finalize flushes both directions and emits every pending exchange.
func (s *Stream) finalize() {
	for _, dir := range []conntrack.Direction{conntrack.FromClient, conntrack.FromServer} {
		f := s.flowFor(dir)
		gaps, wasOverflow := f.gaps, f.overflow
		f.flush()
		s.noteFlow(dir, f, gaps, wasOverflow)
	}
	s.parse(true)

	switch s.proto {
	case protocol.ProtoHTTP:
		s.finishHTTP1()
	case protocol.ProtoHTTP2:
		s.finishHTTP2()
	}
}

// finalTime is the time of the last record seen on the stream.
func (s *Stream) finalTime() time.Time {
	t := s.Conn.LastSeen
	if s.client.lastTime.After(t) {
		t = s.client.lastTime
	}
	if s.server.lastTime.After(t) {
		t = s.server.lastTime
	}
	return t
}

// deliver converts an exchange into a Transaction and hands it off.
func (s *Stream) deliver(ex *exchange, final bool) {
	tx := &Transaction{
		StreamID:    s.Conn.StreamID,
		H2StreamID:  ex.h2id,
		Ordinal:     s.emitted,
		Client:      s.Conn.Client,
		Server:      s.Conn.Server,
		CommunityID: s.Conn.CommunityID,
		TLS:         s.Conn.IsTLS || s.tls,
	}
	s.emitted++

	if ex.req == nil {
		ex.note(AnomalyNoRequest, "response without a matching request")
	}
	if ex.resp == nil {
		if !ex.reset {
			ex.note(AnomalyNoResponse, "stream ended before a response")
		}
	}

	if ex.req != nil {
		tx.Request = ex.req.msg
		tx.RequestStart = ex.req.start
		tx.RequestEnd = ex.req.end
		if tx.RequestEnd.IsZero() {
			tx.RequestEnd = tx.RequestStart
		}
		tx.Start = ex.req.start
	}
	if ex.resp != nil {
		tx.Response = ex.resp.msg
		tx.ResponseStart = ex.resp.start
		tx.ResponseEnd = ex.resp.end
		if tx.Start.IsZero() {
			tx.Start = ex.resp.start
		}
	}

	switch {
	case ex.resp != nil && ex.resp.done:
		tx.End = ex.resp.end
	case final:
		tx.End = s.finalTime()
	default:
		tx.End = s.latestTime(ex)
	}
	if tx.ResponseEnd.IsZero() && ex.resp != nil {
		tx.ResponseEnd = tx.End
	}
	if tx.End.Before(tx.Start) {
		tx.End = tx.Start
	}

	tx.Anomalies = append(tx.Anomalies, ex.anomalies...)
	tx.Incomplete = len(tx.Anomalies) > 0

	if s.emit != nil {
		s.emit(tx)
	}
}

// latestTime is used for exchanges cut short mid-stream (HTTP/2 resets).
func (s *Stream) latestTime(ex *exchange) time.Time {
	var t time.Time
	if ex.req != nil {
		t = ex.req.end
	}
	if ex.resp != nil && ex.resp.end.After(t) {
		t = ex.resp.end
	}
	if t.IsZero() {
		return s.finalTime()
	}
	return t
}
