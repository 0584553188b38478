// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/protocol"
)

var (
	clientEP = capture.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 51000}
	serverEP = capture.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80}
	t0       = time.Unix(1700000000, 0).UTC()
)

// conv builds the records of one TCP conversation with consistent sequence
// numbers, one millisecond apart.
type conv struct {
	stream  int64
	number  int64
	tick    int
	cseq    uint32
	sseq    uint32
	records []*capture.PacketRecord
}

func newConv(stream int64) *conv {
	return &conv{stream: stream, cseq: 1000, sseq: 5000}
}

func (c *conv) at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func (c *conv) next() *capture.PacketRecord {
	c.number++
	c.tick++
	r := &capture.PacketRecord{
		Number:   c.number,
		Time:     c.at(c.tick),
		StreamID: c.stream,
		HasSeq:   true,
		Flags:    capture.FlagACK,
	}
	c.records = append(c.records, r)
	return r
}

func (c *conv) client(payload string) *capture.PacketRecord {
	r := c.next()
	r.Src, r.Dst = clientEP, serverEP
	r.Seq = c.cseq
	r.Payload = []byte(payload)
	c.cseq += uint32(len(payload))
	return r
}

func (c *conv) server(payload string) *capture.PacketRecord {
	r := c.next()
	r.Src, r.Dst = serverEP, clientEP
	r.Seq = c.sseq
	r.Payload = []byte(payload)
	c.sseq += uint32(len(payload))
	return r
}

func (c *conv) clientFIN() *capture.PacketRecord {
	r := c.client("")
	r.Flags |= capture.FlagFIN
	return r
}

func (c *conv) serverFIN() *capture.PacketRecord {
	r := c.server("")
	r.Flags |= capture.FlagFIN
	return r
}

func run(t *testing.T, cfg Config, records []*capture.PacketRecord) ([]*Transaction, *Reassembler) {
	t.Helper()
	r := NewReassembler(cfg, zap.NewNop())
	var txs []*Transaction
	r.OnTransaction(func(tx *Transaction) {
		txs = append(txs, tx)
	})
	for _, rec := range records {
		r.Feed(rec)
	}
	r.Flush()
	return txs, r
}

func hasAnomaly(tx *Transaction, kind string) bool {
	for _, a := range tx.Anomalies {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestContentLengthExchange(t *testing.T) {
	c := newConv(0)
	req := c.client("POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 11\r\n\r\nhello world")
	c.server("HTTP/1.1 201 Created\r\nContent-Length: 5\r\n\r\n")
	resp := c.server("abcde")
	c.clientFIN()
	c.serverFIN()

	txs, r := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Incomplete {
		t.Errorf("unexpected anomalies: %v", tx.Anomalies)
	}
	if got := string(tx.Request.Body); got != "hello world" {
		t.Errorf("request body = %q", got)
	}
	if got := string(tx.Response.Body); got != "abcde" {
		t.Errorf("response body = %q", got)
	}
	if tx.Response.StatusCode != 201 {
		t.Errorf("status = %d", tx.Response.StatusCode)
	}
	if !tx.Start.Equal(req.Time) {
		t.Errorf("start = %v, want %v", tx.Start, req.Time)
	}
	if !tx.End.Equal(resp.Time) {
		t.Errorf("end = %v, want %v", tx.End, resp.Time)
	}
	if tx.Client != clientEP || tx.Server != serverEP {
		t.Errorf("endpoints = %s -> %s", tx.Client, tx.Server)
	}
	if tx.CommunityID == "" || !strings.HasPrefix(tx.CommunityID, "1:") {
		t.Errorf("community id = %q", tx.CommunityID)
	}
	if r.StreamCount() != 0 {
		t.Errorf("open streams = %d after close", r.StreamCount())
	}
}

func TestChunkedResponse(t *testing.T) {
	c := newConv(0)
	c.client("GET /stream HTTP/1.1\r\nHost: example.com\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n")
	c.server("6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Incomplete {
		t.Errorf("unexpected anomalies: %v", tx.Anomalies)
	}
	if got := string(tx.Response.Body); got != "hello world" {
		t.Errorf("body = %q, want %q", got, "hello world")
	}
	if got := tx.Response.Trailers.Get("x-checksum"); got != "abc" {
		t.Errorf("trailer = %q", got)
	}
}

func TestPipelinedRequestsPairInOrder(t *testing.T) {
	c := newConv(0)
	c.client("GET /a HTTP/1.1\r\nHost: h\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	c.client("GET /c HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\naHTTP/1.1 404 Not Found\r\nContent-Length: 1\r\n\r\nb")
	c.server("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 1\r\n\r\nc")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 3 {
		t.Fatalf("transactions = %d, want 3", len(txs))
	}
	want := []struct {
		target string
		status int
		body   string
	}{
		{"/a", 200, "a"},
		{"/b", 404, "b"},
		{"/c", 500, "c"},
	}
	for i, w := range want {
		tx := txs[i]
		if tx.Request.Target != w.target || tx.Response.StatusCode != w.status || string(tx.Response.Body) != w.body {
			t.Errorf("tx %d = %s %d %q, want %s %d %q", i,
				tx.Request.Target, tx.Response.StatusCode, tx.Response.Body, w.target, w.status, w.body)
		}
		if tx.Ordinal != i {
			t.Errorf("tx %d ordinal = %d", i, tx.Ordinal)
		}
	}
}

func TestRequestWithoutResponse(t *testing.T) {
	c := newConv(0)
	req := c.client("GET /slow HTTP/1.1\r\nHost: h\r\n\r\n")
	c.clientFIN()
	fin := c.serverFIN()

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Response != nil {
		t.Error("expected no response")
	}
	if !tx.Incomplete || !hasAnomaly(tx, AnomalyNoResponse) {
		t.Errorf("anomalies = %v, want %s", tx.Anomalies, AnomalyNoResponse)
	}
	if got, want := tx.Duration(), fin.Time.Sub(req.Time); got != want {
		t.Errorf("duration = %v, want %v", got, want)
	}
}

func TestResponseWithoutRequest(t *testing.T) {
	c := newConv(0)
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].Request != nil || !hasAnomaly(txs[0], AnomalyNoRequest) {
		t.Errorf("tx = %+v", txs[0])
	}
	// The response sender is the server even though it spoke first.
	if txs[0].Server != serverEP {
		t.Errorf("server = %s", txs[0].Server)
	}
}

func TestRetransmitsAndReordering(t *testing.T) {
	c := newConv(0)
	head := "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n"
	first := c.client(head + "01234")
	second := c.client("56789")

	// Replay: the second segment first, then a full retransmit of the first,
	// then an overlapping resend.
	dup := *first
	dup.Number = 10
	overlap := *second
	overlap.Number = 11
	overlap.Seq = second.Seq - 2
	overlap.Payload = []byte("3456789")
	syn := &capture.PacketRecord{
		Number: 100, Time: t0, StreamID: 0, Src: clientEP, Dst: serverEP,
		HasSeq: true, Seq: 999, Flags: capture.FlagSYN,
	}
	synAck := &capture.PacketRecord{
		Number: 101, Time: t0, StreamID: 0, Src: serverEP, Dst: clientEP,
		HasSeq: true, Seq: 4999, Flags: capture.FlagSYN | capture.FlagACK,
	}
	records := []*capture.PacketRecord{syn, synAck, second, first, &dup, &overlap}

	c2 := &conv{stream: 0, number: 20, tick: 20, cseq: c.cseq, sseq: c.sseq}
	c2.server("HTTP/1.1 204 No Content\r\n\r\n")
	records = append(records, c2.records...)

	txs, r := run(t, Config{}, records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if got := string(txs[0].Request.Body); got != "0123456789" {
		t.Errorf("body = %q", got)
	}
	if txs[0].Incomplete {
		t.Errorf("unexpected anomalies: %v", txs[0].Anomalies)
	}
	if r.Stats().Retransmits < 2 {
		t.Errorf("retransmits = %d, want >= 2", r.Stats().Retransmits)
	}
}

func TestSequenceGapFlagged(t *testing.T) {
	c := newConv(0)
	c.client("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\n")
	lost := c.server("ab")
	c.server("cd")
	records := make([]*capture.PacketRecord, 0, len(c.records))
	for _, rec := range c.records {
		if rec != lost {
			records = append(records, rec)
		}
	}

	txs, r := run(t, Config{}, records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if !hasAnomaly(txs[0], AnomalySequenceGap) {
		t.Errorf("anomalies = %v, want %s", txs[0].Anomalies, AnomalySequenceGap)
	}
	if r.Stats().Gaps != 1 {
		t.Errorf("gaps = %d", r.Stats().Gaps)
	}
}

func TestInterimResponseSkipped(t *testing.T) {
	c := newConv(0)
	c.client("POST /x HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 2\r\n\r\n")
	c.server("HTTP/1.1 100 Continue\r\n\r\n")
	c.client("hi")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].Response.StatusCode != 200 {
		t.Errorf("status = %d, want 200", txs[0].Response.StatusCode)
	}
	if string(txs[0].Request.Body) != "hi" {
		t.Errorf("request body = %q", txs[0].Request.Body)
	}
}

func TestHeadResponseHasNoBody(t *testing.T) {
	c := newConv(0)
	c.client("HEAD /file HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 1234\r\n\r\n")
	c.client("GET /next HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if len(txs[0].Response.Body) != 0 {
		t.Errorf("HEAD body = %q", txs[0].Response.Body)
	}
	if string(txs[1].Response.Body) != "abc" {
		t.Errorf("GET body = %q", txs[1].Response.Body)
	}
}

func TestCloseDelimitedResponse(t *testing.T) {
	c := newConv(0)
	c.client("GET / HTTP/1.0\r\n\r\n")
	c.server("HTTP/1.0 200 OK\r\n\r\npart one, ")
	c.server("part two")
	fin := c.serverFIN()
	c.clientFIN()

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if got := string(tx.Response.Body); got != "part one, part two" {
		t.Errorf("body = %q", got)
	}
	if tx.Incomplete {
		t.Errorf("unexpected anomalies: %v", tx.Anomalies)
	}
	if tx.End.Before(fin.Time) {
		t.Errorf("end = %v, want >= %v", tx.End, fin.Time)
	}
}

func TestTruncatedBodyAtEnd(t *testing.T) {
	c := newConv(0)
	c.client("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if !hasAnomaly(txs[0], AnomalyTruncated) {
		t.Errorf("anomalies = %v", txs[0].Anomalies)
	}
	if string(txs[0].Response.Body) != "short" {
		t.Errorf("body = %q", txs[0].Response.Body)
	}
}

func TestMalformedHeadResyncs(t *testing.T) {
	c := newConv(0)
	c.client("GET /ok HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 abc\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].Response == nil || txs[0].Response.StatusCode != 200 {
		t.Fatalf("response = %+v", txs[0].Response)
	}
	if !hasAnomaly(txs[0], AnomalyMalformed) {
		t.Errorf("anomalies = %v", txs[0].Anomalies)
	}
}

func TestUpgradeStopsParsing(t *testing.T) {
	c := newConv(0)
	c.client("GET /ws HTTP/1.1\r\nHost: h\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	c.server("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n")
	c.client("\x81\x05hello")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].Response.StatusCode != 101 || txs[0].Incomplete {
		t.Errorf("tx = %d anomalies %v", txs[0].Response.StatusCode, txs[0].Anomalies)
	}
}

func TestLateRecordCounted(t *testing.T) {
	c := newConv(0)
	c.client("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 204 No Content\r\n\r\n")
	c.clientFIN()
	c.serverFIN()
	c.server("HTTP/1.1 200 OK\r\n\r\n")

	txs, r := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if r.Stats().LateRecords != 1 {
		t.Errorf("late records = %d, want 1", r.Stats().LateRecords)
	}
}

func TestUnknownProtocolDiscarded(t *testing.T) {
	c := newConv(0)
	c.client("\x16\x03\x01\x00\x05hello")
	c.server("\x16\x03\x03\x00\x02ok")

	txs, r := run(t, Config{}, c.records)
	if len(txs) != 0 {
		t.Fatalf("transactions = %d, want 0", len(txs))
	}
	if r.Stats().Unparsed != 1 {
		t.Errorf("unparsed = %d, want 1", r.Stats().Unparsed)
	}
}

func TestBufferOverflow(t *testing.T) {
	c := newConv(0)
	c.client("POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 100\r\n\r\n")
	c.client(strings.Repeat("x", 100))

	txs, _ := run(t, Config{MaxBufferSize: 64}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if !hasAnomaly(txs[0], AnomalyOverflow) {
		t.Errorf("anomalies = %v", txs[0].Anomalies)
	}
}

func TestStreamsEmittedSeparately(t *testing.T) {
	a := newConv(0)
	a.client("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	b := &conv{stream: 1, number: 100, tick: 100, cseq: 1000, sseq: 5000}
	b.client("GET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	b.server("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	records := append(append([]*capture.PacketRecord{}, a.records...), b.records...)
	txs, r := run(t, Config{}, records)
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	// Stream 1 completes first; stream 0 is only emitted at flush.
	if txs[0].StreamID != 1 || txs[1].StreamID != 0 {
		t.Errorf("emission order = %d, %d", txs[0].StreamID, txs[1].StreamID)
	}
	if s := r.Stats(); s.Streams != 2 || s.Transactions != 2 || s.Incomplete != 1 {
		t.Errorf("stats = %+v", s)
	}
}

// h2Peer writes frames for one side of an HTTP/2 connection.
type h2Peer struct {
	buf bytes.Buffer
	fr  *http2.Framer
	enc *hpack.Encoder
	hb  bytes.Buffer
}

func newH2Peer() *h2Peer {
	p := &h2Peer{}
	p.fr = http2.NewFramer(&p.buf, nil)
	p.enc = hpack.NewEncoder(&p.hb)
	return p
}

func (p *h2Peer) headers(t *testing.T, id uint32, end bool, fields ...string) {
	t.Helper()
	p.hb.Reset()
	for i := 0; i+1 < len(fields); i += 2 {
		if err := p.enc.WriteField(hpack.HeaderField{Name: fields[i], Value: fields[i+1]}); err != nil {
			t.Fatal(err)
		}
	}
	err := p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: p.hb.Bytes(),
		EndStream:     end,
		EndHeaders:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (p *h2Peer) data(t *testing.T, id uint32, end bool, body string) {
	t.Helper()
	if err := p.fr.WriteData(id, end, []byte(body)); err != nil {
		t.Fatal(err)
	}
}

func (p *h2Peer) take() string {
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func TestHTTP2PairsByStreamID(t *testing.T) {
	cl, sv := newH2Peer(), newH2Peer()

	if err := cl.fr.WriteSettings(); err != nil {
		t.Fatal(err)
	}
	cl.headers(t, 1, true, ":method", "GET", ":scheme", "https", ":path", "/one", ":authority", "example.com")
	cl.headers(t, 3, false, ":method", "POST", ":scheme", "https", ":path", "/three", ":authority", "example.com")
	cl.data(t, 3, true, "payload")

	c := newConv(0)
	c.client(string(protocol.HTTP2Preface) + cl.take())

	if err := sv.fr.WriteSettings(); err != nil {
		t.Fatal(err)
	}
	sv.headers(t, 3, false, ":status", "201")
	sv.data(t, 3, true, "created")
	c.server(sv.take())

	sv.headers(t, 1, false, ":status", "200", "content-type", "text/plain")
	sv.data(t, 1, false, "hel")
	c.server(sv.take())
	sv.data(t, 1, true, "lo")
	c.server(sv.take())

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}

	// Completion order: stream 3 finished first.
	if txs[0].H2StreamID != 3 || txs[1].H2StreamID != 1 {
		t.Fatalf("h2 streams = %d, %d", txs[0].H2StreamID, txs[1].H2StreamID)
	}
	three, one := txs[0], txs[1]
	if three.Request.Target != "/three" || string(three.Request.Body) != "payload" || three.Response.StatusCode != 201 {
		t.Errorf("stream 3 = %s %q %d", three.Request.Target, three.Request.Body, three.Response.StatusCode)
	}
	if one.Request.Target != "/one" || one.Response.StatusCode != 200 || string(one.Response.Body) != "hello" {
		t.Errorf("stream 1 = %s %d %q", one.Request.Target, one.Response.StatusCode, one.Response.Body)
	}
	if one.Request.Proto != protocol.ProtoHTTP2Version {
		t.Errorf("proto = %q", one.Request.Proto)
	}
	if one.Response.Headers.Get("content-type") != "text/plain" {
		t.Errorf("headers = %v", one.Response.Headers)
	}
	for _, tx := range txs {
		if tx.Incomplete {
			t.Errorf("stream %d anomalies: %v", tx.H2StreamID, tx.Anomalies)
		}
	}
}

func TestHTTP2ResetStream(t *testing.T) {
	cl, sv := newH2Peer(), newH2Peer()
	cl.headers(t, 1, true, ":method", "GET", ":scheme", "http", ":path", "/cancel", ":authority", "h")
	if err := cl.fr.WriteRSTStream(1, http2.ErrCodeCancel); err != nil {
		t.Fatal(err)
	}

	c := newConv(0)
	c.client(string(protocol.HTTP2Preface) + cl.take())
	if err := sv.fr.WriteSettings(); err != nil {
		t.Fatal(err)
	}
	c.server(sv.take())

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if !hasAnomaly(txs[0], AnomalyStreamReset) || txs[0].Response != nil {
		t.Errorf("tx = %+v", txs[0])
	}
	if hasAnomaly(txs[0], AnomalyNoResponse) {
		t.Error("reset stream should not also report no-response")
	}
}

func TestHTTP2FrameSplitAcrossSegments(t *testing.T) {
	cl, sv := newH2Peer(), newH2Peer()
	cl.headers(t, 1, true, ":method", "GET", ":scheme", "http", ":path", "/split", ":authority", "h")
	sv.headers(t, 1, false, ":status", "200")
	sv.data(t, 1, true, strings.Repeat("z", 50))

	c := newConv(0)
	c.client(string(protocol.HTTP2Preface) + cl.take())
	wire := sv.take()
	c.server(wire[:7])
	c.server(wire[7:30])
	c.server(wire[30:])

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if len(txs[0].Response.Body) != 50 || txs[0].Incomplete {
		t.Errorf("body len = %d anomalies %v", len(txs[0].Response.Body), txs[0].Anomalies)
	}
}

func TestCleanExchangeAfterMalformedResponse(t *testing.T) {
	c := newConv(0)
	c.client("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 abc\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	c.client("GET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	c.clientFIN()
	c.serverFIN()

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if txs[0].Request.Target != "/a" || !hasAnomaly(txs[0], AnomalyMalformed) {
		t.Errorf("tx 0 = %s anomalies %v", txs[0].Request.Target, txs[0].Anomalies)
	}
	if txs[1].Request.Target != "/b" || txs[1].Incomplete || len(txs[1].Anomalies) != 0 {
		t.Errorf("tx 1 = %s incomplete=%v anomalies %v", txs[1].Request.Target, txs[1].Incomplete, txs[1].Anomalies)
	}
}

func TestMalformedRequestFlagsNextExchangeOnly(t *testing.T) {
	c := newConv(0)
	c.client("GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 204 No Content\r\n\r\n")
	c.client("BOGUS\r\n\r\n")
	c.client("GET /c HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 204 No Content\r\n\r\n")
	c.client("GET /d HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 204 No Content\r\n\r\n")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 3 {
		t.Fatalf("transactions = %d, want 3", len(txs))
	}
	for i, want := range []bool{false, true, false} {
		if got := hasAnomaly(txs[i], AnomalyMalformed); got != want {
			t.Errorf("tx %d (%s) malformed = %v, want %v: %v", i, txs[i].Request.Target, got, want, txs[i].Anomalies)
		}
	}
}

func TestMidStreamCaptureResyncs(t *testing.T) {
	c := newConv(0)
	c.client("tail-of-previous-body")
	c.client("GET /later HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	txs, r := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1 (stats %+v)", len(txs), r.Stats())
	}
	tx := txs[0]
	if tx.Request.Target != "/later" || tx.Response == nil || string(tx.Response.Body) != "ok" {
		t.Fatalf("tx = %+v", tx)
	}
	if !hasAnomaly(tx, AnomalySkipped) {
		t.Errorf("anomalies = %v, want %s", tx.Anomalies, AnomalySkipped)
	}
	if r.Stats().Unparsed != 0 {
		t.Errorf("unparsed = %d, want 0", r.Stats().Unparsed)
	}
}

func TestNonHTTPStreamStillDiscarded(t *testing.T) {
	c := newConv(0)
	c.client("SSH-2.0-OpenSSH_9.6\r\n")
	c.server("SSH-2.0-OpenSSH_9.3\r\n")
	c.clientFIN()
	c.serverFIN()

	txs, r := run(t, Config{}, c.records)
	if len(txs) != 0 {
		t.Fatalf("transactions = %d, want 0", len(txs))
	}
	if r.Stats().Unparsed != 1 {
		t.Errorf("unparsed = %d, want 1", r.Stats().Unparsed)
	}
}

func TestDecryptedTLSStream(t *testing.T) {
	c := newConv(0)
	c.client("\x16\x03\x01\x00\x05hello").TLS = true
	c.server("\x16\x03\x03\x00\x02ok").TLS = true

	req := c.client("\x17\x03\x03\x00\x10ciphertext-req..")
	req.TLS = true
	req.Plaintext = []byte("GET /secure HTTP/1.1\r\nHost: shop.local\r\n\r\n")

	// A segment the decoder did not tag carries only part of a record.
	c.server("\x17\x03\x03\x00\x40partial")
	resp := c.server("more-ciphertext")
	resp.TLS = true
	resp.Plaintext = []byte("HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nsecret")
	c.clientFIN()
	c.serverFIN()

	txs, r := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1 (stats %+v)", len(txs), r.Stats())
	}
	tx := txs[0]
	if !tx.TLS || tx.Request.Target != "/secure" || string(tx.Response.Body) != "secret" {
		t.Errorf("tx = tls %v %s %q", tx.TLS, tx.Request.Target, tx.Response.Body)
	}
	if tx.Incomplete {
		t.Errorf("unexpected anomalies: %v", tx.Anomalies)
	}
	if !tx.End.Equal(resp.Time) {
		t.Errorf("end = %v, want %v", tx.End, resp.Time)
	}
}

func TestChunkedBodyAcrossManySegments(t *testing.T) {
	body := strings.Repeat("0123456789", 20000)
	wire := protocol.EncodeChunked([]byte(body), 4096)

	c := newConv(0)
	c.client("GET /big HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
	var last *capture.PacketRecord
	for off := 0; off < len(wire); off += 1460 {
		last = c.server(string(wire[off:min(off+1460, len(wire))]))
	}

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Incomplete {
		t.Errorf("unexpected anomalies: %v", tx.Anomalies)
	}
	if string(tx.Response.Body) != body {
		t.Errorf("body has %d bytes, want %d", len(tx.Response.Body), len(body))
	}
	if tx.Response.WireBodySize != len(wire) {
		t.Errorf("wire size = %d, want %d", tx.Response.WireBodySize, len(wire))
	}
	if !tx.End.Equal(last.Time) {
		t.Errorf("end = %v, want %v", tx.End, last.Time)
	}
}

func TestChunkedBodyWithoutTerminalChunk(t *testing.T) {
	c := newConv(0)
	c.client("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	c.server("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n")
	c.server("4\r\nab")

	txs, _ := run(t, Config{}, c.records)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if got := string(txs[0].Response.Body); got != "helloab" {
		t.Errorf("body = %q, want %q", got, "helloab")
	}
	if !hasAnomaly(txs[0], AnomalyTruncated) {
		t.Errorf("anomalies = %v", txs[0].Anomalies)
	}
}
