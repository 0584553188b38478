// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/mbeema/pcaphar/pkg/protocol"
)

const (
	frameHeaderLen   = 9
	maxFrameSize     = 1<<24 - 1
	initialTableSize = 4096
)

// flowReader lets the framer read from, and consume, a flow's buffer.
type flowReader struct {
	f *flow
}

func (r *flowReader) Read(p []byte) (int, error) {
	if len(r.f.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.f.buf)
	r.f.consume(n)
	return n, nil
}

// http2Side decodes frames for one direction. Header block fragments are
// collected until END_HEADERS and decoded with that direction's HPACK table.
type http2Side struct {
	flow    *flow
	framer  *http2.Framer
	decoder *hpack.Decoder
	client  bool
	preface bool

	block       []byte
	blockStream uint32
	blockPush   uint32
	blockEnd    bool
	blockStart  time.Time
	inBlock     bool
}

// http2State pairs messages by HTTP/2 stream identifier.
type http2State struct {
	client    *http2Side
	server    *http2Side
	exchanges map[uint32]*exchange
	order     []uint32
}

func newHTTP2State(client, server *flow) *http2State {
	return &http2State{
		client:    newHTTP2Side(client, true),
		server:    newHTTP2Side(server, false),
		exchanges: make(map[uint32]*exchange),
	}
}

func newHTTP2Side(f *flow, client bool) *http2Side {
	fr := http2.NewFramer(io.Discard, &flowReader{f: f})
	fr.SetMaxReadFrameSize(maxFrameSize)
	// Captures may begin mid-connection; frame order is not enforced.
	fr.AllowIllegalReads = true
	return &http2Side{
		flow:    f,
		framer:  fr,
		decoder: hpack.NewDecoder(initialTableSize, nil),
		client:  client,
		preface: !client,
	}
}

// parseHTTP2 reads every complete frame in both directions.
func (s *Stream) parseHTTP2(final bool) {
	for {
		progressed := s.stepHTTP2(s.h2.client)
		progressed = s.stepHTTP2(s.h2.server) || progressed
		if !progressed {
			return
		}
	}
}

// stepHTTP2 handles at most one frame and reports whether it did.
func (s *Stream) stepHTTP2(side *http2Side) bool {
	f := side.flow
	if !side.preface {
		if len(f.buf) < len(protocol.HTTP2Preface) {
			return false
		}
		if !bytes.HasPrefix(f.buf, protocol.HTTP2Preface) {
			s.carry(AnomalyMalformed, "missing HTTP/2 client preface")
		} else {
			f.consume(len(protocol.HTTP2Preface))
		}
		side.preface = true
		return true
	}

	if len(f.buf) < frameHeaderLen {
		return false
	}
	length := int(f.buf[0])<<16 | int(f.buf[1])<<8 | int(f.buf[2])
	total := frameHeaderLen + length
	if len(f.buf) < total {
		return false
	}

	start := f.timeAt(f.base)
	end := f.timeAt(f.base + int64(total) - 1)

	frame, err := side.framer.ReadFrame()
	if err != nil {
		// The whole frame was consumed; the next one starts cleanly.
		s.raise(AnomalyMalformed, "http2 frame: "+err.Error())
		return true
	}
	s.handleFrame(side, frame, start, end)
	return true
}

func (s *Stream) handleFrame(side *http2Side, frame http2.Frame, start, end time.Time) {
	switch fr := frame.(type) {
	case *http2.HeadersFrame:
		side.beginBlock(fr.StreamID, 0, fr.StreamEnded(), start, fr.HeaderBlockFragment())
		if fr.HeadersEnded() {
			s.finishBlock(side, end)
		}

	case *http2.PushPromiseFrame:
		side.beginBlock(fr.StreamID, fr.PromiseID, false, start, fr.HeaderBlockFragment())
		if fr.HeadersEnded() {
			s.finishBlock(side, end)
		}

	case *http2.ContinuationFrame:
		if !side.inBlock || fr.StreamID != side.blockStream {
			s.h2Anomaly(fr.StreamID, AnomalyMalformed, "unexpected CONTINUATION frame")
			return
		}
		side.block = append(side.block, fr.HeaderBlockFragment()...)
		if fr.HeadersEnded() {
			s.finishBlock(side, end)
		}

	case *http2.DataFrame:
		ex := s.h2.exchanges[fr.StreamID]
		if ex == nil {
			return
		}
		m := ex.resp
		if side.client {
			m = ex.req
		}
		if m == nil || m.done {
			return
		}
		m.msg.Body = append(m.msg.Body, fr.Data()...)
		m.msg.WireBodySize += int(fr.Length)
		m.end = end
		if fr.StreamEnded() {
			m.done = true
			s.emitHTTP2(fr.StreamID)
		}

	case *http2.RSTStreamFrame:
		ex := s.h2.exchanges[fr.StreamID]
		if ex == nil {
			return
		}
		ex.reset = true
		ex.note(AnomalyStreamReset, fmt.Sprintf("RST_STREAM %s from %s", fr.ErrCode, sideName(side)))
		s.emitHTTP2(fr.StreamID)

	case *http2.SettingsFrame:
		if fr.IsAck() {
			return
		}
		// A peer's table size setting bounds what the other side may encode.
		if v, ok := fr.Value(http2.SettingHeaderTableSize); ok {
			s.otherSide(side).decoder.SetAllowedMaxDynamicTableSize(v)
		}
	}
}

func (side *http2Side) beginBlock(streamID, promised uint32, endStream bool, start time.Time, frag []byte) {
	side.inBlock = true
	side.blockStream = streamID
	side.blockPush = promised
	side.blockEnd = endStream
	side.blockStart = start
	side.block = append(side.block[:0], frag...)
}

// finishBlock decodes a complete header block and files the message under
// its stream identifier.
func (s *Stream) finishBlock(side *http2Side, end time.Time) {
	side.inBlock = false
	fields, err := side.decoder.DecodeFull(side.block)
	if err != nil {
		s.h2Anomaly(side.blockStream, AnomalyMalformed, "hpack: "+err.Error())
		return
	}

	id := side.blockStream
	if side.blockPush != 0 {
		req, err := protocol.MessageFromFields(fields)
		if err != nil {
			s.h2Anomaly(side.blockStream, AnomalyMalformed, err.Error())
			return
		}
		ex := s.h2Exchange(side.blockPush)
		ex.req = &message{msg: req, start: side.blockStart, end: end, done: true}
		return
	}

	ex := s.h2Exchange(id)
	current := &ex.resp
	if side.client {
		current = &ex.req
	}

	if *current != nil {
		// A second header block on the same side carries trailers.
		m := *current
		m.msg.Trailers = append(m.msg.Trailers, protocol.TrailersFromFields(fields)...)
		m.end = end
		if side.blockEnd {
			m.done = true
		}
	} else {
		msg, err := protocol.MessageFromFields(fields)
		if err != nil {
			ex.note(AnomalyMalformed, err.Error())
			return
		}
		if !side.client && msg.StatusCode >= 100 && msg.StatusCode < 200 {
			return
		}
		*current = &message{msg: msg, start: side.blockStart, end: end, done: side.blockEnd}
	}

	if side.blockEnd {
		s.emitHTTP2(id)
	}
}

func (s *Stream) h2Exchange(id uint32) *exchange {
	ex := s.h2.exchanges[id]
	if ex == nil {
		ex = &exchange{h2id: id}
		s.adopt(ex)
		s.h2.exchanges[id] = ex
		s.h2.order = append(s.h2.order, id)
	}
	return ex
}

// h2Anomaly notes a problem on the exchange of stream id, or carries it to
// the next exchange when that stream is unknown.
func (s *Stream) h2Anomaly(id uint32, kind, detail string) {
	if ex := s.h2.exchanges[id]; ex != nil {
		ex.note(kind, detail)
		return
	}
	s.carry(kind, detail)
}

func (s *Stream) otherSide(side *http2Side) *http2Side {
	if side.client {
		return s.h2.server
	}
	return s.h2.client
}

// emitHTTP2 delivers the exchange on stream id once both sides are done.
func (s *Stream) emitHTTP2(id uint32) {
	ex := s.h2.exchanges[id]
	if ex == nil || !ex.complete() {
		return
	}
	s.dropHTTP2(id)
	s.deliver(ex, false)
}

func (s *Stream) dropHTTP2(id uint32) {
	delete(s.h2.exchanges, id)
	for i, v := range s.h2.order {
		if v == id {
			s.h2.order = append(s.h2.order[:i], s.h2.order[i+1:]...)
			break
		}
	}
}

// finishHTTP2 delivers open exchanges in the order their streams appeared.
func (s *Stream) finishHTTP2() {
	order := append([]uint32(nil), s.h2.order...)
	for _, id := range order {
		ex := s.h2.exchanges[id]
		if ex == nil {
			continue
		}
		if ex.req != nil && !ex.req.done {
			ex.note(AnomalyTruncated, "request incomplete at end of stream")
		}
		if ex.resp != nil && !ex.resp.done {
			ex.note(AnomalyTruncated, "response incomplete at end of stream")
		}
		s.dropHTTP2(id)
		s.deliver(ex, true)
	}
}

func sideName(side *http2Side) string {
	if side.client {
		return "client"
	}
	return "server"
}
