// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbeema/pcaphar/pkg/protocol"
)

// http1Side is the framing state of one direction.
type http1Side struct {
	cur       *message
	ex        *exchange
	kind      protocol.BodyKind
	remaining int64

	// Chunked bodies are decoded as bytes arrive; wire and last track what
	// was already consumed from the flow.
	chunked *protocol.ChunkedDecoder
	wire    int
	last    time.Time
}

// http1State pairs requests and responses in FIFO order.
type http1State struct {
	req   http1Side
	resp  http1Side
	queue []*exchange
}

// parseHTTP1 extracts every complete message from both directions. With
// final set, partial messages are closed out and close-delimited bodies end.
func (s *Stream) parseHTTP1(final bool) {
	for !s.upgraded {
		progressed := s.stepHTTP1(&s.client, &s.h1.req, true, final)
		progressed = s.stepHTTP1(&s.server, &s.h1.resp, false, final) || progressed
		s.emitHTTP1()
		if !progressed {
			break
		}
	}
	if s.upgraded {
		s.client.consume(len(s.client.buf))
		s.server.consume(len(s.server.buf))
		s.emitHTTP1()
	}
}

// stepHTTP1 advances one direction by at most one message and reports
// whether any bytes were consumed.
func (s *Stream) stepHTTP1(f *flow, side *http1Side, isRequest, final bool) bool {
	if s.upgraded {
		return false
	}

	if side.cur == nil {
		if len(f.buf) == 0 {
			return false
		}
		// Tolerate blank lines between messages.
		if n := leadingCRLF(f.buf); n > 0 {
			f.consume(n)
			return true
		}
		return s.headHTTP1(f, side, isRequest, final)
	}
	if len(f.buf) == 0 && !final {
		return false
	}
	return s.bodyHTTP1(f, side, isRequest, final)
}

func (s *Stream) headHTTP1(f *flow, side *http1Side, isRequest, final bool) bool {
	end := protocol.HeaderEnd(f.buf)
	if end < 0 {
		if !final {
			return false
		}
		s.headAnomaly(isRequest, AnomalyTruncated,
			fmt.Sprintf("%d trailing %s bytes without a complete header block", len(f.buf), kindName(isRequest)))
		f.consume(len(f.buf))
		return true
	}

	start := f.timeAt(f.base)
	headEnd := f.timeAt(f.base + int64(end) - 1)

	msg, err := protocol.ParseHead(f.buf[:end], isRequest)
	if err != nil {
		skip := resync(f.buf, isRequest)
		if skip <= 0 {
			skip = end
		}
		s.headAnomaly(isRequest, AnomalyMalformed, err.Error())
		f.consume(skip)
		return true
	}
	f.consume(end)

	m := &message{msg: msg, start: start, end: headEnd}

	if isRequest {
		kind, n, ferr := protocol.RequestFraming(msg)
		ex := &exchange{req: m}
		s.adopt(ex)
		if ferr != nil {
			ex.note(AnomalyMalformed, ferr.Error())
		}
		s.h1.queue = append(s.h1.queue, ex)
		side.cur, side.ex, side.kind, side.remaining = m, ex, kind, n
	} else {
		ex := s.nextAwaitingResponse()
		method := ""
		if ex != nil && ex.req != nil {
			method = ex.req.msg.Method
		}

		// Interim responses carry no body and do not answer the request.
		if msg.StatusCode >= 100 && msg.StatusCode < 200 && msg.StatusCode != 101 {
			return true
		}

		kind, n, ferr := protocol.ResponseFraming(msg, method)
		if ex == nil {
			ex = &exchange{}
			s.adopt(ex)
			s.h1.queue = append(s.h1.queue, ex)
		}
		if ferr != nil {
			ex.note(AnomalyMalformed, ferr.Error())
		}
		ex.resp = m
		side.cur, side.ex, side.kind, side.remaining = m, ex, kind, n

		// The connection stops carrying HTTP after a protocol switch or an
		// established tunnel.
		if msg.StatusCode == 101 || (strings.EqualFold(method, "CONNECT") && msg.StatusCode/100 == 2) {
			m.done = true
			side.cur, side.ex = nil, nil
			s.upgraded = true
			return true
		}
	}

	switch side.kind {
	case protocol.BodyNone:
		m.done = true
		side.cur, side.ex = nil, nil
	case protocol.BodyChunked:
		side.chunked, side.wire, side.last = &protocol.ChunkedDecoder{}, 0, headEnd
	}
	return true
}

func (s *Stream) bodyHTTP1(f *flow, side *http1Side, isRequest, final bool) bool {
	m := side.cur
	consumed := 0

	switch side.kind {
	case protocol.BodyLength:
		if int64(len(f.buf)) < side.remaining {
			if !final {
				return false
			}
			side.ex.note(AnomalyTruncated, fmt.Sprintf("%s body has %d of %d bytes",
				kindName(isRequest), len(f.buf), side.remaining))
			consumed = len(f.buf)
		} else {
			consumed = int(side.remaining)
		}
		m.msg.Body = append([]byte(nil), f.buf[:consumed]...)

	case protocol.BodyChunked:
		dec := side.chunked
		n, done, err := dec.Feed(f.buf)
		switch {
		case err != nil:
			side.ex.note(AnomalyMalformed, err.Error())
			consumed = len(f.buf)
			m.msg.Body = append(dec.Body, f.buf[n:]...)
		case !done && !final:
			if n == 0 {
				return false
			}
			side.wire += n
			side.last = f.timeAt(f.base + int64(n) - 1)
			f.consume(n)
			return true
		case !done:
			side.ex.note(AnomalyTruncated, fmt.Sprintf("%s chunked body has no terminal chunk", kindName(isRequest)))
			consumed = len(f.buf)
			m.msg.Body = dec.Body
			if m.msg.Body == nil {
				m.msg.Body = []byte{}
			}
		default:
			consumed = n
			m.msg.Body = dec.Body
			m.msg.Trailers = dec.Trailers
		}
		side.chunked = nil

	case protocol.BodyUntilClose:
		if !final {
			return false
		}
		consumed = len(f.buf)
		m.msg.Body = append([]byte(nil), f.buf...)
	}

	switch {
	case consumed > 0:
		m.end = f.timeAt(f.base + int64(consumed) - 1)
	case side.wire > 0:
		m.end = side.last
	}
	if side.kind == protocol.BodyUntilClose {
		m.end = s.finalTime()
	}
	m.msg.WireBodySize = side.wire + consumed
	side.wire = 0
	m.done = true
	f.consume(consumed)
	side.cur, side.ex = nil, nil
	return true
}

// nextAwaitingResponse returns the oldest queued exchange without a response.
func (s *Stream) nextAwaitingResponse() *exchange {
	for _, ex := range s.h1.queue {
		if ex.resp == nil {
			return ex
		}
	}
	return nil
}

// emitHTTP1 delivers completed exchanges from the head of the queue.
func (s *Stream) emitHTTP1() {
	for len(s.h1.queue) > 0 && s.h1.queue[0].complete() {
		ex := s.h1.queue[0]
		s.h1.queue = s.h1.queue[1:]
		s.deliver(ex, false)
	}
}

// finishHTTP1 delivers whatever is left once the stream is over.
func (s *Stream) finishHTTP1() {
	s.emitHTTP1()
	for _, ex := range s.h1.queue {
		if ex.req != nil && !ex.req.done {
			ex.note(AnomalyTruncated, "request incomplete at end of stream")
		}
		if ex.resp != nil && !ex.resp.done {
			ex.note(AnomalyTruncated, "response incomplete at end of stream")
		}
		s.deliver(ex, true)
	}
	s.h1.queue = nil
}

func leadingCRLF(b []byte) int {
	n := 0
	for n < len(b) && (b[n] == '\r' || b[n] == '\n') {
		n++
	}
	return n
}

// resync finds the next message start of the expected kind after the
// current position.
func resync(buf []byte, isRequest bool) int {
	if len(buf) < 2 {
		return -1
	}
	find := protocol.FindStatusLine
	if isRequest {
		find = protocol.FindRequestLine
	}
	if i := find(buf[1:]); i >= 0 {
		return i + 1
	}
	return -1
}

func kindName(isRequest bool) string {
	if isRequest {
		return "request"
	}
	return "response"
}
