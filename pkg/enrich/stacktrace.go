// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package enrich

import (
	"math"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/pcaphar/pkg/correlation"
	"github.com/mbeema/pcaphar/pkg/har"
)

var (
	writeEvents = map[string]bool{"write": true, "send": true, "sendto": true, "sendmsg": true}
	readEvents  = map[string]bool{"read": true, "recv": true, "recvfrom": true, "recvmsg": true}
)

// Target is the HAR message a socket operation is matched against.
type Target struct {
	Side        Side
	Remote      correlation.Key
	CommunityID string
	Time        time.Time
	Window      time.Duration
}

// MatchSocket decides whether op can explain target and returns the time
// distance between them. A request is explained by the closest write that
// precedes it; a response by the closest read that follows it.
func MatchSocket(op *SocketOperation, target Target) (time.Duration, bool) {
	if op.Remote != target.Remote {
		return 0, false
	}
	if op.HasLocal && target.CommunityID != "" && op.CommunityID != target.CommunityID {
		return 0, false
	}

	var delta time.Duration
	switch target.Side {
	case SideRequest:
		if !writeEvents[op.EventType] {
			return 0, false
		}
		delta = target.Time.Sub(op.Time)
	case SideResponse:
		if !readEvents[op.EventType] {
			return 0, false
		}
		delta = op.Time.Sub(target.Time)
	}
	if delta < 0 || delta > target.Window {
		return 0, false
	}
	return delta, true
}

// better reports whether a should be preferred over b at equal eligibility.
func better(a *SocketOperation, da time.Duration, b *SocketOperation, db time.Duration) bool {
	switch {
	case da != db:
		return da < db
	case a.PID != b.PID:
		return a.PID < b.PID
	case a.TID != b.TID:
		return a.TID < b.TID
	case a.FD != b.FD:
		return a.FD < b.FD
	}
	return a.Index < b.Index
}

// Stacktrace attaches the call stack of the socket operation responsible for
// each request and response.
type Stacktrace struct {
	logger *zap.Logger
	engine *correlation.Engine
}

// NewStacktrace indexes ops by remote endpoint.
func NewStacktrace(ops []*SocketOperation, window time.Duration, logger *zap.Logger) *Stacktrace {
	engine := correlation.NewEngine(window, logger)
	for _, op := range ops {
		engine.Register(op.Remote, op)
	}
	engine.Seal()
	return &Stacktrace{logger: logger, engine: engine}
}

// Name implements Enricher.
func (s *Stacktrace) Name() string {
	return "stacktrace"
}

// Enrich implements Enricher. Sides that already carry a stack are left
// alone.
func (s *Stacktrace) Enrich(doc *har.Document) int {
	changed, missed := 0, 0
	for _, e := range doc.Entries() {
		remote, ok := entryRemote(e)
		if !ok {
			continue
		}
		if e.Request != nil && e.Request.Stacktrace == nil {
			if st := s.find(e, remote, SideRequest, e.Request.Timestamp); st != nil {
				e.Request.Stacktrace = st
				changed++
			} else {
				missed++
			}
		}
		if e.Response != nil && e.Response.Stacktrace == nil {
			if st := s.find(e, remote, SideResponse, e.Response.Timestamp); st != nil {
				e.Response.Stacktrace = st
				changed++
			} else {
				missed++
			}
		}
	}

	s.logger.Info("stacktrace enrichment done",
		zap.Int("attached", changed),
		zap.Int("unmatched", missed),
		zap.Int("records", s.engine.RecordCount()),
	)
	return changed
}

func (s *Stacktrace) find(e *har.Entry, remote correlation.Key, side Side, ts float64) *har.Stacktrace {
	if ts <= 0 {
		return nil
	}
	target := Target{
		Side:        side,
		Remote:      remote,
		CommunityID: e.CommunityID,
		Time:        fromSeconds(ts),
		Window:      s.engine.Window(),
	}

	var best *SocketOperation
	var bestDelta time.Duration
	for _, c := range s.engine.Candidates(remote, target.Time) {
		op := c.Record.(*SocketOperation)
		delta, ok := MatchSocket(op, target)
		if !ok {
			continue
		}
		if best == nil || better(op, delta, best, bestDelta) {
			best, bestDelta = op, delta
		}
	}
	if best == nil {
		return nil
	}

	s.logger.Debug("stacktrace matched",
		zap.String("remote", remote.String()),
		zap.String("side", side.String()),
		zap.Duration("delta", bestDelta),
		zap.Int("pid", best.PID),
	)
	return stackOf(best, bestDelta)
}

func stackOf(op *SocketOperation, delta time.Duration) *har.Stacktrace {
	st := &har.Stacktrace{
		PID:             op.PID,
		TID:             op.TID,
		FD:              op.FD,
		Process:         op.Process,
		SocketEventType: op.EventType,
		SocketType:      op.SocketType,
		DestIP:          op.Remote.Addr.String(),
		DestPort:        int(op.Remote.Port),
		CommunityID:     op.CommunityID,
		Timestamp:       float64(op.Time.UnixMicro()) / 1e6,
		Delta:           math.Round(float64(delta)/float64(time.Microsecond)) / 1000,
		Stack:           append([]har.Frame(nil), op.Frames...),
		Compact:         CompactStack(op.Frames),
	}
	if op.HasLocal {
		st.LocalIP = op.Local.Addr.String()
		st.LocalPort = int(op.Local.Port)
	}
	return st
}

// CompactStack lists the distinct classes of a stack in call order.
func CompactStack(frames []har.Frame) []string {
	seen := make(map[string]bool, len(frames))
	out := []string{}
	for _, f := range frames {
		if f.Class == "" || seen[f.Class] {
			continue
		}
		seen[f.Class] = true
		out = append(out, f.Class)
	}
	return out
}

func entryRemote(e *har.Entry) (correlation.Key, bool) {
	if e.ServerIPAddress == "" || e.ServerPort == 0 {
		return correlation.Key{}, false
	}
	a, err := netip.ParseAddr(e.ServerIPAddress)
	if err != nil {
		return correlation.Key{}, false
	}
	return correlation.KeyOf(a, uint16(e.ServerPort)), true
}

// fromSeconds converts a HAR _timestamp, rounded to the microsecond to undo
// float noise.
func fromSeconds(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6)))
}
