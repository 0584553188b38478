// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlation

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testRecord implements Record for testing.
type testRecord struct {
	pid       int
	tid       int
	timestamp time.Time
}

func (r *testRecord) GetPID() int             { return r.pid }
func (r *testRecord) GetTID() int             { return r.tid }
func (r *testRecord) GetTimestamp() time.Time { return r.timestamp }

var t0 = time.Unix(1700000000, 0)

func TestCandidatesWithinWindow(t *testing.T) {
	e := NewEngine(100*time.Millisecond, zap.NewNop())
	key := KeyOf(netip.MustParseAddr("93.184.216.34"), 443)

	// Registered out of time order on purpose.
	e.Register(key, &testRecord{pid: 3, timestamp: t0.Add(50 * time.Millisecond)})
	e.Register(key, &testRecord{pid: 1, timestamp: t0.Add(-300 * time.Millisecond)})
	e.Register(key, &testRecord{pid: 2, timestamp: t0.Add(-20 * time.Millisecond)})
	e.Register(key, &testRecord{pid: 4, timestamp: t0.Add(101 * time.Millisecond)})

	got := e.Candidates(key, t0)
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].Record.GetPID() != 2 || got[1].Record.GetPID() != 3 {
		t.Errorf("order = %d, %d; want time order 2, 3", got[0].Record.GetPID(), got[1].Record.GetPID())
	}
	if got[0].Delta != -20*time.Millisecond || got[1].Delta != 50*time.Millisecond {
		t.Errorf("deltas = %v, %v", got[0].Delta, got[1].Delta)
	}
	if got[0].Seq != 2 || got[1].Seq != 0 {
		t.Errorf("seq = %d, %d", got[0].Seq, got[1].Seq)
	}
}

func TestKeyUnmapsAddresses(t *testing.T) {
	e := NewEngine(0, zap.NewNop())
	if e.Window() != DefaultWindow {
		t.Errorf("window = %v, want default", e.Window())
	}

	mapped, ok := ParseKey("::ffff:10.0.0.1", 80)
	if !ok {
		t.Fatal("ParseKey failed")
	}
	e.Register(mapped, &testRecord{pid: 1, timestamp: t0})

	plain, _ := ParseKey("10.0.0.1", 80)
	if len(e.Candidates(plain, t0)) != 1 {
		t.Error("mapped and plain spellings should share a bucket")
	}
	other, _ := ParseKey("10.0.0.1", 81)
	if len(e.Candidates(other, t0)) != 0 {
		t.Error("different port must not match")
	}

	if _, ok := ParseKey("not-an-ip", 80); ok {
		t.Error("expected ParseKey to reject bad address")
	}
	if _, ok := ParseKey("10.0.0.1", 70000); ok {
		t.Error("expected ParseKey to reject bad port")
	}
}

func TestIsWithinWindow(t *testing.T) {
	e := NewEngine(50*time.Millisecond, zap.NewNop())
	tests := []struct {
		offset time.Duration
		want   bool
	}{
		{0, true},
		{50 * time.Millisecond, true},
		{-50 * time.Millisecond, true},
		{51 * time.Millisecond, false},
		{-time.Second, false},
	}
	for _, tt := range tests {
		if got := e.IsWithinWindow(t0.Add(tt.offset), t0); got != tt.want {
			t.Errorf("IsWithinWindow(%v) = %v, want %v", tt.offset, got, tt.want)
		}
	}
}

func TestRegisterAfterSeal(t *testing.T) {
	e := NewEngine(time.Second, zap.NewNop())
	key, _ := ParseKey("10.0.0.1", 443)
	e.Register(key, &testRecord{pid: 1, timestamp: t0.Add(10 * time.Millisecond)})
	e.Seal()
	e.Register(key, &testRecord{pid: 2, timestamp: t0})

	got := e.Candidates(key, t0)
	if len(got) != 2 || got[0].Record.GetPID() != 2 {
		t.Errorf("late registration not re-sorted: %+v", got)
	}
	if e.RecordCount() != 2 || e.EndpointCount() != 1 {
		t.Errorf("counts = %d records, %d endpoints", e.RecordCount(), e.EndpointCount())
	}
}
