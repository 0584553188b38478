// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"fmt"
	"testing"
)

func spanWithTrace(i int) *Span {
	s := testSpan("svc", 1)
	s.TraceID = fmt.Sprintf("%016x%016x", uint64(i)*0x9e3779b97f4a7c15, i)
	return s
}

func TestSamplerBounds(t *testing.T) {
	tests := []struct {
		rate float64
		want bool
	}{
		{1.0, true},
		{2.0, true},
		{0.0, false},
		{-1, false},
	}
	for _, tt := range tests {
		s := NewSampler(tt.rate)
		for i := 0; i < 50; i++ {
			if got := s.Keep(spanWithTrace(i)); got != tt.want {
				t.Fatalf("rate=%v Keep = %v, want %v", tt.rate, got, tt.want)
			}
		}
	}
}

func TestSamplerAlwaysKeepsErrors(t *testing.T) {
	s := NewSampler(0)
	span := spanWithTrace(1)
	span.Status = StatusError
	if !s.Keep(span) {
		t.Error("error span dropped")
	}
}

func TestSamplerDeterministicAndApproximate(t *testing.T) {
	s := NewSampler(0.25)
	spans := make([]*Span, 4000)
	for i := range spans {
		spans[i] = spanWithTrace(i + 1)
	}

	kept := s.Filter(spans)
	if again := s.Filter(spans); len(again) != len(kept) {
		t.Fatalf("non-deterministic: %d vs %d", len(again), len(kept))
	}
	ratio := float64(len(kept)) / float64(len(spans))
	if ratio < 0.18 || ratio > 0.32 {
		t.Errorf("kept ratio = %.3f, want about 0.25", ratio)
	}
}

func TestSamplerKeepsUnparsableIDs(t *testing.T) {
	s := NewSampler(0.01)
	span := testSpan("svc", 1)
	span.TraceID = "not-hex-not-hex-not-hex"
	if !s.Keep(span) {
		t.Error("span with unparsable trace id dropped")
	}
}
