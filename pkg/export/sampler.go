// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"encoding/binary"
	"encoding/hex"
)

// Sampler makes a deterministic keep/drop decision per trace, so every
// span of a propagated trace gets the same answer across captures.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler keeps roughly rate (0.0-1.0) of traces.
func NewSampler(rate float64) *Sampler {
	switch {
	case rate <= 0:
		return &Sampler{}
	case rate >= 1:
		return &Sampler{rate: 1, threshold: ^uint64(0)}
	}
	return &Sampler{rate: rate, threshold: uint64(rate * float64(^uint64(0)))}
}

// Keep reports whether s should be exported. Error spans are always kept;
// ids that cannot be hashed are kept rather than silently lost.
func (s *Sampler) Keep(span *Span) bool {
	if span.Status == StatusError || s.rate >= 1 {
		return true
	}
	if s.rate <= 0 {
		return false
	}
	if len(span.TraceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(span.TraceID[:16])
	if err != nil {
		return true
	}
	return binary.BigEndian.Uint64(b) <= s.threshold
}

// Filter returns the kept spans, preserving order.
func (s *Sampler) Filter(spans []*Span) []*Span {
	if s.rate >= 1 {
		return spans
	}
	kept := spans[:0:0]
	for _, span := range spans {
		if s.Keep(span) {
			kept = append(kept, span)
		}
	}
	return kept
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}
