// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package enrich joins side-channel feeds onto HAR entries. Each pass writes
// only its own fields, so passes commute and re-running one is a no-op.
package enrich

import (
	"fmt"

	"github.com/mbeema/pcaphar/pkg/har"
)

// Enricher is one optional enrichment pass over a document. The document is
// owned by the caller and must not be shared with other writers during the
// call.
type Enricher interface {
	Name() string
	// Enrich mutates doc in place and returns the number of request or
	// response objects it changed.
	Enrich(doc *har.Document) int
}

// InputError reports a missing or unreadable feed. It is never fatal: the
// pass is skipped and the base document stands.
type InputError struct {
	Feed string
	Path string
	Err  error
}

func (e *InputError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s feed: %v", e.Feed, e.Err)
	}
	return fmt.Sprintf("%s feed %s: %v", e.Feed, e.Path, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Side selects the request or the response of an entry.
type Side int

const (
	SideRequest Side = iota
	SideResponse
)

func (s Side) String() string {
	if s == SideResponse {
		return "response"
	}
	return "request"
}

// ParseSide accepts "request"/"response" and the "out"/"in" spelling used
// by tracing agents.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "request", "req", "out", "write", "send":
		return SideRequest, true
	case "response", "resp", "in", "read", "recv":
		return SideResponse, true
	}
	return 0, false
}
