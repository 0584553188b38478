// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	numericSegment = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment     = regexp.MustCompile(`^(?:0x)?[0-9a-fA-F]{16,}$`)
	// Long opaque tokens with both letters and digits, e.g. base64 ids.
	opaqueSegment = regexp.MustCompile(`^[A-Za-z0-9_-]{24,}={0,2}$`)
)

// NormalizePath replaces identifier-like path segments with "{id}" and drops
// the query, keeping span names low-cardinality. rawURL may be absolute or a
// bare path.
func NormalizePath(rawURL string) string {
	if rawURL == "" {
		return "/"
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.EscapedPath()
	} else if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	segs := strings.Split(path, "/")
	for i, s := range segs {
		if isIdentifier(s) {
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}

func isIdentifier(s string) bool {
	switch {
	case s == "":
		return false
	case numericSegment.MatchString(s), uuidSegment.MatchString(s), hexSegment.MatchString(s):
		return true
	case opaqueSegment.MatchString(s):
		return strings.ContainsAny(s, "0123456789")
	}
	return false
}
