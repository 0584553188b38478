// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact masks credentials and personal data in HAR documents before
// they leave the process.
package redact

import (
	"regexp"
	"strings"

	"github.com/mbeema/pcaphar/pkg/har"
)

// Masked replaces the value of a sensitive header or cookie.
const Masked = "[REDACTED]"

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to HAR entries.
type Redactor struct {
	rules   []Rule
	headers map[string]bool
	enabled bool
}

// DefaultHeaders are masked whenever redaction is enabled.
var DefaultHeaders = []string{"authorization", "proxy-authorization", "cookie", "set-cookie", "x-api-key", "x-auth-token"}

// New creates a Redactor with built-in rules. If enabled is false, every
// method is a no-op.
func New(enabled bool, extraRules []Rule, extraHeaders []string) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	r.headers = make(map[string]bool)
	for _, h := range append(DefaultHeaders, extraHeaders...) {
		r.headers[strings.ToLower(h)] = true
	}
	return r
}

// Enabled reports whether the redactor changes anything.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Document redacts every entry of doc in place and returns how many entries
// changed. Callers redact a clone when the original must be kept.
func (r *Redactor) Document(doc *har.Document) int {
	if !r.enabled {
		return 0
	}
	n := 0
	for _, e := range doc.Entries() {
		if r.Entry(e) {
			n++
		}
	}
	return n
}

// Entry redacts headers, cookies, URL, query string and text bodies of e.
// Base64 bodies are left alone.
func (r *Redactor) Entry(e *har.Entry) bool {
	if !r.enabled {
		return false
	}
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}

	if req := e.Request; req != nil {
		set(&req.URL, r.Redact(req.URL))
		changed = r.headerValues(req.Headers) || changed
		changed = r.cookieValues(req.Cookies) || changed
		for i := range req.QueryString {
			set(&req.QueryString[i].Value, r.param(req.QueryString[i]))
		}
		if pd := req.PostData; pd != nil {
			for i := range pd.Params {
				set(&pd.Params[i].Value, r.param(pd.Params[i]))
			}
			if pd.Encoding == "" {
				set(&pd.Text, r.Redact(pd.Text))
			}
		}
	}
	if resp := e.Response; resp != nil {
		changed = r.headerValues(resp.Headers) || changed
		changed = r.cookieValues(resp.Cookies) || changed
		if resp.Content.Encoding == "" {
			set(&resp.Content.Text, r.Redact(resp.Content.Text))
		}
	}
	return changed
}

func (r *Redactor) headerValues(headers []har.NameValue) bool {
	changed := false
	for i := range headers {
		v := headers[i].Value
		if r.headers[strings.ToLower(headers[i].Name)] {
			v = Masked
		} else {
			v = r.Redact(v)
		}
		if v != headers[i].Value {
			headers[i].Value = v
			changed = true
		}
	}
	return changed
}

func (r *Redactor) cookieValues(cookies []har.Cookie) bool {
	changed := false
	for i := range cookies {
		if cookies[i].Value != Masked {
			cookies[i].Value = Masked
			changed = true
		}
	}
	return changed
}

// param redacts a name/value pair, masking the whole value when the name
// itself marks a secret.
func (r *Redactor) param(nv har.NameValue) string {
	if sensitiveParam.MatchString(nv.Name) {
		return Masked
	}
	return r.Redact(nv.Value)
}

var sensitiveParam = regexp.MustCompile(`(?i)^(password|passwd|pwd|secret|token|access_token|refresh_token|api_key|apikey)$`)

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "bearer_token",
			Pattern:     regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9._~+/=-]+`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|access_token|refresh_token|token|api_key|apikey)(["']?\s*[=:]\s*["']?)[^\s&,;'"]+`),
			Replacement: "${1}${2}[REDACTED]",
		},
	}
}
