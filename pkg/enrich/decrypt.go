// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package enrich

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mbeema/pcaphar/pkg/har"
)

// How a crypto operation was tied to a body.
const (
	MatchedBySHA256 = "sha256"
	MatchedByHandle = "handle"
)

type opKey struct {
	id   string
	side Side
}

// Decryption replaces ciphertext bodies with plaintext supplied by a
// tracing agent. It never decrypts anything itself.
type Decryption struct {
	logger   *zap.Logger
	byHash   map[opKey]*CryptoOperation
	byHandle map[opKey][]*CryptoOperation
	count    int
}

// NewDecryption indexes ops by ciphertext digest and by handle. For a given
// digest the first record in feed order wins; per handle, records keep feed
// order.
func NewDecryption(ops []*CryptoOperation, logger *zap.Logger) *Decryption {
	d := &Decryption{
		logger:   logger,
		byHash:   make(map[opKey]*CryptoOperation),
		byHandle: make(map[opKey][]*CryptoOperation),
		count:    len(ops),
	}
	for _, op := range ops {
		if op.SHA256 != "" {
			k := opKey{op.SHA256, op.Side}
			if _, ok := d.byHash[k]; !ok {
				d.byHash[k] = op
			}
		}
		if op.Handle != "" {
			k := opKey{op.Handle, op.Side}
			d.byHandle[k] = append(d.byHandle[k], op)
		}
	}
	return d
}

// Name implements Enricher.
func (d *Decryption) Name() string {
	return "decryption"
}

// Enrich implements Enricher. Handle lookups use the body's position among
// bodies of the same connection and direction, counted over fields set at
// projection time, so the result does not depend on other passes.
func (d *Decryption) Enrich(doc *har.Document) int {
	ordinals := make(map[opKey]int)
	changed, missed := 0, 0

	for _, e := range doc.Entries() {
		handles := entryHandles(e)
		for _, side := range []Side{SideRequest, SideResponse} {
			b := bodyOf(e, side)
			if b == nil {
				continue
			}
			ords := make([]int, len(handles))
			for i, h := range handles {
				k := opKey{h, side}
				ords[i] = ordinals[k]
				ordinals[k]++
			}
			if *b.decryption != nil {
				continue
			}

			raw, err := har.DecodeBody(*b.text, *b.encoding)
			if err != nil {
				continue
			}
			op, by := d.resolve(raw, side, handles, ords)
			if op == nil {
				missed++
				continue
			}
			b.replace(op, by, raw)
			changed++
		}
	}

	d.logger.Info("decryption enrichment done",
		zap.Int("replaced", changed),
		zap.Int("unmatched", missed),
		zap.Int("records", d.count),
	)
	return changed
}

// resolve tries the content digest first, then each connection handle.
func (d *Decryption) resolve(raw []byte, side Side, handles []string, ords []int) (*CryptoOperation, string) {
	if len(raw) > 0 {
		if op, ok := d.byHash[opKey{digest(raw), side}]; ok {
			return op, MatchedBySHA256
		}
	}
	for i, h := range handles {
		list := d.byHandle[opKey{h, side}]
		if ords[i] < len(list) {
			return list[ords[i]], MatchedByHandle
		}
	}
	return nil, ""
}

// entryHandles lists the connection identifiers an entry can be looked up
// by.
func entryHandles(e *har.Entry) []string {
	var out []string
	if e.CommunityID != "" {
		out = append(out, e.CommunityID)
	}
	if e.Connection != "" && e.Connection != e.CommunityID {
		out = append(out, e.Connection)
	}
	return out
}

// bodyRef points at the body fields of a request or response.
type bodyRef struct {
	text        *string
	encoding    *string
	mimeType    *string
	size        *int
	compression *int
	params      *[]har.NameValue
	decryption  **har.Decryption
}

func bodyOf(e *har.Entry, side Side) *bodyRef {
	switch side {
	case SideRequest:
		if e.Request == nil || e.Request.PostData == nil {
			return nil
		}
		pd := e.Request.PostData
		return &bodyRef{
			text:       &pd.Text,
			encoding:   &pd.Encoding,
			mimeType:   &pd.MimeType,
			params:     &pd.Params,
			decryption: &e.Request.Decryption,
		}
	case SideResponse:
		if e.Response == nil {
			return nil
		}
		c := &e.Response.Content
		if c.Text == "" && c.Size == 0 && e.Response.Decryption == nil {
			return nil
		}
		return &bodyRef{
			text:        &c.Text,
			encoding:    &c.Encoding,
			mimeType:    &c.MimeType,
			size:        &c.Size,
			compression: &c.Compression,
			decryption:  &e.Response.Decryption,
		}
	}
	return nil
}

func (b *bodyRef) replace(op *CryptoOperation, matchedBy string, original []byte) {
	prov := &har.Decryption{
		Decrypted:        true,
		Handle:           op.Handle,
		MatchedBy:        matchedBy,
		OriginalSize:     len(original),
		OriginalSHA256:   digest(original),
		OriginalEncoding: *b.encoding,
	}

	*b.text, *b.encoding = har.EncodeBody(op.Plaintext)
	switch {
	case op.MimeType != "":
		*b.mimeType = op.MimeType
	case len(op.Plaintext) > 0 && (*b.mimeType == "" || *b.mimeType == "application/octet-stream"):
		*b.mimeType = http.DetectContentType(op.Plaintext)
	}
	if b.size != nil {
		*b.size = len(op.Plaintext)
	}
	if b.compression != nil {
		*b.compression = 0
	}
	if b.params != nil {
		*b.params = nil
	}
	*b.decryption = prov
}
