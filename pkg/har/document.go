// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package har

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Fixed document metadata, so that identical inputs give identical output.
const (
	Version        = "1.2"
	CreatorName    = "pcaphar"
	CreatorVersion = "1.0.0"
)

// NewDocument returns an empty HAR document.
func NewDocument() *Document {
	return &Document{
		Log: Log{
			Version: Version,
			Creator: Creator{Name: CreatorName, Version: CreatorVersion},
			Entries: []*Entry{},
		},
	}
}

// Add appends an entry. Entries stay in the order they were added.
func (d *Document) Add(e *Entry) {
	d.Log.Entries = append(d.Log.Entries, e)
}

// Entries returns the document's entries in order.
func (d *Document) Entries() []*Entry {
	return d.Log.Entries
}

// Encode writes the document as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// Marshal returns the encoded document.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decode reads a HAR document, for enriching a previously written file.
func Decode(r io.Reader) (*Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode HAR: %w", err)
	}
	if d.Log.Entries == nil {
		d.Log.Entries = []*Entry{}
	}
	return &d, nil
}
