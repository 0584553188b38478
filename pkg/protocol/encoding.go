// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedEncoding is returned for content codings this package cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// maxDecodedSize bounds decompression output.
const maxDecodedSize = 64 << 20

// DecodeContent undoes a Content-Encoding header value. Codings are removed
// in reverse order of application. An empty or identity coding returns body.
func DecodeContent(body []byte, contentEncoding string) ([]byte, error) {
	codings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		c := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		switch c {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			out, err = gunzip(out)
		case "deflate":
			out, err = inflate(out)
		default:
			return body, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, c)
		}
		if err != nil {
			return body, fmt.Errorf("decode %s: %w", c, err)
		}
	}
	return out, nil
}

func gunzip(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readLimited(zr)
}

// inflate accepts zlib-wrapped deflate and, as many servers send, raw deflate.
func inflate(b []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(b)); err == nil {
		defer zr.Close()
		if out, err := readLimited(zr); err == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(b))
	defer fr.Close()
	return readLimited(fr)
}

func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", maxDecodedSize)
	}
	return out, nil
}
