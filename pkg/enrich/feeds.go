// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package enrich

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/conntrack"
	"github.com/mbeema/pcaphar/pkg/correlation"
	"github.com/mbeema/pcaphar/pkg/har"
)

// Feed names used in errors and logs.
const (
	FeedSocket = "socket-operations"
	FeedCrypto = "crypto-operations"
)

// SocketOperation is one socket call observed by a tracing agent.
type SocketOperation struct {
	PID        int
	TID        int
	FD         int
	Process    string
	EventType  string
	SocketType string

	Local    correlation.Key
	HasLocal bool
	Remote   correlation.Key

	Time   time.Time
	Frames []har.Frame

	// CommunityID is derived from the local and remote endpoints when both
	// are known.
	CommunityID string
	// Index is the position in the feed.
	Index int
}

func (s *SocketOperation) GetPID() int             { return s.PID }
func (s *SocketOperation) GetTID() int             { return s.TID }
func (s *SocketOperation) GetTimestamp() time.Time { return s.Time }

type socketJSON struct {
	Timestamp float64 `json:"timestamp"`
	PID       int     `json:"pid"`
	Process   string  `json:"process"`
	Data      struct {
		SocketEventType string      `json:"socketEventType"`
		SocketType      string      `json:"socketType"`
		LocalIP         string      `json:"localIp"`
		LocalPort       int         `json:"localPort"`
		DestIP          string      `json:"destIp"`
		DestPort        int         `json:"destPort"`
		ThreadID        int         `json:"threadId"`
		FD              int         `json:"fd"`
		Stack           []har.Frame `json:"stack"`
	} `json:"data"`
}

// ReadSocketOperations decodes a socket-operation feed. Records without a
// stack or a usable remote endpoint are skipped. seed is the Community ID
// seed the HAR entries were produced with.
func ReadSocketOperations(r io.Reader, seed uint16) ([]*SocketOperation, int, error) {
	var raw []socketJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, err
	}

	ops := make([]*SocketOperation, 0, len(raw))
	skipped := 0
	for i, rec := range raw {
		d := rec.Data
		remote, ok := correlation.ParseKey(d.DestIP, d.DestPort)
		if !ok || len(d.Stack) == 0 {
			skipped++
			continue
		}
		op := &SocketOperation{
			PID:        rec.PID,
			TID:        d.ThreadID,
			FD:         d.FD,
			Process:    rec.Process,
			EventType:  strings.ToLower(d.SocketEventType),
			SocketType: d.SocketType,
			Remote:     remote,
			Time:       fromMillis(rec.Timestamp),
			Frames:     d.Stack,
			Index:      i,
		}
		if local, ok := correlation.ParseKey(d.LocalIP, d.LocalPort); ok && d.LocalPort != 0 {
			op.Local, op.HasLocal = local, true
			proto := conntrack.ProtoTCP
			if strings.Contains(strings.ToLower(d.SocketType), "udp") {
				proto = conntrack.ProtoUDP
			}
			op.CommunityID = conntrack.CommunityID(
				capture.Endpoint{Addr: local.Addr, Port: local.Port},
				capture.Endpoint{Addr: remote.Addr, Port: remote.Port},
				proto, seed)
		}
		ops = append(ops, op)
	}
	return ops, skipped, nil
}

// LoadSocketOperations reads a socket-operation feed file.
func LoadSocketOperations(path string, seed uint16) ([]*SocketOperation, int, error) {
	f, err := openFeed(FeedSocket, path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	ops, skipped, err := ReadSocketOperations(f, seed)
	if err != nil {
		return nil, 0, &InputError{Feed: FeedSocket, Path: path, Err: err}
	}
	return ops, skipped, nil
}

// CryptoOperation is one decryption observed by a tracing agent.
type CryptoOperation struct {
	Handle    string
	Side      Side
	SHA256    string // hex digest of the ciphertext
	Plaintext []byte
	MimeType  string
	Time      time.Time
	Index     int
}

type cryptoJSON struct {
	Handle           string  `json:"handle"`
	Direction        string  `json:"direction"`
	Ciphertext       string  `json:"ciphertext"`
	CiphertextSHA256 string  `json:"ciphertextSha256"`
	Plaintext        string  `json:"plaintext"`
	MimeType         string  `json:"mimeType"`
	Timestamp        float64 `json:"timestamp"`
}

// ReadCryptoOperations decodes a crypto-operation feed. Records with an
// unknown direction or undecodable plaintext are skipped.
func ReadCryptoOperations(r io.Reader) ([]*CryptoOperation, int, error) {
	var raw []cryptoJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, err
	}

	ops := make([]*CryptoOperation, 0, len(raw))
	skipped := 0
	for i, rec := range raw {
		side, ok := ParseSide(strings.ToLower(rec.Direction))
		if !ok {
			skipped++
			continue
		}
		plain, err := base64.StdEncoding.DecodeString(rec.Plaintext)
		if err != nil {
			skipped++
			continue
		}
		sum := strings.ToLower(rec.CiphertextSHA256)
		if sum == "" && rec.Ciphertext != "" {
			ct, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
			if err != nil {
				skipped++
				continue
			}
			sum = digest(ct)
		}
		if sum == "" && rec.Handle == "" {
			skipped++
			continue
		}
		ops = append(ops, &CryptoOperation{
			Handle:    rec.Handle,
			Side:      side,
			SHA256:    sum,
			Plaintext: plain,
			MimeType:  rec.MimeType,
			Time:      fromMillis(rec.Timestamp),
			Index:     i,
		})
	}
	return ops, skipped, nil
}

// LoadCryptoOperations reads a crypto-operation feed file.
func LoadCryptoOperations(path string) ([]*CryptoOperation, int, error) {
	f, err := openFeed(FeedCrypto, path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	ops, skipped, err := ReadCryptoOperations(f)
	if err != nil {
		return nil, 0, &InputError{Feed: FeedCrypto, Path: path, Err: err}
	}
	return ops, skipped, nil
}

func openFeed(feed, path string) (*os.File, error) {
	if path == "" {
		return nil, &InputError{Feed: feed, Err: errors.New("no path configured")}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &InputError{Feed: feed, Path: path, Err: err}
	}
	return f, nil
}

func fromMillis(ms float64) time.Time {
	return time.UnixMicro(int64(math.Round(ms * 1000)))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
