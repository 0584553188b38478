// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package correlation

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWindow bounds how far apart a side-channel record and a HAR
// message may be and still be correlated.
const DefaultWindow = 5 * time.Second

// Record is a timestamped process-level observation.
type Record interface {
	GetPID() int
	GetTID() int
	GetTimestamp() time.Time
}

// Key identifies a remote endpoint.
type Key struct {
	Addr netip.Addr
	Port uint16
}

// KeyOf builds a key, unmapping IPv4-mapped IPv6 addresses so that both
// spellings of an address land in the same bucket.
func KeyOf(addr netip.Addr, port uint16) Key {
	return Key{Addr: addr.Unmap(), Port: port}
}

// ParseKey builds a key from a textual address.
func ParseKey(addr string, port int) (Key, bool) {
	a, err := netip.ParseAddr(addr)
	if err != nil || port < 0 || port > 65535 {
		return Key{}, false
	}
	return KeyOf(a, uint16(port)), true
}

func (k Key) String() string {
	return netip.AddrPortFrom(k.Addr, k.Port).String()
}

// Candidate is a record close enough in time to a target.
type Candidate struct {
	Record Record
	// Delta is the record time minus the target time.
	Delta time.Duration
	// Seq is the record's position in registration order.
	Seq int
}

type entry struct {
	rec Record
	ts  time.Time
	seq int
}

// Engine indexes records by remote endpoint and time. Records are
// registered up front; once sealed the index is read-only and safe for
// concurrent lookups.
type Engine struct {
	logger *zap.Logger
	window time.Duration

	mu     sync.RWMutex
	index  map[Key][]entry
	count  int
	sealed bool
}

// NewEngine creates a new correlation engine.
func NewEngine(window time.Duration, logger *zap.Logger) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Engine{
		logger: logger,
		window: window,
		index:  make(map[Key][]entry),
	}
}

// Window returns the correlation window.
func (e *Engine) Window() time.Duration {
	return e.window
}

// Register adds a record under its remote endpoint.
func (e *Engine) Register(key Key, rec Record) {
	e.mu.Lock()
	e.index[key] = append(e.index[key], entry{rec: rec, ts: rec.GetTimestamp(), seq: e.count})
	e.count++
	e.sealed = false
	e.mu.Unlock()
}

// Seal sorts every bucket by time, ties kept in registration order.
func (e *Engine) Seal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sealLocked()
}

func (e *Engine) sealLocked() {
	if e.sealed {
		return
	}
	for _, bucket := range e.index {
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].ts.Before(bucket[j].ts)
		})
	}
	e.sealed = true
	e.logger.Debug("correlation index sealed",
		zap.Int("records", e.count),
		zap.Int("endpoints", len(e.index)),
	)
}

// Candidates returns the records for key whose time lies within the window
// around target, in time order.
func (e *Engine) Candidates(key Key, target time.Time) []Candidate {
	e.mu.RLock()
	if !e.sealed {
		e.mu.RUnlock()
		e.Seal()
		e.mu.RLock()
	}
	defer e.mu.RUnlock()

	bucket := e.index[key]
	if len(bucket) == 0 {
		return nil
	}
	from := target.Add(-e.window)
	to := target.Add(e.window)

	i := sort.Search(len(bucket), func(i int) bool { return !bucket[i].ts.Before(from) })
	var out []Candidate
	for ; i < len(bucket) && !bucket[i].ts.After(to); i++ {
		out = append(out, Candidate{
			Record: bucket[i].rec,
			Delta:  bucket[i].ts.Sub(target),
			Seq:    bucket[i].seq,
		})
	}
	return out
}

// IsWithinWindow reports whether ts lies within the window around target.
func (e *Engine) IsWithinWindow(ts, target time.Time) bool {
	d := ts.Sub(target)
	return d >= -e.window && d <= e.window
}

// RecordCount returns the number of registered records.
func (e *Engine) RecordCount() int {
	e.mu.RLock()
	n := e.count
	e.mu.RUnlock()
	return n
}

// EndpointCount returns the number of distinct remote endpoints.
func (e *Engine) EndpointCount() int {
	e.mu.RLock()
	n := len(e.index)
	e.mu.RUnlock()
	return n
}
