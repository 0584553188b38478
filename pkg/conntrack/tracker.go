// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"sync"
	"time"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/protocol"
)

// Direction of a segment relative to the connection's client.
type Direction int

const (
	FromClient Direction = iota
	FromServer
)

func (d Direction) String() string {
	if d == FromServer {
		return "server"
	}
	return "client"
}

// ConnInfo holds metadata about one transport stream in the capture.
type ConnInfo struct {
	StreamID int64
	Client   capture.Endpoint
	Server   capture.Endpoint

	// Oriented is set once client and server are known from a handshake or
	// from the first payload. Before that Client is the first sender.
	Oriented bool

	FirstSeen time.Time
	LastSeen  time.Time
	Packets   int
	BytesSent uint64 // client to server
	BytesRecv uint64 // server to client
	IsTLS     bool

	// Protocol is remembered once detected on the first payload.
	Protocol string

	ClientFIN bool
	ServerFIN bool
	Reset     bool

	CommunityID string
}

// Closed reports whether both sides sent FIN or either side reset.
func (c *ConnInfo) Closed() bool {
	return c.Reset || (c.ClientFIN && c.ServerFIN)
}

// DirectionOf classifies a record's sender.
func (c *ConnInfo) DirectionOf(rec *capture.PacketRecord) Direction {
	if rec.Src == c.Server && rec.Src != c.Client {
		return FromServer
	}
	return FromClient
}

// Tracker maps transport stream ids to connection metadata and remembers
// the order in which streams were first seen.
type Tracker struct {
	mu    sync.RWMutex
	conns map[int64]*ConnInfo
	order []int64
	seed  uint16
}

// NewTracker creates a tracker. seed is the Community ID seed.
func NewTracker(seed uint16) *Tracker {
	return &Tracker{
		conns: make(map[int64]*ConnInfo),
		seed:  seed,
	}
}

// Observe registers rec against its stream, orienting the connection when
// possible, and returns the connection, the record's direction and whether
// the stream was created by this call.
func (t *Tracker) Observe(rec *capture.PacketRecord) (*ConnInfo, Direction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.conns[rec.StreamID]
	if !ok {
		info = &ConnInfo{
			StreamID:    rec.StreamID,
			Client:      rec.Src,
			Server:      rec.Dst,
			FirstSeen:   rec.Time,
			CommunityID: CommunityID(rec.Src, rec.Dst, ProtoTCP, t.seed),
		}
		t.conns[rec.StreamID] = info
		t.order = append(t.order, rec.StreamID)
	}

	if !info.Oriented {
		orient(info, rec)
	}

	dir := info.DirectionOf(rec)
	info.Packets++
	if rec.Time.After(info.LastSeen) {
		info.LastSeen = rec.Time
	}
	if rec.TLS {
		info.IsTLS = true
	}
	if dir == FromClient {
		info.BytesSent += uint64(len(rec.Payload))
	} else {
		info.BytesRecv += uint64(len(rec.Payload))
	}
	if rec.HasFlag(capture.FlagRST) {
		info.Reset = true
	}
	if rec.HasFlag(capture.FlagFIN) {
		if dir == FromClient {
			info.ClientFIN = true
		} else {
			info.ServerFIN = true
		}
	}
	return info, dir, !ok
}

// orient fixes client and server from a SYN, a SYN+ACK, or the content of
// the first payload. Must be called under t.mu.
func orient(info *ConnInfo, rec *capture.PacketRecord) {
	client, server := rec.Src, rec.Dst
	switch {
	case rec.HasFlag(capture.FlagSYN) && !rec.HasFlag(capture.FlagACK):
	case rec.HasFlag(capture.FlagSYN):
		client, server = rec.Dst, rec.Src
	case len(rec.Payload) > 0:
		info.Protocol = protocol.Detect(rec.Payload)
		if protocol.IsResponseStart(rec.Payload) {
			client, server = rec.Dst, rec.Src
		}
	default:
		return
	}
	info.Client, info.Server = client, server
	info.Oriented = true
}

// Lookup returns the connection for a stream id, or nil.
func (t *Tracker) Lookup(streamID int64) *ConnInfo {
	t.mu.RLock()
	info := t.conns[streamID]
	t.mu.RUnlock()
	return info
}

// SetProtocol stores the detected protocol for a stream.
func (t *Tracker) SetProtocol(streamID int64, proto string) {
	t.mu.Lock()
	if info, ok := t.conns[streamID]; ok {
		info.Protocol = proto
	}
	t.mu.Unlock()
}

// GetProtocol returns the cached protocol for a stream, or empty string.
func (t *Tracker) GetProtocol(streamID int64) string {
	t.mu.RLock()
	info := t.conns[streamID]
	t.mu.RUnlock()

	if info != nil {
		return info.Protocol
	}
	return ""
}

// Remove removes a stream and returns its final info.
func (t *Tracker) Remove(streamID int64) *ConnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.conns[streamID]
	if !ok {
		return nil
	}
	delete(t.conns, streamID)
	if len(t.order) > 64 && len(t.order) > 2*len(t.conns) {
		t.compactLocked()
	}
	return info
}

// compactLocked drops removed ids from the sighting order. Must be called
// under t.mu.
func (t *Tracker) compactLocked() {
	kept := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.conns[id]; ok {
			kept = append(kept, id)
		}
	}
	t.order = kept
}

// Active returns tracked stream ids in order of first sighting.
func (t *Tracker) Active() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]int64, 0, len(t.conns))
	for _, id := range t.order {
		if _, ok := t.conns[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of tracked streams.
func (t *Tracker) Count() int {
	t.mu.RLock()
	n := len(t.conns)
	t.mu.RUnlock()
	return n
}
