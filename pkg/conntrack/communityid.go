// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"

	"github.com/mbeema/pcaphar/pkg/capture"
)

// IP protocol numbers used in flow hashes.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// CommunityID computes the version 1 Community ID flow hash for a
// bidirectional flow. The result is the same for either endpoint order.
func CommunityID(a, b capture.Endpoint, proto uint8, seed uint16) string {
	if !a.IsValid() || !b.IsValid() {
		return ""
	}
	ab, bb := a.Addr.Unmap().AsSlice(), b.Addr.Unmap().AsSlice()
	if len(ab) != len(bb) {
		return ""
	}

	// Order endpoints so that the smaller (address, port) comes first.
	c := bytes.Compare(ab, bb)
	if c > 0 || (c == 0 && a.Port > b.Port) {
		a, b = b, a
		ab, bb = bb, ab
	}

	buf := make([]byte, 0, 2+len(ab)+len(bb)+2+4)
	buf = binary.BigEndian.AppendUint16(buf, seed)
	buf = append(buf, ab...)
	buf = append(buf, bb...)
	buf = append(buf, proto, 0)
	buf = binary.BigEndian.AppendUint16(buf, a.Port)
	buf = binary.BigEndian.AppendUint16(buf, b.Port)

	sum := sha1.Sum(buf)
	return "1:" + base64.StdEncoding.EncodeToString(sum[:])
}
