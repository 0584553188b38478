// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build darwin

package capture

func defaultToolCandidates() []string {
	return []string{
		"/Applications/Wireshark.app/Contents/MacOS/tshark",
		"/opt/homebrew/bin/tshark",
		"/usr/local/bin/tshark",
	}
}
