// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !unix

package har

// syncDir is a no-op where directories cannot be synced.
func syncDir(string) error {
	return nil
}
