// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package har

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrOutputConflict is returned when the destination exists and overwriting
// is not allowed.
var ErrOutputConflict = errors.New("output already exists")

// Writer publishes a document atomically: the JSON goes to a temporary file
// in the destination directory which is renamed into place once complete.
type Writer struct {
	path      string
	overwrite bool
	perm      os.FileMode
	logger    *zap.Logger

	// written is set after the first publish; later writes replace our own
	// output and never conflict.
	written bool

	// beforePublish runs between the temp file being complete and being
	// moved into place.
	beforePublish func()
}

// NewWriter creates a writer for path.
func NewWriter(path string, overwrite bool, logger *zap.Logger) *Writer {
	return &Writer{
		path:      path,
		overwrite: overwrite,
		perm:      0o644,
		logger:    logger,
	}
}

// Path returns the destination path.
func (w *Writer) Path() string {
	return w.path
}

// Check fails with ErrOutputConflict when the destination already exists
// and may not be replaced.
func (w *Writer) Check() error {
	if w.overwrite || w.written {
		return nil
	}
	if _, err := os.Lstat(w.path); err == nil {
		return fmt.Errorf("%s: %w", w.path, ErrOutputConflict)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat output: %w", err)
	}
	return nil
}

// Write serializes doc and publishes it. A cancelled context aborts before
// the rename and leaves no temporary file behind.
func (w *Writer) Write(ctx context.Context, doc *Document) error {
	if err := w.Check(); err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encode HAR: %w", err)
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		_ = tmp.Close()
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(w.perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.beforePublish != nil {
		w.beforePublish()
	}
	linked, err := w.publish(tmpName)
	if err != nil {
		return err
	}
	// A linked temp file still has its own name to remove.
	cleanup = linked
	w.written = true

	if err := syncDir(dir); err != nil {
		w.logger.Warn("output directory fsync failed", zap.String("dir", dir), zap.Error(err))
	}

	w.logger.Debug("HAR written",
		zap.Bool("linked", linked),
		zap.String("path", w.path),
		zap.Int("entries", len(doc.Log.Entries)),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// publish moves the finished temp file to the destination. Unless replacing
// is allowed the first publish hard-links it, which fails instead of
// replacing a file created since Check.
func (w *Writer) publish(tmpName string) (linked bool, err error) {
	if !w.overwrite && !w.written {
		err := os.Link(tmpName, w.path)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("%s: %w", w.path, ErrOutputConflict)
		}
		// No hard links on this filesystem: fall back to a checked rename.
		w.logger.Debug("hard link publish unavailable", zap.String("path", w.path), zap.Error(err))
		if err := w.Check(); err != nil {
			return false, err
		}
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		return false, fmt.Errorf("rename temp file into place: %w", err)
	}
	return false, nil
}
