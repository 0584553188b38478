// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStalled is wrapped by the DecodeError returned when the decoding tool
// produced no output within the stall timeout.
var ErrStalled = errors.New("decoding tool stalled")

const maxDiagnostic = 64 * 1024

// TsharkOptions configures one tshark invocation.
type TsharkOptions struct {
	ToolPath      string
	Input         string
	DisplayFilter string
	KeyLogFile    string
	ExtraArgs     []string
	PayloadFields []string
	StallTimeout  time.Duration
}

// DefaultToolPath returns tshark from PATH, else the first platform default
// that exists, else "tshark".
func DefaultToolPath() string {
	if p, err := exec.LookPath("tshark"); err == nil {
		return p
	}
	for _, p := range defaultToolCandidates() {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return "tshark"
}

// Args builds the tshark command line.
func (o TsharkOptions) Args() []string {
	args := []string{"-r", o.Input, "-T", "json", "-x", "--no-duplicate-keys"}
	if o.DisplayFilter != "" {
		args = append(args, "-Y", o.DisplayFilter)
	}
	if o.KeyLogFile != "" {
		args = append(args, "-o", "tls.keylog_file:"+o.KeyLogFile)
	}
	return append(args, o.ExtraArgs...)
}

// TsharkSource streams packet records out of a running tshark process.
type TsharkSource struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr *tailBuffer
	dec    *Decoder

	lastRead atomic.Int64
	stalled  atomic.Bool
	done     chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// StartTshark launches tshark and returns a Source reading its stdout.
func StartTshark(ctx context.Context, opts TsharkOptions, logger *zap.Logger) (*TsharkSource, error) {
	if opts.Input == "" {
		return nil, errors.New("tshark: no input file")
	}
	if opts.ToolPath == "" {
		opts.ToolPath = DefaultToolPath()
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, opts.ToolPath, opts.Args()...)
	stderr := &tailBuffer{limit: maxDiagnostic}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &DecodeError{Op: "start " + opts.ToolPath, Err: err}
	}

	s := &TsharkSource{
		logger: logger,
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	s.lastRead.Store(time.Now().UnixNano())
	s.dec = NewDecoder(&activityReader{r: stdout, last: &s.lastRead}, opts.PayloadFields)

	logger.Info("tshark started",
		zap.String("path", opts.ToolPath),
		zap.String("input", opts.Input),
		zap.Int("pid", cmd.Process.Pid),
	)

	if opts.StallTimeout > 0 {
		go s.watchdog(opts.StallTimeout)
	}
	return s, nil
}

// watchdog kills the tool when stdout has been silent for longer than limit.
func (s *TsharkSource) watchdog(limit time.Duration) {
	interval := limit / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastRead.Load()))
			if idle > limit {
				s.logger.Warn("tshark stalled, terminating", zap.Duration("idle", idle))
				s.stalled.Store(true)
				s.cancel()
				return
			}
		}
	}
}

func (s *TsharkSource) Next(ctx context.Context) (*PacketRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.dec.Next()
	if err == nil {
		return rec, nil
	}

	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return nil, s.toolError(werr)
		}
		return nil, io.EOF
	}

	s.cancel()
	s.wait()
	if s.stalled.Load() {
		return nil, s.toolError(ErrStalled)
	}
	var de *DecodeError
	if errors.As(err, &de) && de.Diagnostic == "" {
		de.Diagnostic = s.stderr.String()
	}
	return nil, err
}

func (s *TsharkSource) toolError(err error) error {
	if s.stalled.Load() {
		err = ErrStalled
	}
	return &DecodeError{
		Op:         "tshark",
		Diagnostic: s.stderr.String(),
		Err:        err,
	}
}

func (s *TsharkSource) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		close(s.done)
	})
	return s.waitErr
}

// Close terminates the tool if still running and releases its pipes.
func (s *TsharkSource) Close() error {
	s.cancel()
	s.wait()
	return nil
}

type activityReader struct {
	r    io.Reader
	last *atomic.Int64
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

func (o TsharkOptions) String() string {
	return fmt.Sprintf("%s %s", o.ToolPath, strings.Join(o.Args(), " "))
}
