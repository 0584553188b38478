// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mbeema/pcaphar/pkg/capture"
	"github.com/mbeema/pcaphar/pkg/config"
)

// openSource selects the packet reader from cfg.Reader.Mode.
func (c *Converter) openSource(ctx context.Context, input string) (capture.Source, error) {
	switch c.cfg.Reader.Mode {
	case config.ReaderPcap:
		f, err := os.Open(input)
		if err != nil {
			return nil, err
		}
		src, err := capture.NewPcapSource(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return src, nil

	case config.ReaderJSON:
		f, err := os.Open(input)
		if err != nil {
			return nil, err
		}
		return capture.NewJSONSource(f, c.cfg.Tshark.PayloadFields), nil

	case config.ReaderTshark, "":
		tool := c.tshark
		if _, err := os.Stat(input); err != nil {
			return nil, err
		}
		c.logger.Debug("starting tshark", zap.String("tool", tool), zap.String("input", input))
		return capture.StartTshark(ctx, capture.TsharkOptions{
			ToolPath:      tool,
			Input:         input,
			DisplayFilter: c.cfg.Tshark.DisplayFilter,
			KeyLogFile:    c.cfg.Tshark.KeyLogFile,
			ExtraArgs:     c.cfg.Tshark.ExtraArgs,
			PayloadFields: c.cfg.Tshark.PayloadFields,
			StallTimeout:  c.cfg.Tshark.StallTimeout,
		}, c.logger)

	default:
		return nil, fmt.Errorf("unknown reader mode %q", c.cfg.Reader.Mode)
	}
}
