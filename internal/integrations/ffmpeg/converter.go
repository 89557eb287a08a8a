// Package ffmpeg transcodes synthesized speech into the PCM wave files the
// lip-sync tool expects.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"avatar-agent/internal/integrations/subprocess"
)

const defaultBinary = "ffmpeg"

// Converter wraps the ffmpeg command line tool.
type Converter struct {
	binaryPath string
	runner     subprocess.Runner
}

// New returns a Converter. An empty binaryPath resolves ffmpeg from PATH.
func New(binaryPath string, runner subprocess.Runner) (*Converter, error) {
	if runner == nil {
		return nil, errors.New("ffmpeg: runner must not be nil")
	}
	binaryPath = strings.TrimSpace(binaryPath)
	if binaryPath == "" {
		binaryPath = defaultBinary
	}
	return &Converter{binaryPath: binaryPath, runner: runner}, nil
}

// ToWAV converts src into a wave file at dst, overwriting dst if present.
func (c *Converter) ToWAV(ctx context.Context, src, dst string) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
		return errors.New("ffmpeg: source and destination are required")
	}
	_, err := c.runner.Run(ctx, subprocess.Command{
		Path: c.binaryPath,
		Args: transcodeArgs(src, dst),
	})
	if err != nil {
		return fmt.Errorf("ffmpeg: transcode %s: %w", src, err)
	}
	return nil
}

func transcodeArgs(src, dst string) []string {
	return []string{"-y", "-loglevel", "error", "-i", src, dst}
}
