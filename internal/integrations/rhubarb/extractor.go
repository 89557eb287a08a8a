// Package rhubarb drives the Rhubarb Lip Sync command line tool, which turns a
// wave file into a JSON transcript of timed mouth shapes.
package rhubarb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"avatar-agent/internal/integrations/subprocess"
)

const (
	defaultBinary = "rhubarb"

	// RecognizerPhonetic is language independent and the fastest recognizer.
	RecognizerPhonetic = "phonetic"
	// RecognizerPocketSphinx is English-only but more accurate.
	RecognizerPocketSphinx = "pocketSphinx"
)

// Extractor wraps the rhubarb binary.
type Extractor struct {
	binaryPath string
	recognizer string
	runner     subprocess.Runner
}

type Option func(*Extractor)

// WithRecognizer selects the rhubarb recognizer (-r).
func WithRecognizer(name string) Option {
	return func(e *Extractor) {
		if name = strings.TrimSpace(name); name != "" {
			e.recognizer = name
		}
	}
}

func New(binaryPath string, runner subprocess.Runner, opts ...Option) (*Extractor, error) {
	if runner == nil {
		return nil, errors.New("rhubarb: runner must not be nil")
	}
	binaryPath = strings.TrimSpace(binaryPath)
	if binaryPath == "" {
		binaryPath = defaultBinary
	}
	e := &Extractor{binaryPath: binaryPath, recognizer: RecognizerPhonetic, runner: runner}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract analyzes wavPath and writes the JSON transcript to outPath.
func (e *Extractor) Extract(ctx context.Context, wavPath, outPath string) error {
	if strings.TrimSpace(wavPath) == "" || strings.TrimSpace(outPath) == "" {
		return errors.New("rhubarb: wave and output paths are required")
	}
	_, err := e.runner.Run(ctx, subprocess.Command{
		Path: e.binaryPath,
		Args: e.args(wavPath, outPath),
	})
	if err != nil {
		return fmt.Errorf("rhubarb: analyze %s: %w", wavPath, err)
	}
	return nil
}

func (e *Extractor) args(wavPath, outPath string) []string {
	return []string{"-f", "json", "-o", outPath, wavPath, "-r", e.recognizer}
}
