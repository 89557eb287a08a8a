package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var beatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// renderContext holds the scratch files for one beat. Every stage reads and
// writes through it so the paths stay consistent, and cleanup removes all of
// them whatever the outcome.
type renderContext struct {
	beatID         string
	audioPath      string
	wavPath        string
	transcriptPath string
}

func newRenderContext(dir, beatID string) (*renderContext, error) {
	if !beatIDPattern.MatchString(beatID) {
		return nil, fmt.Errorf("render: invalid beat id %q", beatID)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	base := filepath.Join(dir, "message_"+beatID)
	return &renderContext{
		beatID:         beatID,
		audioPath:      base + ".mp3",
		wavPath:        base + ".wav",
		transcriptPath: base + ".json",
	}, nil
}

func (rc *renderContext) paths() []string {
	return []string{rc.audioPath, rc.wavPath, rc.transcriptPath}
}

func (rc *renderContext) cleanup() error {
	var errs []error
	for _, p := range rc.paths() {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requireOutput fails when a tool exited cleanly but left no usable file.
func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output %s: %w", filepath.Base(path), err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("expected output %s is empty", filepath.Base(path))
	}
	return nil
}
