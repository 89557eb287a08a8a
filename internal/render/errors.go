package render

import (
	"errors"
	"fmt"

	"avatar-agent/internal/integrations/subprocess"
)

// Render stages, used in errors, logs and metrics.
const (
	StageSynthesize = "synthesize"
	StageTranscode  = "transcode"
	StageLipsync    = "lipsync"
	StageEncode     = "encode"
)

// SynthesisError reports a failed call to the speech service.
type SynthesisError struct {
	BeatID string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("render: synthesize beat %s: %v", e.BeatID, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ToolError reports a failed external tool stage. Diagnostic carries what
// the tool printed, or a description of the missing output.
type ToolError struct {
	Stage      string
	BeatID     string
	Diagnostic string
	Err        error
}

func (e *ToolError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("render: %s failed for beat %s: %v", e.Stage, e.BeatID, e.Err)
	}
	return fmt.Sprintf("render: %s failed for beat %s: %s", e.Stage, e.BeatID, e.Diagnostic)
}

func (e *ToolError) Unwrap() error { return e.Err }

func toolError(stage, beatID string, err error) *ToolError {
	te := &ToolError{Stage: stage, BeatID: beatID, Err: err}
	var exitErr *subprocess.ExitError
	if errors.As(err, &exitErr) {
		te.Diagnostic = exitErr.Result.Diagnostic()
	}
	if te.Diagnostic == "" && err != nil {
		te.Diagnostic = err.Error()
	}
	return te
}
