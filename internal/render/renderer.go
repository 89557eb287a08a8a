// Package render turns a single planned beat into playable audio and a
// viseme timeline: synthesize speech, transcode it to a wave file, run the
// lip-sync analyzer and package the results for transport.
package render

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/observability"
)

// Synthesizer turns text into encoded audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Converter transcodes an audio file into a wave file.
type Converter interface {
	ToWAV(ctx context.Context, src, dst string) error
}

// Extractor writes a lip-sync transcript for a wave file.
type Extractor interface {
	Extract(ctx context.Context, wavPath, outPath string) error
}

type Config struct {
	Synthesizer Synthesizer
	Converter   Converter
	Extractor   Extractor
	ScratchDir  string
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Renderer renders beats one at a time. It keeps no per-beat state, so a
// single Renderer can serve concurrent turns as long as beat ids differ.
type Renderer struct {
	synth      Synthesizer
	converter  Converter
	extractor  Extractor
	scratchDir string
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func New(cfg Config) (*Renderer, error) {
	if cfg.Synthesizer == nil {
		return nil, errors.New("render: synthesizer must not be nil")
	}
	if cfg.Converter == nil {
		return nil, errors.New("render: converter must not be nil")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("render: extractor must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ScratchDir != "" {
		if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
			return nil, fmt.Errorf("render: create scratch dir: %w", err)
		}
	}
	return &Renderer{
		synth:      cfg.Synthesizer,
		converter:  cfg.Converter,
		extractor:  cfg.Extractor,
		scratchDir: cfg.ScratchDir,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Render produces the audio and viseme timeline for plan. Any failing stage
// aborts the beat; scratch files are removed on every path.
func (r *Renderer) Render(ctx context.Context, plan domain.BeatPlan, beatID string) (domain.RenderedBeat, error) {
	rc, err := newRenderContext(r.scratchDir, beatID)
	if err != nil {
		return domain.RenderedBeat{}, err
	}
	defer func() {
		if cerr := rc.cleanup(); cerr != nil {
			r.logger.Warn("scratch cleanup failed", "beat_id", beatID, "err", cerr)
		}
	}()

	start := time.Now()
	log := r.logger.With("beat_id", beatID)

	if err := r.synthesize(ctx, rc, plan.Text); err != nil {
		return domain.RenderedBeat{}, err
	}

	stageStart := time.Now()
	if err := r.converter.ToWAV(ctx, rc.audioPath, rc.wavPath); err != nil {
		return domain.RenderedBeat{}, toolError(StageTranscode, beatID, err)
	}
	if err := requireOutput(rc.wavPath); err != nil {
		return domain.RenderedBeat{}, toolError(StageTranscode, beatID, err)
	}
	r.metrics.ObserveStage(StageTranscode, time.Since(stageStart))
	log.Debug("conversion done", "elapsed_ms", time.Since(start).Milliseconds())

	stageStart = time.Now()
	if err := r.extractor.Extract(ctx, rc.wavPath, rc.transcriptPath); err != nil {
		return domain.RenderedBeat{}, toolError(StageLipsync, beatID, err)
	}
	lipsync, err := readTranscript(rc.transcriptPath)
	if err != nil {
		return domain.RenderedBeat{}, toolError(StageLipsync, beatID, err)
	}
	r.metrics.ObserveStage(StageLipsync, time.Since(stageStart))
	log.Debug("lip sync done", "elapsed_ms", time.Since(start).Milliseconds())

	audio, err := encodeAudio(rc.audioPath)
	if err != nil {
		return domain.RenderedBeat{}, &ToolError{Stage: StageEncode, BeatID: beatID, Diagnostic: err.Error(), Err: err}
	}

	log.Info("beat rendered",
		"cues", len(lipsync.MouthCues),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return domain.RenderedBeat{
		Text:             plan.Text,
		Audio:            audio,
		Lipsync:          lipsync,
		FacialExpression: plan.FacialExpression,
		Animation:        plan.Animation,
	}, nil
}

func (r *Renderer) synthesize(ctx context.Context, rc *renderContext, text string) error {
	stageStart := time.Now()
	audio, err := r.synth.Synthesize(ctx, text)
	if err != nil {
		return &SynthesisError{BeatID: rc.beatID, Err: err}
	}
	if len(audio) == 0 {
		return &SynthesisError{BeatID: rc.beatID, Err: errors.New("speech service returned no audio")}
	}
	if err := os.WriteFile(rc.audioPath, audio, 0o600); err != nil {
		return &SynthesisError{BeatID: rc.beatID, Err: fmt.Errorf("persist audio: %w", err)}
	}
	r.metrics.ObserveStage(StageSynthesize, time.Since(stageStart))
	return nil
}

func readTranscript(path string) (domain.Lipsync, error) {
	if err := requireOutput(path); err != nil {
		return domain.Lipsync{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Lipsync{}, fmt.Errorf("read transcript: %w", err)
	}
	var out domain.Lipsync
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return domain.Lipsync{}, fmt.Errorf("decode transcript: %w", err)
	}
	if out.MouthCues == nil {
		out.MouthCues = []domain.MouthCue{}
	}
	return out, nil
}

func encodeAudio(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
