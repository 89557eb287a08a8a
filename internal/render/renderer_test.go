package render

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"avatar-agent/internal/domain"
	"avatar-agent/internal/integrations/ffmpeg"
	"avatar-agent/internal/integrations/rhubarb"
	"avatar-agent/internal/integrations/subprocess"
)

const sampleTranscript = `{
  "metadata": {"soundFile": "message_t1.wav", "duration": 1.27},
  "mouthCues": [
    {"start": 0.00, "end": 0.05, "value": "X"},
    {"start": 0.05, "end": 0.27, "value": "D"},
    {"start": 0.27, "end": 1.27, "value": "B"}
  ]
}`

type fakeSynth struct {
	audio []byte
	err   error
	texts []string
}

func (f *fakeSynth) Synthesize(_ context.Context, text string) ([]byte, error) {
	f.texts = append(f.texts, text)
	return f.audio, f.err
}

type fakeConverter struct {
	err       error
	skipWrite bool
	seen      []string
}

func (f *fakeConverter) ToWAV(_ context.Context, src, dst string) error {
	f.seen = append(f.seen, src, dst)
	if f.err != nil {
		return f.err
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if f.skipWrite {
		return nil
	}
	return os.WriteFile(dst, []byte("RIFF....WAVE"), 0o600)
}

type fakeExtractor struct {
	transcript string
	err        error
	seen       []string
}

func (f *fakeExtractor) Extract(_ context.Context, wavPath, outPath string) error {
	f.seen = append(f.seen, wavPath, outPath)
	if f.err != nil {
		return f.err
	}
	if f.transcript == "" {
		return nil
	}
	return os.WriteFile(outPath, []byte(f.transcript), 0o600)
}

func newTestRenderer(t *testing.T, s Synthesizer, c Converter, e Extractor) (*Renderer, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(Config{Synthesizer: s, Converter: c, Extractor: e, ScratchDir: dir})
	require.NoError(t, err)
	return r, dir
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch files must be removed")
}

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(Config{Converter: &fakeConverter{}, Extractor: &fakeExtractor{}})
	require.Error(t, err)
	_, err = New(Config{Synthesizer: &fakeSynth{}, Extractor: &fakeExtractor{}})
	require.Error(t, err)
	_, err = New(Config{Synthesizer: &fakeSynth{}, Converter: &fakeConverter{}})
	require.Error(t, err)
}

func TestRender_HappyPath(t *testing.T) {
	audio := []byte{0x49, 0x44, 0x33, 0x04, 0x00, 0xFF, 0xFB}
	synth := &fakeSynth{audio: audio}
	conv := &fakeConverter{}
	ext := &fakeExtractor{transcript: sampleTranscript}
	r, dir := newTestRenderer(t, synth, conv, ext)

	plan := domain.BeatPlan{Text: "Plant cover crops.", FacialExpression: "smile", Animation: "Talking_0"}
	beat, err := r.Render(context.Background(), plan, "t1_message_0")
	require.NoError(t, err)

	require.Equal(t, "Plant cover crops.", beat.Text)
	require.Equal(t, "smile", beat.FacialExpression)
	require.Equal(t, "Talking_0", beat.Animation)
	require.Equal(t, []string{"Plant cover crops."}, synth.texts)

	decoded, err := base64.StdEncoding.DecodeString(beat.Audio)
	require.NoError(t, err)
	require.Equal(t, audio, decoded)

	require.Len(t, beat.Lipsync.MouthCues, 3)
	require.Equal(t, domain.MouthCue{Start: 0.05, End: 0.27, Value: "D"}, beat.Lipsync.MouthCues[1])
	require.InDelta(t, 1.27, beat.Lipsync.Metadata.Duration, 1e-9)

	// All stages share the same beat-scoped paths.
	require.Equal(t, filepath.Join(dir, "message_t1_message_0.mp3"), conv.seen[0])
	require.Equal(t, filepath.Join(dir, "message_t1_message_0.wav"), conv.seen[1])
	require.Equal(t, conv.seen[1], ext.seen[0])
	require.Equal(t, filepath.Join(dir, "message_t1_message_0.json"), ext.seen[1])
	requireEmptyDir(t, dir)
}

func TestRender_SynthesisFailure(t *testing.T) {
	conv := &fakeConverter{}
	r, dir := newTestRenderer(t, &fakeSynth{err: errors.New("401 invalid api key")}, conv, &fakeExtractor{transcript: sampleTranscript})

	_, err := r.Render(context.Background(), domain.BeatPlan{Text: "hi"}, "b1")
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Equal(t, "b1", synthErr.BeatID)
	require.Contains(t, err.Error(), "401 invalid api key")
	require.Empty(t, conv.seen, "no tool runs after a synthesis failure")
	requireEmptyDir(t, dir)
}

func TestRender_EmptyAudioIsSynthesisFailure(t *testing.T) {
	r, _ := newTestRenderer(t, &fakeSynth{audio: nil}, &fakeConverter{}, &fakeExtractor{})
	_, err := r.Render(context.Background(), domain.BeatPlan{Text: "hi"}, "b1")
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
}

func TestRender_TranscodeFailureCarriesDiagnostic(t *testing.T) {
	exitErr := &subprocess.ExitError{
		Command: subprocess.Command{Path: "ffmpeg"},
		Result:  subprocess.Result{ExitCode: 1, Stderr: "message_b1.mp3: Invalid data found when processing input\n"},
		Err:     errors.New("exit status 1"),
	}
	ext := &fakeExtractor{transcript: sampleTranscript}
	r, dir := newTestRenderer(t, &fakeSynth{audio: []byte("mp3")}, &fakeConverter{err: exitErr}, ext)

	_, err := r.Render(context.Background(), domain.BeatPlan{Text: "hi"}, "b1")
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, StageTranscode, toolErr.Stage)
	require.Equal(t, "message_b1.mp3: Invalid data found when processing input", toolErr.Diagnostic)
	require.Empty(t, ext.seen)
	requireEmptyDir(t, dir)
}

func TestRender_TranscodeMissingOutput(t *testing.T) {
	r, dir := newTestRenderer(t, &fakeSynth{audio: []byte("mp3")}, &fakeConverter{skipWrite: true}, &fakeExtractor{transcript: sampleTranscript})

	_, err := r.Render(context.Background(), domain.BeatPlan{Text: "hi"}, "b1")
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, StageTranscode, toolErr.Stage)
	require.Contains(t, toolErr.Diagnostic, "message_b1.wav")
	requireEmptyDir(t, dir)
}

func TestRender_LipsyncFailures(t *testing.T) {
	cases := []struct {
		name string
		ext  *fakeExtractor
		want string
	}{
		{name: "tool exit", ext: &fakeExtractor{err: errors.New("exit status 2")}, want: "exit status 2"},
		{name: "missing transcript", ext: &fakeExtractor{}, want: "message_b1.json"},
		{name: "garbage transcript", ext: &fakeExtractor{transcript: "Rhubarb crashed"}, want: "decode transcript"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, dir := newTestRenderer(t, &fakeSynth{audio: []byte("mp3")}, &fakeConverter{}, tc.ext)
			_, err := r.Render(context.Background(), domain.BeatPlan{Text: "hi"}, "b1")
			var toolErr *ToolError
			require.ErrorAs(t, err, &toolErr)
			require.Equal(t, StageLipsync, toolErr.Stage)
			require.Contains(t, toolErr.Diagnostic, tc.want)
			requireEmptyDir(t, dir)
		})
	}
}

func TestRender_RejectsUnsafeBeatID(t *testing.T) {
	synth := &fakeSynth{audio: []byte("mp3")}
	r, _ := newTestRenderer(t, synth, &fakeConverter{}, &fakeExtractor{})
	for _, id := range []string{"", "../etc/passwd", "a b", "x;rm -rf"} {
		_, err := r.Render(context.Background(), domain.BeatPlan{Text: "hi"}, id)
		require.Error(t, err, "id=%q", id)
	}
	require.Empty(t, synth.texts)
}

// TestRender_WithExternalTools runs the real subprocess wrappers against tiny
// shell scripts standing in for ffmpeg and rhubarb.
func TestRender_WithExternalTools(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	bin := t.TempDir()
	fakeFFmpeg := filepath.Join(bin, "ffmpeg")
	// args: -y -loglevel error -i <src> <dst>
	require.NoError(t, os.WriteFile(fakeFFmpeg, []byte("#!/bin/sh\ncp \"$5\" \"$6\"\n"), 0o755))
	fakeRhubarb := filepath.Join(bin, "rhubarb")
	// args: -f json -o <out> <wav> -r phonetic
	script := "#!/bin/sh\n[ \"$7\" = phonetic ] || { echo \"bad recognizer $7\" >&2; exit 4; }\n" +
		"printf '%s' '{\"metadata\":{\"soundFile\":\"x\",\"duration\":0.5},\"mouthCues\":[{\"start\":0,\"end\":0.5,\"value\":\"A\"}]}' > \"$4\"\n"
	require.NoError(t, os.WriteFile(fakeRhubarb, []byte(script), 0o755))

	conv, err := ffmpeg.New(fakeFFmpeg, subprocess.ExecRunner{})
	require.NoError(t, err)
	ext, err := rhubarb.New(fakeRhubarb, subprocess.ExecRunner{})
	require.NoError(t, err)

	audio := []byte("ID3 fake mp3 payload")
	r, dir := newTestRenderer(t, &fakeSynth{audio: audio}, conv, ext)
	beat, err := r.Render(context.Background(), domain.BeatPlan{Text: "Water early."}, "turn_message_0")
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString(audio), beat.Audio)
	require.Equal(t, []domain.MouthCue{{Start: 0, End: 0.5, Value: "A"}}, beat.Lipsync.MouthCues)
	requireEmptyDir(t, dir)

	badExt, err := rhubarb.New(fakeRhubarb, subprocess.ExecRunner{}, rhubarb.WithRecognizer("pocketSphinx"))
	require.NoError(t, err)
	r, _ = newTestRenderer(t, &fakeSynth{audio: audio}, conv, badExt)
	_, err = r.Render(context.Background(), domain.BeatPlan{Text: "Water early."}, "turn_message_1")
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, StageLipsync, toolErr.Stage)
	require.Equal(t, "bad recognizer pocketSphinx", toolErr.Diagnostic)
}
