// Package exec provides an stt.Backend that delegates inference to an
// external helper process, typically a small runner around an accelerator
// toolkit (OpenVINO, ONNX Runtime) that this module cannot link directly.
//
// The helper is invoked in two modes.
//
// Probe, once per Prepare:
//
//	<command> --probe --model <location> --device <device> --sample-rate <rate> [--static-length <n>]
//
// It must compile or load the model and print the model metadata as JSON:
//
//	{"name": "wav2vec2-base", "device": "NPU", "static_input_length": 480000, "output_stride": 320, "sample_rate": 16000}
//
// Infer, once per utterance:
//
//	<command> --model <location> --device <device> --audio <file.wav>
//
// The audio is a 16-bit mono WAV file. The helper prints the CTC logits:
//
//	{"frames": 1500, "vocab": 32, "data": [ ...frames*vocab floats... ]}
//
// Token ids are resolved through a vocab.json (token→id) file that lives next
// to the model unless the "vocab" option names another path.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/MrWong99/npustt/pkg/audio/wavfile"
	"github.com/MrWong99/npustt/pkg/provider/stt"
)

// Compile-time assertion that Backend satisfies stt.Backend.
var _ stt.Backend = (*Backend)(nil)

// Backend runs an external helper command.
type Backend struct {
	cmd     []string
	tempDir string
}

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithTempDir sets the directory used for the per-utterance WAV files.
// Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(b *Backend) { b.tempDir = dir }
}

// New parses command with shell quoting rules and returns a Backend that
// runs it. command must not be empty.
func New(command string, opts ...Option) (*Backend, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("exec: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("exec: command must not be empty")
	}
	b := &Backend{cmd: args}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

type probeResult struct {
	Name              string `json:"name"`
	Device            string `json:"device"`
	StaticInputLength int    `json:"static_input_length"`
	OutputStride      int    `json:"output_stride"`
	SampleRate        int    `json:"sample_rate"`
}

type inferResult struct {
	Frames int       `json:"frames"`
	Vocab  int       `json:"vocab"`
	Data   []float32 `json:"data"`
}

// Prepare probes the helper and loads the vocabulary. Any failure wraps
// stt.ErrBackendUnavailable.
func (b *Backend) Prepare(ctx context.Context, cfg stt.PrepareConfig) (stt.Model, error) {
	if cfg.ModelLocation == "" {
		return nil, stt.Unavailable("exec: model location must not be empty")
	}
	vocabPath := cfg.Options["vocab"]
	if vocabPath == "" {
		vocabPath = defaultVocabPath(cfg.ModelLocation)
	}
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, stt.Unavailable("exec: open vocabulary: %w", err)
	}
	vocab, err := stt.LoadVocabulary(f)
	f.Close()
	if err != nil {
		return nil, stt.Unavailable("exec: %w", err)
	}

	args := []string{"--probe", "--model", cfg.ModelLocation, "--device", cfg.Device}
	if cfg.SampleRate > 0 {
		args = append(args, "--sample-rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.StaticInputLength > 0 {
		args = append(args, "--static-length", strconv.Itoa(cfg.StaticInputLength))
	}
	out, err := b.run(ctx, args...)
	if err != nil {
		return nil, stt.Unavailable("exec: probe %s on %s: %w", cfg.ModelLocation, cfg.Device, err)
	}
	var probe probeResult
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, stt.Unavailable("exec: decode probe response: %w", err)
	}
	if probe.OutputStride < 0 || probe.StaticInputLength < 0 {
		return nil, stt.Unavailable("exec: probe reported negative shape (stride %d, length %d)", probe.OutputStride, probe.StaticInputLength)
	}

	meta := stt.Metadata{
		Name:              probe.Name,
		Device:            probe.Device,
		StaticInputLength: probe.StaticInputLength,
		OutputStride:      probe.OutputStride,
		SampleRate:        probe.SampleRate,
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(cfg.ModelLocation)
	}
	if meta.Device == "" {
		meta.Device = cfg.Device
	}
	if meta.SampleRate == 0 {
		meta.SampleRate = cfg.SampleRate
	}
	return &model{
		backend: b,
		meta:    meta,
		loc:     cfg.ModelLocation,
		decoder: stt.NewGreedyCTC(vocab),
	}, nil
}

// run executes the helper with extra args and returns its stdout.
func (b *Backend) run(ctx context.Context, extra ...string) ([]byte, error) {
	args := append(append([]string{}, b.cmd[1:]...), extra...)
	command := osexec.CommandContext(ctx, b.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func defaultVocabPath(loc string) string {
	if fi, err := os.Stat(loc); err == nil && fi.IsDir() {
		return filepath.Join(loc, "vocab.json")
	}
	return filepath.Join(filepath.Dir(loc), "vocab.json")
}

// model is a prepared helper-backed model.
type model struct {
	backend *Backend
	meta    stt.Metadata
	loc     string
	decoder *stt.GreedyCTC

	mu     sync.Mutex
	closed bool
}

func (m *model) Metadata() stt.Metadata { return m.meta }

// Infer writes samples to a temporary WAV file and runs the helper on it.
func (m *model) Infer(ctx context.Context, samples []float32) (stt.Output, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, stt.ErrModelClosed
	}
	if n := m.meta.StaticInputLength; n > 0 && len(samples) != n {
		return nil, fmt.Errorf("exec: %w: got %d samples, want %d", stt.ErrInputLength, len(samples), n)
	}

	file, err := os.CreateTemp(m.backend.tempDir, "npustt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("exec: temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := wavfile.Encode(file, samples, m.meta.SampleRate); err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	out, err := m.backend.run(ctx, "--model", m.loc, "--device", m.meta.Device, "--audio", file.Name())
	if err != nil {
		return nil, fmt.Errorf("exec: infer: %w", err)
	}
	var res inferResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("exec: decode infer response: %w", err)
	}
	if res.Frames < 0 || res.Vocab <= 0 || len(res.Data) != res.Frames*res.Vocab {
		return nil, fmt.Errorf("exec: malformed logits: %d frames × %d vocab with %d scores", res.Frames, res.Vocab, len(res.Data))
	}
	return &stt.Logits{NumFrames: res.Frames, Vocab: res.Vocab, Data: res.Data}, nil
}

// Decode greedily decodes CTC logits.
func (m *model) Decode(out stt.Output) (string, error) {
	l, ok := out.(*stt.Logits)
	if !ok {
		return "", fmt.Errorf("exec: cannot decode %T", out)
	}
	text, err := m.decoder.Decode(l)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	return text, nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
