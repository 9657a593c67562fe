package exec_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/audio/wavfile"
	"github.com/MrWong99/npustt/pkg/provider/stt"
	"github.com/MrWong99/npustt/pkg/provider/stt/exec"
)

const (
	helperEnv     = "NPUSTT_WANT_HELPER_PROCESS"
	helperFailEnv = "NPUSTT_HELPER_FAIL_INFER"
	helperStride  = 320
	helperVocab   = `{"<pad>": 0, "<s>": 1, "</s>": 2, "<unk>": 3, "|": 4, "H": 5, "I": 6}`
)

// TestHelperProcess is not a real test. It is re-executed by the backend
// under test and plays the role of the external inference runner.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) > 0 {
		args = args[1:]
	}
	os.Exit(helperMain(args))
}

func helperMain(args []string) int {
	flags := map[string]string{}
	probe := false
	for i := 0; i < len(args); i++ {
		if args[i] == "--probe" {
			probe = true
			continue
		}
		if i+1 < len(args) {
			flags[args[i]] = args[i+1]
			i++
		}
	}
	if flags["--device"] == stt.DeviceGPU {
		fmt.Fprintln(os.Stderr, "no GPU plugin")
		return 1
	}
	if probe {
		n, _ := strconv.Atoi(flags["--static-length"])
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"name":                "helper-ctc",
			"device":              flags["--device"],
			"static_input_length": n,
			"output_stride":       helperStride,
			"sample_rate":         16000,
		})
		return 0
	}
	if os.Getenv(helperFailEnv) == "1" {
		fmt.Fprintln(os.Stderr, "device lost")
		return 2
	}
	f, err := os.Open(flags["--audio"])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	defer f.Close()
	samples, _, err := wavfile.Decode(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}

	// Loud frames spell "HI"; everything else is blank.
	frames := len(samples) / helperStride
	const vocab = 7
	data := make([]float32, frames*vocab)
	loud := 0
	for i := range frames {
		tok := 0
		if audio.RMS(samples[i*helperStride:(i+1)*helperStride]) > 0.05 {
			switch loud {
			case 0:
				tok = 5
			case 1:
				tok = 6
			}
			loud++
		}
		data[i*vocab+tok] = 1
	}
	_ = json.NewEncoder(os.Stdout).Encode(map[string]any{"frames": frames, "vocab": vocab, "data": data})
	return 0
}

// newBackend returns a Backend that re-executes this test binary as helper
// and a model directory holding a vocab.json.
func newBackend(t *testing.T) (*exec.Backend, string) {
	t.Helper()
	t.Setenv(helperEnv, "1")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vocab.json"), []byte(helperVocab), 0o644); err != nil {
		t.Fatalf("write vocab: %v", err)
	}
	b, err := exec.New(fmt.Sprintf("%q -test.run=TestHelperProcess --", os.Args[0]), exec.WithTempDir(t.TempDir()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, dir
}

func TestNew_EmptyCommand(t *testing.T) {
	if _, err := exec.New("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestNew_UnbalancedQuotes(t *testing.T) {
	if _, err := exec.New(`runner "--model`); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPrepare_ReportsMetadata(t *testing.T) {
	b, dir := newBackend(t)
	m, err := b.Prepare(context.Background(), stt.PrepareConfig{
		ModelLocation:     dir,
		Device:            stt.DeviceNPU,
		StaticInputLength: 32000,
		SampleRate:        16000,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer m.Close()

	meta := m.Metadata()
	want := stt.Metadata{Name: "helper-ctc", Device: stt.DeviceNPU, StaticInputLength: 32000, OutputStride: helperStride, SampleRate: 16000}
	if meta != want {
		t.Errorf("Metadata = %+v, want %+v", meta, want)
	}
}

func TestPrepare_Failures(t *testing.T) {
	b, dir := newBackend(t)
	tests := []struct {
		name string
		cfg  stt.PrepareConfig
	}{
		{"empty location", stt.PrepareConfig{Device: stt.DeviceCPU}},
		{"missing vocabulary", stt.PrepareConfig{ModelLocation: t.TempDir(), Device: stt.DeviceCPU}},
		{"device refused", stt.PrepareConfig{ModelLocation: dir, Device: stt.DeviceGPU}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Prepare(context.Background(), tc.cfg)
			if !errors.Is(err, stt.ErrBackendUnavailable) {
				t.Errorf("Prepare = %v, want ErrBackendUnavailable", err)
			}
		})
	}
}

func TestInfer_RoundTrip(t *testing.T) {
	b, dir := newBackend(t)
	m, err := b.Prepare(context.Background(), stt.PrepareConfig{
		ModelLocation:     dir,
		Device:            stt.DeviceCPU,
		StaticInputLength: 16000,
		SampleRate:        16000,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	samples := make([]float32, 16000)
	for i := range 3 * helperStride {
		samples[i] = 0.5
	}
	out, err := m.Infer(context.Background(), samples)
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if out.Frames() != 50 {
		t.Errorf("Frames = %d, want 50", out.Frames())
	}
	text, err := m.Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "HI" {
		t.Errorf("Decode = %q, want %q", text, "HI")
	}
}

func TestInfer_WrongLength(t *testing.T) {
	b, dir := newBackend(t)
	m, err := b.Prepare(context.Background(), stt.PrepareConfig{ModelLocation: dir, Device: stt.DeviceCPU, StaticInputLength: 16000, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := m.Infer(context.Background(), make([]float32, 100)); !errors.Is(err, stt.ErrInputLength) {
		t.Errorf("Infer = %v, want ErrInputLength", err)
	}
}

func TestInfer_HelperFailure(t *testing.T) {
	b, dir := newBackend(t)
	m, err := b.Prepare(context.Background(), stt.PrepareConfig{ModelLocation: dir, Device: stt.DeviceCPU, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Setenv(helperFailEnv, "1")
	if _, err := m.Infer(context.Background(), make([]float32, 640)); err == nil {
		t.Fatal("expected error from failing helper")
	}
}

func TestInfer_AfterClose(t *testing.T) {
	b, dir := newBackend(t)
	m, err := b.Prepare(context.Background(), stt.PrepareConfig{ModelLocation: dir, Device: stt.DeviceCPU, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = m.Close()
	if _, err := m.Infer(context.Background(), make([]float32, 640)); !errors.Is(err, stt.ErrModelClosed) {
		t.Errorf("Infer = %v, want ErrModelClosed", err)
	}
}

func TestDecode_RejectsForeignOutput(t *testing.T) {
	b, dir := newBackend(t)
	m, err := b.Prepare(context.Background(), stt.PrepareConfig{ModelLocation: dir, Device: stt.DeviceCPU, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := m.Decode(stt.Segments{}); err == nil {
		t.Fatal("expected error decoding segments with a CTC model")
	}
}
