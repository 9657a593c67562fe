package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/provider/stt"
	"github.com/MrWong99/npustt/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNativePrepare_Unavailable(t *testing.T) {
	b := whisper.NewNative()
	tests := []struct {
		name string
		cfg  stt.PrepareConfig
	}{
		{"empty path", stt.PrepareConfig{Device: stt.DeviceCPU}},
		{"npu refused", stt.PrepareConfig{ModelLocation: "/models/ggml-base.bin", Device: stt.DeviceNPU}},
		{"invalid path", stt.PrepareConfig{ModelLocation: "/nonexistent/path/to/model.bin", Device: stt.DeviceCPU}},
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

func TestNativeInfer_SilenceYieldsNoText(t *testing.T) {
	modelPath := testModelPath(t)
	m, err := whisper.NewNative(whisper.WithNativeLanguage("en")).Prepare(context.Background(), stt.PrepareConfig{
		ModelLocation: modelPath,
		Device:        stt.DeviceCPU,
		SampleRate:    16000,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer m.Close()

	if got := m.Metadata().OutputStride; got != 160 {
		t.Errorf("OutputStride = %d, want 160", got)
	}
	out, err := m.Infer(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	text, err := m.Decode(out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	t.Logf("silence transcribed as %q", text)
}

func TestNativeInfer_SpeechLike(t *testing.T) {
	modelPath := testModelPath(t)
	m, err := whisper.NewNative().Prepare(context.Background(), stt.PrepareConfig{
		ModelLocation: modelPath,
		Device:        stt.DeviceCPU,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer m.Close()

	out, err := m.Infer(context.Background(), audio.SpeechLike(2*time.Second, 16000, 1))
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if _, err := m.Decode(out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestNativeClose_Idempotent(t *testing.T) {
	modelPath := testModelPath(t)
	m, err := whisper.NewNative().Prepare(context.Background(), stt.PrepareConfig{ModelLocation: modelPath, Device: stt.DeviceCPU})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
	if _, err := m.Infer(context.Background(), make([]float32, 160)); !errors.Is(err, stt.ErrModelClosed) {
		t.Errorf("Infer after Close = %v, want ErrModelClosed", err)
	}
}
