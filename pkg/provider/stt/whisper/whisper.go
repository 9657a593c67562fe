// Package whisper provides whisper.cpp-backed stt.Backend implementations.
//
// Two flavours are available. [Backend] talks to a running whisper-server
// binary over its REST API (POST /inference). [NativeBackend] links the
// whisper.cpp library through its CGO bindings and runs inference in
// process.
//
// whisper.cpp accepts variable-length input, so both report a zero
// StaticInputLength and the caller passes utterances through unpadded. Their
// output is [stt.Segments]; one output frame is [stt.SegmentResolution] (10
// ms) of audio, so the reported OutputStride is sampleRate/100.
//
// Usage:
//
//	b, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	m, err := b.Prepare(ctx, stt.PrepareConfig{Device: "CPU", SampleRate: 16000})
//	out, err := m.Infer(ctx, samples)
//	text, err := m.Decode(out)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/npustt/pkg/audio/wavfile"
	"github.com/MrWong99/npustt/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Compile-time assertion that Backend implements stt.Backend.
var _ stt.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with, which is the default.
func WithModel(model string) Option {
	return func(b *Backend) {
		b.model = model
	}
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en". A PrepareConfig.Language takes
// precedence.
func WithLanguage(lang string) Option {
	return func(b *Backend) {
		b.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Defaults to a client with a 60 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = c
	}
}

// Backend implements stt.Backend against a whisper.cpp HTTP server.
type Backend struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Backend for the whisper.cpp HTTP server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Backend, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	b := &Backend{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Prepare checks that the server answers and returns a model handle. The
// server decides on which device it runs; cfg.Device is only recorded.
func (b *Backend) Prepare(ctx context.Context, cfg stt.PrepareConfig) (stt.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverURL+"/", nil)
	if err != nil {
		return nil, stt.Unavailable("whisper: create probe request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, stt.Unavailable("whisper: server %s unreachable: %w", b.serverURL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, stt.Unavailable("whisper: server %s returned HTTP %d", b.serverURL, resp.StatusCode)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	lang := cfg.Language
	if lang == "" {
		lang = b.language
	}
	name := b.model
	if name == "" {
		name = "whisper-server"
	}
	return &serverModel{
		backend:  b,
		language: lang,
		meta: stt.Metadata{
			Name:         name,
			Device:       cfg.Device,
			OutputStride: sr / 100,
			SampleRate:   sr,
		},
	}, nil
}

// serverModel is a prepared handle on a whisper.cpp server.
type serverModel struct {
	backend  *Backend
	language string
	meta     stt.Metadata

	mu     sync.Mutex
	closed bool
}

func (m *serverModel) Metadata() stt.Metadata { return m.meta }

// verboseResponse is the subset of whisper-server's verbose_json output we
// read. Timestamps are in seconds.
type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Infer encodes samples as a WAV file and POSTs it to the /inference endpoint
// as multipart/form-data.
func (m *serverModel) Infer(ctx context.Context, samples []float32) (stt.Output, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, stt.ErrModelClosed
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	wavData, err := wavfile.EncodeBytes(samples, m.meta.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("whisper: encode wav: %w", err)
	}
	if _, err := fw.Write(wavData); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if m.language != "" {
		if err := mw.WriteField("language", m.language); err != nil {
			return nil, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if m.backend.model != "" {
		if err := mw.WriteField("model", m.backend.model); err != nil {
			return nil, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.backend.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.backend.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	var result verboseResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	if len(result.Segments) == 0 {
		if strings.TrimSpace(result.Text) == "" {
			return stt.Segments{}, nil
		}
		// Plain json responses carry no timing; attribute the text to the
		// whole buffer.
		end := time.Duration(len(samples)) * time.Second / time.Duration(m.meta.SampleRate)
		return stt.Segments{{Start: 0, End: end, Text: result.Text}}, nil
	}
	segs := make(stt.Segments, 0, len(result.Segments))
	for _, s := range result.Segments {
		segs = append(segs, stt.Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  s.Text,
		})
	}
	return segs, nil
}

func (m *serverModel) Decode(out stt.Output) (string, error) {
	return decodeSegments(out)
}

func (m *serverModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---- helpers ----------------------------------------------------------------

func decodeSegments(out stt.Output) (string, error) {
	segs, ok := out.(stt.Segments)
	if !ok {
		return "", fmt.Errorf("whisper: cannot decode %T", out)
	}
	return segs.Text(), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
