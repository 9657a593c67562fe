// Package app wires the npustt subsystems into a running transcriber.
//
// The App struct owns the full lifecycle: New prepares the model and connects
// every sink, Run streams audio until the source ends or the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject collaborators through [Providers] and functional
// options (WithOutput, WithMetrics, WithSessionID). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/npustt/internal/config"
	"github.com/MrWong99/npustt/internal/health"
	"github.com/MrWong99/npustt/internal/inference"
	"github.com/MrWong99/npustt/internal/observe"
	"github.com/MrWong99/npustt/internal/pipeline"
	"github.com/MrWong99/npustt/internal/resilience"
	"github.com/MrWong99/npustt/internal/sink"
	"github.com/MrWong99/npustt/internal/sink/journal"
	"github.com/MrWong99/npustt/internal/sink/natsbus"
	"github.com/MrWong99/npustt/internal/sink/pgjournal"
	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/provider/stt"
	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// Providers holds the three collaborators of a transcription run. Populated
// by main.go via the config registry.
type Providers struct {
	Backend    stt.Backend
	Classifier vad.Classifier
	Source     audio.Source
}

// Journal is a queryable transcript store. Both the SQLite and the
// PostgreSQL journal implement it.
type Journal interface {
	pipeline.Sink
	health.Pinger
	Utterances(ctx context.Context, sessionID string, limit int) ([]sink.Message, error)
	Close() error
}

var (
	_ Journal = (*journal.Journal)(nil)
	_ Journal = (*pgjournal.Journal)(nil)
)

// App owns all subsystem lifetimes of one transcription session.
type App struct {
	cfg       *config.Config
	providers *Providers

	out       io.Writer
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	sessionID string
	extra     []pipeline.Sink

	// Subsystems, initialised in New and torn down in Shutdown.
	breaker  *resilience.CircuitBreaker
	adapter  *inference.Adapter
	journal  Journal
	bus      *natsbus.Publisher
	embedded *natsbus.Embedded
	pipeline *pipeline.Pipeline
	health   *health.Handler
	server   *http.Server
	listener net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithOutput sets where transcripts are printed. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithSink adds s after the configured sinks.
func WithSink(s pipeline.Sink) Option {
	return func(a *App) { a.extra = append(a.extra, s) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New prepares the model, opens the configured sinks and builds the pipeline.
// Nothing is read from the source yet.
//
// A model that cannot be prepared on any device fails with an error matching
// [inference.ErrBackendUnavailable]. Whatever was opened before the failure
// is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Classifier == nil || providers.Source == nil {
		return nil, errors.New("app: classifier and source are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}

	if err := a.init(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Model ─────────────────────────────────────────────────────────
	if err := a.initInference(ctx); err != nil {
		return fmt.Errorf("app: prepare model: %w", err)
	}

	// ── 2. Sinks ─────────────────────────────────────────────────────────
	out, err := a.initSinks(ctx)
	if err != nil {
		return fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	pc := a.cfg.Pipeline
	a.pipeline, err = pipeline.New(pipeline.Config{
		SampleRate:        a.cfg.Audio.SampleRate,
		VADThreshold:      a.cfg.Segmentation.VADThreshold,
		SilenceThreshold:  a.cfg.Segmentation.SilenceThreshold(),
		FrameQueueSize:    pc.FrameQueueSize,
		HandoffQueueSize:  pc.HandoffQueueSize,
		Backpressure:      pipeline.Backpressure(pc.Backpressure),
		ClassifierFailure: pipeline.ClassifierPolicy(pc.ClassifierFailure),
		InflightOnStop:    pipeline.InflightPolicy(pc.InflightOnStop),
		FlushOnStop:       pc.FlushOnStop,
		SessionID:         a.sessionID,
	}, a.providers.Source, a.providers.Classifier, a.adapter, out,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithIDGenerator(uuid.NewString),
	)
	if err != nil {
		return fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.initHealth()
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initInference builds the circuit breaker and prepares the adapter.
func (a *App) initInference(ctx context.Context) error {
	ic := a.cfg.Inference
	if ic.CircuitBreaker.MaxFailures > 0 {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "inference",
			MaxFailures:  ic.CircuitBreaker.MaxFailures,
			ResetTimeout: ic.CircuitBreaker.ResetTimeout,
		})
	}

	entry := a.cfg.Providers.STT
	opts := []inference.Option{inference.WithMetrics(a.metrics)}
	if a.breaker != nil {
		opts = append(opts, inference.WithCircuitBreaker(a.breaker))
	}
	adapter, err := inference.New(ctx, a.providers.Backend, inference.Config{
		ModelLocation:     entry.Model,
		Device:            ic.Device,
		DeviceFallbacks:   ic.DeviceFallbacks,
		StaticInputLength: ic.StaticInputLength(a.cfg.Audio.SampleRate),
		SampleRate:        a.cfg.Audio.SampleRate,
		OutputStride:      ic.OutputStride,
		Language:          ic.Language,
		Options:           entry.StringOptions(),
	}, opts...)
	if err != nil {
		return err
	}
	a.adapter = adapter
	a.closers = append(a.closers, adapter.Close)
	return nil
}

// initSinks opens the journal and the NATS publisher when configured and
// returns the fan-out sink the pipeline publishes to.
func (a *App) initSinks(ctx context.Context) (pipeline.Sink, error) {
	sc := a.cfg.Sinks
	sinks := []pipeline.Sink{sink.NewWriter(a.out, sc.Console.Timings)}
	if sc.Console.Log {
		sinks = append(sinks, sink.Log{})
	}

	if sc.Journal.Enabled() {
		j, err := openJournal(ctx, sc.Journal)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = j
		a.closers = append(a.closers, j.Close)
		sinks = append(sinks, j)
	}

	if sc.NATS.Enabled() {
		servers := sc.NATS.Servers
		if sc.NATS.Embedded {
			e, err := natsbus.StartEmbedded(sc.NATS.EmbeddedHost, sc.NATS.EmbeddedPort)
			if err != nil {
				return nil, fmt.Errorf("start embedded nats: %w", err)
			}
			a.embedded = e
			a.closers = append(a.closers, func() error { e.Shutdown(); return nil })
			servers = []string{e.URL()}
		}
		bus, err := natsbus.Connect(natsbus.Config{
			Servers:       servers,
			SubjectPrefix: sc.NATS.SubjectPrefix,
			Token:         sc.NATS.Token,
			Username:      sc.NATS.Username,
			Password:      sc.NATS.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.bus = bus
		a.closers = append(a.closers, bus.Close)
		sinks = append(sinks, bus)
	}

	sinks = append(sinks, a.extra...)
	return sink.Multi(sinks...), nil
}

func openJournal(ctx context.Context, cfg config.JournalSinkConfig) (Journal, error) {
	if cfg.DSN != "" {
		return pgjournal.Open(ctx, pgjournal.Config{
			DSN:           cfg.DSN,
			RetentionDays: cfg.RetentionDays,
			MaxSessions:   cfg.MaxSessions,
		})
	}
	return journal.Open(ctx, journal.Config{
		Path:          cfg.Path,
		RetentionDays: cfg.RetentionDays,
		MaxSessions:   cfg.MaxSessions,
	})
}

// initHealth registers one readiness checker per subsystem. Sinks are
// optional: while one is down the transcriber reports degraded but keeps
// serving.
func (a *App) initHealth() {
	checkers := []health.Checker{
		health.Ready("model", func() bool { return a.adapter != nil }),
		health.Running("pipeline", a.pipeline.Running),
	}
	opts := []health.Option{
		health.WithDetail("pipeline", func() any { return a.pipeline.Stats() }),
	}
	if a.breaker != nil {
		checkers = append(checkers, health.Breaker(a.breaker))
		opts = append(opts, health.WithDetail("circuit_breaker", health.BreakerDetail(a.breaker)))
	}
	if a.journal != nil {
		checkers = append(checkers, health.Ping("journal", a.journal).AsOptional())
	}
	if a.bus != nil {
		checkers = append(checkers, health.Connected("nats", a.bus.Healthy).AsOptional())
	}
	a.health = health.New(checkers, opts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server when server.listen_addr is set and streams audio
// until the source ends or ctx is cancelled. The pipeline's stop policies
// decide what happens to buffered speech.
func (a *App) Run(ctx context.Context) error {
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		if err := a.serve(addr); err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
	}

	slog.Info("transcriber started",
		"session_id", a.sessionID,
		"device", a.adapter.Metadata().Device,
		"model", a.adapter.Metadata().Name,
	)
	err := a.pipeline.Run(ctx)
	st := a.pipeline.Stats()
	slog.Info("transcriber stopped",
		"session_id", a.sessionID,
		"utterances", st.Utterances,
		"transcribed", st.Transcribed,
		"failed", st.Failed,
		"dropped", st.Dropped,
	)
	return err
}

func (a *App) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("app: http server failed", "addr", addr, "err", err)
		}
	}()
	slog.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the HTTP server's bound address, or "" before Run or when the
// server is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// SessionID returns the identifier attached to every event of this run.
func (a *App) SessionID() string { return a.sessionID }

// Pipeline returns the running pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Adapter returns the prepared inference adapter.
func (a *App) Adapter() *inference.Adapter { return a.adapter }

// Journal returns the transcript journal, or nil when disabled.
func (a *App) Journal() Journal { return a.journal }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and closes every subsystem in reverse-init
// order, so the NATS connection drains before an embedded server stops. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every closer registered so far, for a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("app: cleanup after failed start", "err", err)
		}
	}
	a.closers = nil
}
