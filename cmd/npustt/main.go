// Command npustt transcribes a live or recorded audio stream on a fixed-shape
// accelerator model, printing one line per detected utterance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/npustt/internal/app"
	"github.com/MrWong99/npustt/internal/config"
	"github.com/MrWong99/npustt/internal/inference"
	"github.com/MrWong99/npustt/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty; the default exec backend then needs -stt-command)")
	var cli cliFlags
	flag.StringVar(&cli.input, "input", "", "transcribe this WAV file instead of the configured source")
	flag.BoolVar(&cli.synthetic, "synthetic", false, "transcribe a generated speech/silence pattern instead of the configured source")
	flag.BoolVar(&cli.flush, "flush", false, "transcribe a partial utterance still buffered when the stream stops")
	flag.StringVar(&cli.device, "device", "", "override inference.device (NPU, CPU, GPU)")
	flag.StringVar(&cli.sttCommand, "stt-command", "", "run this inference helper with the exec backend (overrides providers.stt)")
	flag.Parse()

	if cli.input != "" && cli.synthetic {
		fmt.Fprintln(os.Stderr, "npustt: -input and -synthetic are mutually exclusive")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "npustt: config file %q not found; run without -config to use the defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "npustt: %v\n", err)
		}
		return 1
	}
	applyFlags(cfg, cli)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "npustt: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(levelVar))

	slog.Info("npustt starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Providers.Source.Name,
		"stt", cfg.Providers.STT.Name,
		"device", cfg.Inference.Device,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers, app.WithLevelVar(levelVar))
	if err != nil {
		if errors.Is(err, inference.ErrBackendUnavailable) {
			slog.Error("no device could prepare the model", "device", cfg.Inference.Device,
				"fallbacks", cfg.Inference.DeviceFallbacks, "err", err)
		} else {
			slog.Error("failed to initialise application", "err", err)
		}
		_ = providers.Source.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("listening; press Ctrl+C to stop")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// cliFlags are the command-line overrides applied on top of the config file.
type cliFlags struct {
	input      string
	synthetic  bool
	flush      bool
	device     string
	sttCommand string
}

// applyFlags lets command-line flags override the loaded configuration.
func applyFlags(cfg *config.Config, f cliFlags) {
	switch {
	case f.input != "":
		cfg.Providers.Source = config.ProviderEntry{
			Name:    "wav",
			Options: map[string]any{"path": f.input},
		}
	case f.synthetic:
		cfg.Providers.Source = config.ProviderEntry{Name: "synthetic"}
	}
	if f.sttCommand != "" {
		cfg.Providers.STT = config.ProviderEntry{
			Name:    "exec",
			Model:   cfg.Providers.STT.Model,
			Options: map[string]any{"command": f.sttCommand},
		}
	}
	if f.flush {
		cfg.Pipeline.FlushOnStop = true
	}
	if f.device != "" {
		cfg.Inference.Device = strings.ToUpper(f.device)
	}
}

func initTelemetry(ctx context.Context, tc config.TelemetryConfig) (func(context.Context) error, error) {
	exp, err := observe.NewTraceExporter(ctx, observe.ExporterConfig{
		Kind:     tc.TraceExporter,
		Endpoint: tc.OTLPEndpoint,
		Insecure: tc.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}
	return observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: version,
		TraceExporter:  exp,
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║         npustt: startup summary       ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("Source", entryValue(cfg.Providers.Source.Name, cfg.Providers.Source.OptionString("path")))
	printRow("VAD", entryValue(cfg.Providers.VAD.Name, ""))
	printRow("STT", entryValue(cfg.Providers.STT.Name, cfg.Providers.STT.Model))
	printRow("Device", cfg.Inference.Device+" > "+strings.Join(cfg.Inference.DeviceFallbacks, ","))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("Silence", cfg.Segmentation.SilenceThreshold().String())
	printRow("Journal", journalSummary(cfg.Sinks.Journal))
	nats := ""
	switch {
	case cfg.Sinks.NATS.Embedded:
		nats = "embedded"
	case len(cfg.Sinks.NATS.Servers) > 0:
		nats = strings.Join(cfg.Sinks.NATS.Servers, ",")
	}
	printRow("NATS", orDisabled(nats))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

// cellWidth is the value column width of the summary box, in runes.
const cellWidth = 19

func printRow(kind, value string) {
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", kind, fitCell(value, cellWidth))
}

// fitCell shortens s to at most width runes, marking the cut with an
// ellipsis.
func fitCell(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	return string(r[:width-1]) + "…"
}

// journalSummary names the journal backend without exposing credentials.
func journalSummary(j config.JournalSinkConfig) string {
	switch {
	case j.DSN != "":
		return "postgres " + redactDSN(j.DSN)
	case j.Path != "":
		return j.Path
	default:
		return orDisabled("")
	}
}

// redactDSN reduces a PostgreSQL connection string to host and database.
func redactDSN(dsn string) string {
	pc, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return "(invalid dsn)"
	}
	return fmt.Sprintf("%s/%s", pc.Host, pc.Database)
}

func entryValue(name, detail string) string {
	if name == "" {
		return "(not configured)"
	}
	if detail != "" {
		return name + " / " + detail
	}
	return name
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
