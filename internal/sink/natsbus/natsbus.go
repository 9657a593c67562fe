// Package natsbus publishes pipeline events as JSON on NATS subjects.
//
// Transcripts go to "<prefix>.final"; failures and drops go to
// "<prefix>.failed". The default prefix is "stt.transcript". For single-host
// deployments [StartEmbedded] runs an in-process NATS server.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/MrWong99/npustt/internal/pipeline"
	"github.com/MrWong99/npustt/internal/sink"
)

// DefaultSubjectPrefix is prepended to the final/failed subject suffixes.
const DefaultSubjectPrefix = "stt.transcript"

// Config configures a [Publisher].
type Config struct {
	// Servers are NATS URLs, e.g. "nats://127.0.0.1:4222".
	Servers []string

	// Name identifies the connection on the server. Default: "npustt".
	Name string

	// SubjectPrefix overrides [DefaultSubjectPrefix].
	SubjectPrefix string

	// Token and Username/Password are optional credentials.
	Token    string
	Username string
	Password string

	// ConnectTimeout bounds the initial connection. Default: 2s.
	ConnectTimeout time.Duration
}

// Publisher is a [pipeline.Sink] backed by a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	closed chan struct{}
	final  string
	failed string
}

// drainTimeout bounds how long Close waits for the drain to finish.
const drainTimeout = 5 * time.Second

// Connect dials the configured servers.
func Connect(cfg Config) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("natsbus: no servers configured")
	}
	if cfg.Name == "" {
		cfg.Name = "npustt"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("natsbus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("natsbus: reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect to %s: %w", url, err)
	}
	slog.Info("natsbus: connected", "servers", url, "subject_prefix", prefix)
	return &Publisher{conn: conn, closed: closed, final: prefix + ".final", failed: prefix + ".failed"}, nil
}

// Subject returns the subject an event of kind k is published on.
func (p *Publisher) Subject(k pipeline.Kind) string {
	if k == pipeline.KindTranscript {
		return p.final
	}
	return p.failed
}

// Publish sends ev as a JSON [sink.Message].
func (p *Publisher) Publish(_ context.Context, ev pipeline.Event) error {
	data, err := json.Marshal(sink.NewMessage(ev))
	if err != nil {
		return fmt.Errorf("natsbus: encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", ev.UtteranceID, err)
	}
	return nil
}

// flushTimeout bounds Flush when ctx carries no deadline.
const flushTimeout = 5 * time.Second

// Flush waits until the server has processed everything published so far.
// Without a deadline on ctx it waits at most flushTimeout.
func (p *Publisher) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("natsbus: flush: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains pending messages, closes the connection and waits until the
// connection is fully closed.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		return fmt.Errorf("natsbus: drain: %w", err)
	}
	select {
	case <-p.closed:
		return nil
	case <-time.After(drainTimeout + time.Second):
		p.conn.Close()
		return errors.New("natsbus: drain timed out")
	}
}

var _ pipeline.Sink = (*Publisher)(nil)

// Embedded is an in-process NATS server.
type Embedded struct {
	ns *server.Server
}

// StartEmbedded starts a NATS server listening on host:port. A port of -1
// picks a random free port.
func StartEmbedded(host string, port int) (*Embedded, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: create embedded server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("natsbus: embedded server failed to start within 5 seconds")
	}
	slog.Info("natsbus: embedded server started", "url", ns.ClientURL())
	return &Embedded{ns: ns}, nil
}

// URL returns the client URL of the server.
func (e *Embedded) URL() string { return e.ns.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
