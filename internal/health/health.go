// Package health serves the transcriber's liveness and readiness endpoints.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs every
// registered [Checker] and reports one of three states:
//
//   - ok: every check passed.
//   - degraded: only optional checks failed. A sink is unreachable, but audio
//     is still being transcribed. Served with 200.
//   - fail: a required check failed, for example the model is not prepared,
//     the pipeline is stopped or the circuit breaker is open. Served with 503.
//
// Details registered with [WithDetail] are snapshotted into the readiness
// body, so a scraper sees pipeline counters and breaker state next to the
// check results.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// defaultCheckTimeout bounds a single check unless [WithCheckTimeout] says
// otherwise.
const defaultCheckTimeout = 5 * time.Second

// Status is the outcome of a readiness evaluation or of one check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name is the key of this check in the readiness body.
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error

	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// AsOptional returns a copy of c whose failure only degrades readiness.
func (c Checker) AsOptional() Checker {
	c.Optional = true
	return c
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status    Status  `json:"status"`
	Error     string  `json:"error,omitempty"`
	Optional  bool    `json:"optional,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Report is the readiness body.
type Report struct {
	Status  Status                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Details map[string]any         `json:"details,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithDetail attaches the value returned by fn under name to every readiness
// report. fn is called once per request and must be safe for concurrent use.
func WithDetail(name string, fn func() any) Option {
	return func(h *Handler) {
		if fn != nil {
			h.details = append(h.details, detail{name: name, fn: fn})
		}
	}
}

// WithCheckTimeout overrides the per-check deadline.
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

type detail struct {
	name string
	fn   func() any
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction; it is safe for concurrent use.
type Handler struct {
	checkers []Checker
	details  []detail
	timeout  time.Duration
}

// New returns a Handler that evaluates checkers in order on each /readyz
// request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  defaultCheckTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs every checker and snapshots every detail.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: StatusOK}
	if len(h.checkers) > 0 {
		rep.Checks = make(map[string]CheckResult, len(h.checkers))
	}
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		start := time.Now()
		err := c.Check(cctx)
		cancel()

		res := CheckResult{
			Status:    StatusOK,
			Optional:  c.Optional,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			res.Status = StatusFail
			res.Error = err.Error()
			switch {
			case !c.Optional:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
		}
		rep.Checks[c.Name] = res
	}

	if len(h.details) > 0 {
		rep.Details = make(map[string]any, len(h.details))
		for _, d := range h.details {
			rep.Details[d.name] = d.fn()
		}
	}
	return rep
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 200 for ok and degraded reports and 503 when a required
// check failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if rep.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
