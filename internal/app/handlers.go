package app

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/npustt/internal/observe"
	"github.com/MrWong99/npustt/internal/pipeline"
	"github.com/MrWong99/npustt/internal/sink"
)

// statsResponse is the body of GET /stats.
type statsResponse struct {
	Pipeline          pipeline.Stats `json:"pipeline"`
	Model             string         `json:"model"`
	Device            string         `json:"device"`
	StaticInputLength int            `json:"static_input_length"`
	OutputStride      int            `json:"output_stride"`
	Breaker           string         `json:"circuit_breaker,omitempty"`
}

// Handler returns the operator HTTP surface:
//
//	GET /healthz       liveness
//	GET /readyz        readiness of model, pipeline, breaker and sinks
//	GET /metrics       Prometheus exposition
//	GET /stats         pipeline counters and model shape as JSON
//	GET /transcripts   recent journal entries of this session (journal only)
//
// Every route goes through [observe.Middleware].
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", a.handleStats)
	if a.journal != nil {
		mux.HandleFunc("GET /transcripts", a.handleTranscripts)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	meta := a.adapter.Metadata()
	res := statsResponse{
		Pipeline:          a.pipeline.Stats(),
		Model:             meta.Name,
		Device:            meta.Device,
		StaticInputLength: a.adapter.StaticInputLength(),
		OutputStride:      a.adapter.OutputStride(),
	}
	if a.breaker != nil {
		res.Breaker = a.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		session = a.sessionID
	}
	msgs, err := a.journal.Utterances(r.Context(), session, limit)
	if err != nil {
		observe.Logger(r.Context()).Error("app: list transcripts", "session_id", session, "err", err)
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []sink.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
