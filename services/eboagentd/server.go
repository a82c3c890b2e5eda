package eboagentd

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eboagent/native/ebo"
	"eboagent/observability"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// ActorSource exposes the live actors to the status surface.
type ActorSource interface {
	Snapshots() []ebo.Snapshot
	Snapshot(id ebo.RequestID) (ebo.Snapshot, bool)
	LastBlock() uint64
}

// JournalReader lists recent journal entries.
type JournalReader interface {
	Recent(limit int) ([]JournalEntry, error)
}

// Server is the read-only HTTP status surface of the agent.
type Server struct {
	actors  ActorSource
	journal JournalReader
	router  http.Handler
}

// NewServer builds the router.
func NewServer(actors ActorSource, journal JournalReader) *Server {
	srv := &Server{actors: actors, journal: journal}
	srv.router = srv.buildRouter()
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests(observability.StatusHTTP()))

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/actors", s.ListActors)
	r.Get("/actors/{requestID}", s.GetActor)
	r.Get("/journal", s.ListJournal)
	return r
}

func observeRequests(metrics *observability.StatusHTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.Observe(route, r.Method, status, time.Since(start))
		})
	}
}

type actorSummary struct {
	RequestID     string `json:"requestId"`
	ChainID       string `json:"chainId"`
	Epoch         uint64 `json:"epoch"`
	Status        string `json:"status"`
	Responses     int    `json:"responses"`
	Disputes      int    `json:"disputes"`
	QueuedEvents  int    `json:"queuedEvents"`
	LastProcessed string `json:"lastProcessed,omitempty"`
	Terminated    bool   `json:"terminated"`
}

type responseView struct {
	ID       string `json:"id"`
	Proposer string `json:"proposer"`
	Block    uint64 `json:"block"`
	At       uint64 `json:"createdAtBlock"`
}

type disputeView struct {
	ID         string `json:"id"`
	ResponseID string `json:"responseId"`
	Disputer   string `json:"disputer"`
	Status     string `json:"status"`
	At         uint64 `json:"createdAtBlock"`
}

type actorDetail struct {
	actorSummary
	ResponseList []responseView `json:"responseList"`
	DisputeList  []disputeView  `json:"disputeList"`
}

func summarize(snap ebo.Snapshot) actorSummary {
	out := actorSummary{
		RequestID:    snap.Request.ID.String(),
		ChainID:      string(snap.Request.ChainID),
		Epoch:        snap.Request.Epoch,
		Responses:    len(snap.Responses),
		Disputes:     len(snap.Disputes),
		QueuedEvents: snap.QueuedEvents,
		Terminated:   snap.Terminated,
	}
	if snap.Entity != nil {
		out.Status = string(snap.Entity.Status)
	}
	if snap.LastProcessed != nil {
		out.LastProcessed = snap.LastProcessed.String()
	}
	return out
}

// Healthz reports liveness and the last processed block.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"lastBlock": s.actors.LastBlock(),
	})
}

// ListActors summarises every live actor.
func (s *Server) ListActors(w http.ResponseWriter, _ *http.Request) {
	snaps := s.actors.Snapshots()
	out := make([]actorSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, summarize(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetActor returns one actor including its responses and disputes.
func (s *Server) GetActor(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if !isHash(raw) {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}
	snap, ok := s.actors.Snapshot(ebo.RequestID(common.HexToHash(raw)))
	if !ok {
		http.Error(w, "actor not found", http.StatusNotFound)
		return
	}
	detail := actorDetail{
		actorSummary: summarize(snap),
		ResponseList: make([]responseView, 0, len(snap.Responses)),
		DisputeList:  make([]disputeView, 0, len(snap.Disputes)),
	}
	for _, resp := range snap.Responses {
		detail.ResponseList = append(detail.ResponseList, responseView{
			ID:       resp.ID.String(),
			Proposer: resp.ProphetData.Proposer.Hex(),
			Block:    resp.DecodedData.Response.Block,
			At:       resp.CreatedAt.BlockNumber,
		})
	}
	for _, d := range snap.Disputes {
		detail.DisputeList = append(detail.DisputeList, disputeView{
			ID:         d.ID.String(),
			ResponseID: d.ProphetData.ResponseID.String(),
			Disputer:   d.ProphetData.Disputer.Hex(),
			Status:     d.Status.String(),
			At:         d.CreatedAt.BlockNumber,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListJournal returns the newest journal entries.
func (s *Server) ListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := defaultJournalLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func isHash(raw string) bool {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(trimmed) != 2*common.HashLength {
		return false
	}
	for _, c := range trimmed {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
