// Package httppoll implements the replication transport over HTTP: a producer
// side poll API and the matching client used by pullers. The protocol is a
// plain request/response poll; the producer never pushes.
package httppoll

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/pull"
)

const defaultQuantity = 50

// PollRequest is the consumer's poll: everything after from, capped at
// quantity. Consumer identifies the subscriber so per-consumer filters apply.
type PollRequest struct {
	Consumer string `json:"consumer"`
	From     int64  `json:"from"`
	Quantity int    `json:"quantity"`
}

type ServerConfig struct {
	Log   *slog.Logger
	Store *es.Store
	// Token guards the poll endpoints. Empty disables auth, for tests only.
	Token string
}

// Server exposes the producer side of the poll protocol for one store.
type Server struct {
	log    *slog.Logger
	store  *es.Store
	token  string
	router chi.Router
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &Server{
		log:   cfg.Log.With(slog.String("http", cfg.Store.StreamType())),
		store: cfg.Store,
		token: cfg.Token,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Route("/events", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/poll", s.handlePoll)
		r.Post("/streams/{streamID}/poll", s.handleStreamPoll)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePoll(w, r)
	if !ok {
		return
	}

	from, producer := clampFrom(req.From), s.store.CurrentVersion()
	if from >= producer {
		s.respond(w, pull.PollResponse{ProducerVersion: producer})
		return
	}

	events, err := s.store.EventsForConsumer(r.Context(), from, producer, req.Quantity, req.Consumer)
	if err != nil {
		s.log.Error("poll failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.respond(w, response(producer, events))
}

func (s *Server) handleStreamPoll(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePoll(w, r)
	if !ok {
		return
	}
	streamID := chi.URLParam(r, "streamID")

	from, producer := clampFrom(req.From), s.store.CurrentVersion()
	if from >= producer {
		s.respond(w, pull.PollResponse{ProducerVersion: producer})
		return
	}

	// An empty range still answers with a cloaked marker carrying the upper
	// boundary, so the consumer can advance without inventing a gap.
	events, err := s.store.StreamEventsForConsumer(r.Context(), from, producer, streamID, req.Quantity, req.Consumer)
	if err != nil {
		s.log.Error("stream poll failed",
			slog.String("stream_id", streamID),
			slog.Any("error", err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.respond(w, response(producer, events))
}

func (s *Server) decodePoll(w http.ResponseWriter, r *http.Request) (PollRequest, bool) {
	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return PollRequest{}, false
	}
	if req.Quantity <= 0 {
		req.Quantity = defaultQuantity
	}
	return req, true
}

func (s *Server) respond(w http.ResponseWriter, resp pull.PollResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to write poll response", slog.Any("error", err))
	}
}

func response(producer uint64, events []es.SerializedEvent) pull.PollResponse {
	resp := pull.PollResponse{
		NewEventsFound:  len(events) > 0,
		ProducerVersion: producer,
		Events:          make([]pull.NewRawEvent, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, pull.NewRawEvent{
			CollectionVersion: e.CollectionVersion,
			Payload:           e.Payload,
		})
	}
	return resp
}

// The startup rewind can push a consumer position to -1; the log starts at 1,
// so anything below zero polls from the beginning.
func clampFrom(from int64) uint64 {
	if from < 0 {
		return 0
	}
	return uint64(from)
}
