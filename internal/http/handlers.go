package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/ingest"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/registry"
	"github.com/example/ridepool/internal/storage"
)

// LiveUpserter is the direct-write path into the live-location index, used
// when no Kafka pipeline is configured.
type LiveUpserter interface {
	Upsert(ctx context.Context, loc models.ProviderLocation) error
}

type Server struct {
	Registry    *registry.Registry
	Coordinator *matcher.Coordinator
	Store       storage.Store
	Kafka       *ingest.KafkaProducer
	WSReg       *dispatch.WSRegistry
	Live        LiveUpserter

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg *registry.Registry, coord *matcher.Coordinator, store storage.Store, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, live LiveUpserter, logger *slog.Logger) *Server {
	s := &Server{
		Registry:    reg,
		Coordinator: coord,
		Store:       store,
		Kafka:       kafka,
		WSReg:       wsreg,
		Live:        live,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/search/start", s.handleStartSearch).Methods("POST")
	s.mux.HandleFunc("/api/v1/search/stop", s.handleStopSearch).Methods("POST")
	s.mux.HandleFunc("/api/v1/search/status/{participant_id}", s.handleSearchStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/matches/{match_id}/respond", s.handleMatchRespond).Methods("POST")
	s.mux.HandleFunc("/internal/provider/locations", s.handleProviderLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{participant_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStartSearch(w http.ResponseWriter, r *http.Request) {
	var sess models.SearchSession
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.Registry.Register(&sess)
	if err != nil {
		if errors.Is(err, registry.ErrValidation) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// durable snapshot; the registry stays authoritative for the live copy
	if err := s.Store.SaveSession(r.Context(), &sess); err != nil {
		s.logger.Error("session snapshot failed", "session", id, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"registry_id": id, "status": sess.Status})
}

type stopRequest struct {
	ParticipantID string          `json:"participant_id"`
	Mode          models.RideMode `json:"mode"`
}

func (s *Server) handleStopSearch(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeImmediate
	}
	sess, ok := s.Registry.Deregister(req.ParticipantID, req.Mode, registry.ReasonStopped)
	if ok {
		if err := s.Store.UpdateSessionStatus(r.Context(), sess.ID, models.StatusStopped); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("session snapshot update failed", "session", sess.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": ok})
}

func (s *Server) handleSearchStatus(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["participant_id"]
	sessions := s.Registry.ByParticipant(participantID)
	if len(sessions) == 0 {
		http.Error(w, "no active search", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type respondRequest struct {
	ParticipantID string `json:"participant_id"`
	Accept        bool   `json:"accept"`
}

func (s *Server) handleMatchRespond(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["match_id"]
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := s.Coordinator.Respond(r.Context(), matchID, req.ParticipantID, req.Accept)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "match not found", http.StatusNotFound)
		return
	case errors.Is(err, matcher.ErrNotParty):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, matcher.ErrResolved):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.ProviderLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if loc.ProviderID == "" {
		http.Error(w, "provider_id required", http.StatusBadRequest)
		return
	}
	loc.Updated = time.Now()
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(loc); err != nil {
			s.logger.Error("location publish failed", "provider", loc.ProviderID, "error", err)
		}
	} else if s.Live != nil {
		if err := s.Live.Upsert(r.Context(), loc); err != nil {
			s.logger.Error("location upsert failed", "provider", loc.ProviderID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	participantID := mux.Vars(r)["participant_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(participantID, conn)
	// drain the connection to observe disconnects
	go func() {
		defer s.WSReg.Remove(participantID, sess)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
