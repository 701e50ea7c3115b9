// Package server exposes the HTTP surface used by the chat front-end:
// preference writes, activation toggles, a manual poll trigger, and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"avito-notifier/ledger"
	"avito-notifier/pkg/notifier"
	"avito-notifier/sched"
)

// Store interface for preference management.
type Store interface {
	SetPreference(ctx context.Context, subscriberID string, minPrice, maxPrice int, roomCounts []int) error
	SetActive(ctx context.Context, subscriberID string, active bool) error
	GetPreference(ctx context.Context, subscriberID string) (*notifier.Preference, error)
}

// Poller interface for triggering an out-of-band cycle.
type Poller interface {
	RunOnce(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	store    Store
	poller   Poller
	logger   *slog.Logger
	validate *validator.Validate
}

// New creates the HTTP server handler.
func New(store Store, poller Poller, logger *slog.Logger) *Server {
	return &Server{
		store:    store,
		poller:   poller,
		logger:   logger,
		validate: validator.New(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)

	r.Route("/subscribers/{id}", func(r chi.Router) {
		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handleSetPreferences)
		r.Post("/activate", s.handleSetActive(true))
		r.Post("/deactivate", s.handleSetActive(false))
	})

	return r
}

// HTTPServer wraps the routes in a server with sane timeouts.
func (s *Server) HTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	err := s.poller.RunOnce(r.Context())
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	case errors.Is(err, sched.ErrCycleInFlight):
		s.respondError(w, http.StatusConflict, "a cycle is already in flight")
	default:
		s.logger.Error("Manual poll failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "cycle failed")
	}
}

// preferenceRequest is the front-end's "set preferences" payload.
type preferenceRequest struct {
	MinPrice   int   `json:"min_price" validate:"gte=0"`
	MaxPrice   int   `json:"max_price" validate:"gtefield=MinPrice"`
	RoomCounts []int `json:"room_counts" validate:"required,min=1,dive,gte=0"`
}

type preferenceResponse struct {
	SubscriberID string `json:"subscriber_id"`
	MinPrice     int    `json:"min_price"`
	MaxPrice     int    `json:"max_price"`
	RoomCounts   []int  `json:"room_counts"`
	Active       bool   `json:"active"`
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "id")

	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "invalid preference: "+err.Error())
		return
	}

	err := s.store.SetPreference(r.Context(), subscriberID, req.MinPrice, req.MaxPrice, req.RoomCounts)
	switch {
	case errors.Is(err, ledger.ErrInvalidRange):
		s.respondError(w, http.StatusUnprocessableEntity, "max_price must be >= min_price")
	case err != nil:
		s.logger.Error("Failed to save preference", "subscriber_id", subscriberID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to save preference")
	default:
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscriberID := chi.URLParam(r, "id")

		err := s.store.SetActive(r.Context(), subscriberID, active)
		switch {
		case errors.Is(err, ledger.ErrUnknownSubscriber):
			s.respondError(w, http.StatusNotFound, "unknown subscriber")
		case err != nil:
			s.logger.Error("Failed to set active flag", "subscriber_id", subscriberID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to update subscriber")
		default:
			s.respondJSON(w, http.StatusOK, map[string]bool{"active": active})
		}
	}
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	subscriberID := chi.URLParam(r, "id")

	pref, err := s.store.GetPreference(r.Context(), subscriberID)
	switch {
	case errors.Is(err, ledger.ErrUnknownSubscriber):
		s.respondError(w, http.StatusNotFound, "unknown subscriber")
	case err != nil:
		s.logger.Error("Failed to load preference", "subscriber_id", subscriberID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load preference")
	default:
		s.respondJSON(w, http.StatusOK, preferenceResponse{
			SubscriberID: pref.SubscriberID,
			MinPrice:     pref.MinPrice,
			MaxPrice:     pref.MaxPrice,
			RoomCounts:   pref.RoomCounts,
			Active:       pref.Active,
		})
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
