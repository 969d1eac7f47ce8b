package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"homectrl/internal/onair"
	"homectrl/pkg/utils"
)

// Store is the slice of the state store the API needs.
type Store interface {
	Ping(ctx context.Context) error
}

// Broker is the slice of the broker client the API needs.
type Broker interface {
	IsConnected() bool
	DroppedPublishes() uint64
}

// Handler serves the operational API.
type Handler struct {
	l      *slog.Logger
	store  Store
	broker Broker
	cache  *onair.Cache
}

// NewHandler creates the API handler.
func NewHandler(l *slog.Logger, store Store, broker Broker, cache *onair.Cache) *Handler {
	return &Handler{
		l:      l.With(slog.String("component", "http-api")),
		store:  store,
		broker: broker,
		cache:  cache,
	}
}

// Routes builds the router with the standard middleware chain.
func (h *Handler) Routes() http.Handler {
	mw := NewMiddlewareHandler(h.l)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(mw.RequestIDMiddleware)
		r.Use(mw.LoggerMiddleware)
		r.Use(mw.RecoveryMiddleware)

		r.Get("/ping", ErrorHandler(h.ping))
		r.Get("/health", ErrorHandler(h.health))

		r.Route("/onair", func(r chi.Router) {
			r.Get("/", ErrorHandler(h.onAirFacets))
			r.Get("/{facet}", ErrorHandler(h.onAirList))
			r.Get("/{facet}/{entity}", ErrorHandler(h.onAirGet))
		})
	})

	return r
}

// PingResponse is the response to a ping request.
type PingResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) error {
	RespondJSON(w, r, http.StatusOK, PingResponse{
		Message: "pong",
		Status:  "OK",
		Version: utils.GetVersionShort(),
	})

	return nil
}

// HealthResponse reports the state of the pipeline's dependencies.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         string `json:"database"`
	BrokerConnected  bool   `json:"broker_connected"`
	DroppedPublishes uint64 `json:"dropped_publishes"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) error {
	resp := HealthResponse{
		Status:           "OK",
		Database:         "OK",
		BrokerConnected:  h.broker.IsConnected(),
		DroppedPublishes: h.broker.DroppedPublishes(),
	}

	status := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		h.l.Error("health check: database unreachable", utils.ErrAttr(err))
		resp.Database = "ERROR"
		resp.Status = "ERROR"
		status = http.StatusServiceUnavailable
	}

	if !resp.BrokerConnected {
		resp.Status = "ERROR"
		status = http.StatusServiceUnavailable
	}

	RespondJSON(w, r, status, resp)

	return nil
}

// OnAirFacetsResponse lists the facets with projected state.
type OnAirFacetsResponse struct {
	Facets []string `json:"facets"`
}

func (h *Handler) onAirFacets(w http.ResponseWriter, r *http.Request) error {
	facets := h.cache.Facets()
	if facets == nil {
		facets = []string{}
	}

	RespondJSON(w, r, http.StatusOK, OnAirFacetsResponse{Facets: facets})

	return nil
}

func (h *Handler) onAirList(w http.ResponseWriter, r *http.Request) error {
	facet := chi.URLParam(r, "facet")

	entities := h.cache.List(facet)
	if len(entities) == 0 {
		return NewError(http.StatusNotFound, "no projected state for facet "+facet)
	}

	// Cached payloads are already JSON; pass them through untouched.
	out := make(map[string]json.RawMessage, len(entities))
	for entity, payload := range entities {
		out[entity] = payload
	}

	RespondJSON(w, r, http.StatusOK, out)

	return nil
}

func (h *Handler) onAirGet(w http.ResponseWriter, r *http.Request) error {
	facet := chi.URLParam(r, "facet")
	entity := chi.URLParam(r, "entity")

	payload := h.cache.Get(facet, entity)
	if payload == nil {
		return NewError(http.StatusNotFound, "no projected state for "+facet+"/"+entity)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(payload); err != nil {
		GetLoggerFromContext(r.Context()).Error("failed to write payload", utils.ErrAttr(err))
	}

	return nil
}
