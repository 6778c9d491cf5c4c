package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"can-logger/ingestion/internal/domain"
	"can-logger/ingestion/internal/downsample"
	"can-logger/ingestion/internal/rules"
)

type RuleService interface {
	Create(ctx context.Context, req rules.CreateRequest) (int64, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]domain.AlertRule, error)
	Triggered(ctx context.Context, limit, offset int) ([]domain.TriggeredAlert, error)
}

type Downsampler interface {
	Range(ctx context.Context, req downsample.RangeRequest) (downsample.Series, error)
	Visible(ctx context.Context, req downsample.VisibleRequest) (downsample.VisibleResponse, error)
}

type CatalogSource interface {
	Schema() *domain.Schema
}

// StateReader returns the latest decoded values of one message.
type StateReader interface {
	LatestState(ctx context.Context, message string) (map[string]string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Log        *slog.Logger
	Rules      RuleService
	Downsample Downsampler
	Catalog    CatalogSource
	// State is optional; the state route is only served when it is set.
	State StateReader
	Auth  *AuthMiddleware
	// Alerts serves the live alert websocket.
	Alerts http.HandlerFunc
	// Health is pinged by /healthz, keyed by component name.
	Health map[string]Pinger
}

func NewRouter(d Deps) *chi.Mux {
	h := &handler{
		log:        d.Log,
		rules:      d.Rules,
		downsample: d.Downsample,
		catalog:    d.Catalog,
		state:      d.State,
		pingers:    d.Health,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Alerts != nil {
		r.Get("/ws/alerts", d.Alerts)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", h.getCatalog)
		r.Get("/signals/range", h.getRange)
		r.Post("/signals/visible", h.postVisible)
		if d.State != nil {
			r.Get("/state/{message}", h.getState)
		}

		r.Get("/alerts", h.listAlerts)
		r.Get("/alerts/triggered", h.listTriggered)
		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Wrap)
			r.Post("/alerts", h.createAlert)
			r.Delete("/alerts/{id}", h.deleteAlert)
		})
	})
	return r
}
