package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/meridian-erp/meridian-erp/internal/batch"
	"github.com/meridian-erp/meridian-erp/internal/cyclecount"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/purchasing"
	"github.com/meridian-erp/meridian-erp/internal/settings"
	"github.com/meridian-erp/meridian-erp/internal/stock"
	"github.com/meridian-erp/meridian-erp/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	StockHandler      *stock.Handler
	PurchasingHandler *purchasing.Handler
	BatchHandler      *batch.Handler
	CycleCountHandler *cyclecount.Handler
	SettingsHandler   *settings.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with Meridian defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.StockHandler != nil {
			r.Route("/stock", params.StockHandler.MountRoutes)
		}
		if params.PurchasingHandler != nil {
			r.Route("/purchase-orders", params.PurchasingHandler.MountRoutes)
		}
		if params.BatchHandler != nil {
			r.Route("/batches", params.BatchHandler.MountRoutes)
		}
		if params.CycleCountHandler != nil {
			r.Route("/cycle-counts", params.CycleCountHandler.MountRoutes)
		}
		if params.SettingsHandler != nil {
			r.Route("/settings/inventory", params.SettingsHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
