package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/challanflow/challanflow/internal/challan"
	"github.com/challanflow/challanflow/internal/observability"
	"github.com/challanflow/challanflow/internal/platform/httpx"
	"github.com/challanflow/challanflow/internal/returns"
	"github.com/challanflow/challanflow/internal/stock"
	"github.com/challanflow/challanflow/jobs"
	"github.com/challanflow/challanflow/report"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	ChallanHandler *challan.Handler
	ReturnsHandler *returns.Handler
	StockHandler   *stock.Handler
	JobHandler     *jobs.Handler
	ReportHandler  *report.Handler
	Metrics        *observability.Metrics
	Pool           *pgxpool.Pool
}

// NewRouter constructs the chi.Router. Authenticated API routes run behind
// the identity middleware; the public challan routes only behind the rate
// limiter.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(params.Logger))
		r.Route("/challans", params.ChallanHandler.MountRoutes)
		r.Route("/returns", params.ReturnsHandler.MountRoutes)
		r.Route("/stock", params.StockHandler.MountRoutes)
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
		if params.ReportHandler != nil {
			r.Route("/reports", params.ReportHandler.MountRoutes)
		}
	})

	r.Route("/public/challans", func(r chi.Router) {
		r.Use(PublicRateLimiter(params.Config))
		params.ChallanHandler.MountPublicRoutes(r)
	})

	return r
}
