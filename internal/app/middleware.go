package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/challanflow/challanflow/internal/shared"
)

// Trusted headers set by the authenticating gateway. Authentication itself is
// out of scope here; the gateway terminates it and forwards the resolved
// identity.
const (
	HeaderCompanyID   = "X-Company-Id"
	HeaderActorID     = "X-Actor-Id"
	HeaderPermissions = "X-Permissions"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger *slog.Logger
	Config *Config
}

// IdentityMiddleware resolves the caller identity from trusted gateway
// headers. Requests without one are rejected before reaching a handler.
func IdentityMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			companyID, err1 := strconv.ParseInt(r.Header.Get(HeaderCompanyID), 10, 64)
			actorID, err2 := strconv.ParseInt(r.Header.Get(HeaderActorID), 10, 64)
			if err1 != nil || err2 != nil || companyID <= 0 || actorID <= 0 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			perms := make(map[string]bool)
			for _, p := range strings.Split(r.Header.Get(HeaderPermissions), ",") {
				if p = strings.TrimSpace(p); p != "" {
					perms[p] = true
				}
			}
			id := shared.Identity{CompanyID: companyID, ActorID: actorID, Permissions: perms}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), id)))
		})
	}
}

// MiddlewareStack installs the base middleware chain shared by all routes.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'self'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	return []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
	}
}

// PublicRateLimiter throttles the unauthenticated token/OTP routes per IP.
func PublicRateLimiter(cfg *Config) func(http.Handler) http.Handler {
	limit := 20
	if cfg != nil && cfg.PublicRateLimit > 0 {
		limit = cfg.PublicRateLimit
	}
	return httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
}
