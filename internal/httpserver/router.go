package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lv-closure/internal/auth"
	"lv-closure/internal/closure"
	"lv-closure/internal/httputil"
)

type RouterDeps struct {
	ClosureHandler    *closure.Handler
	AuthService       *auth.Service
	InternalTokenHash string
	WSHandler         http.Handler
	Pool              *pgxpool.Pool
	RateLimiter       *RateLimiter
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS middleware for development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Use(SecurityHeaders)
	if d.RateLimiter != nil {
		r.Use(d.RateLimiter.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if d.Pool != nil {
			if err := d.Pool.Ping(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "database unreachable"})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", d.WSHandler.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Post("/closures", func(w http.ResponseWriter, r *http.Request) {
				userID, ok := UserID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.ClosureHandler.Initiate(w, r, userID)
			})
			r.Get("/closures/{accountID}", func(w http.ResponseWriter, r *http.Request) {
				userID, ok := UserID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.ClosureHandler.Status(w, r, userID, chi.URLParam(r, "accountID"))
			})
			r.Get("/closures/{accountID}/audit", func(w http.ResponseWriter, r *http.Request) {
				userID, ok := UserID(r)
				if !ok {
					httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
					return
				}
				d.ClosureHandler.Audit(w, r, userID, chi.URLParam(r, "accountID"))
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalTokenHash))
			r.Post("/internal/closures/initiate", d.ClosureHandler.InternalInitiate)
			r.Get("/internal/closures", d.ClosureHandler.InternalList)
			r.Get("/internal/closures/{accountID}", func(w http.ResponseWriter, r *http.Request) {
				d.ClosureHandler.InternalStatus(w, r, chi.URLParam(r, "accountID"))
			})
			r.Post("/internal/closures/{accountID}/resume", func(w http.ResponseWriter, r *http.Request) {
				d.ClosureHandler.InternalResume(w, r, chi.URLParam(r, "accountID"))
			})
			r.Get("/internal/closures/{accountID}/audit", func(w http.ResponseWriter, r *http.Request) {
				d.ClosureHandler.InternalAudit(w, r, chi.URLParam(r, "accountID"))
			})
		})
	})

	return r
}
