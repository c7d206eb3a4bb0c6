// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package api provides the operator HTTP surface using the chi router.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/metrics"
)

// NewRouter assembles the operator API routes and middleware stack.
func NewRouter(handler *Handler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Operator-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(instrument)

	rateLimit := httprate.Limit(
		rateLimitRequests(cfg),
		rateLimitWindow(cfg),
		httprate.WithKeyFuncs(httprate.KeyByIP),
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoints skip the operator rate limit so monitoring
		// stays cheap.
		r.Route("/health", func(r chi.Router) {
			r.Get("/live", handler.HealthLive)
			r.Get("/ready", handler.HealthReady)
		})

		r.Group(func(r chi.Router) {
			r.Use(rateLimit)

			r.Post("/ingest/{tenant}/{id}", handler.IngestSubmit)
			r.Get("/deadletter", handler.DeadLetterList)
			r.Get("/deadletter/stats", handler.DeadLetterStats)
			r.Post("/deadletter/{tenant}/{id}/retry", handler.DeadLetterRetry)
			r.Get("/records/{tenant}/{id}", handler.RecordGet)
			r.Get("/audit/events", handler.AuditEvents)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func rateLimitRequests(cfg config.ServerConfig) int {
	if cfg.RateLimitReqs > 0 {
		return cfg.RateLimitReqs
	}
	return 100
}

func rateLimitWindow(cfg config.ServerConfig) time.Duration {
	if cfg.RateLimitWindow > 0 {
		return cfg.RateLimitWindow
	}
	return time.Minute
}

// instrument records request counts and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
