package app

import (
	"context"
	"net/http"
)

// readinessCheck reports whether one dependency can serve traffic.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

type routes struct {
	log   Logger
	cfg   Config
	ready []readinessCheck

	dm      interface{ Register(*http.ServeMux) }
	ws      http.Handler
	metrics http.Handler
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.cfg.DatabaseURL == "" {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		for _, c := range rt.ready {
			if err := c.check(r.Context()); err != nil {
				rt.log.Info("readyz.not_ready", "dependency", c.name, "err", err)
				http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics)
	}
	if rt.dm != nil {
		rt.dm.Register(mux)
	}
	if rt.ws != nil {
		mux.Handle("GET /v1/dm/notifications/ws", rt.ws)
	}
}
