package app

import (
	"net/http"
	"time"

	authapi "pulse/cmd/internal/auth/api"
	"pulse/cmd/internal/chat"
	"pulse/cmd/internal/httpapi"
	"pulse/cmd/internal/realtime"
)

type healthResponse struct {
	Status string    `json:"status"`
	Online int       `json:"online"`
	Time   time.Time `json:"time"`
}

func (a *App) registerHTTP(mux *http.ServeMux, auth *authapi.Handler, chatHandler *chat.Handler, ws *realtime.WSGateway) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, healthResponse{
			Status: "ok",
			Online: a.rt.Registry.Len(),
			Time:   time.Now().UTC(),
		})
	})

	mux.Handle("GET /metrics", metricsHandler(a.registry))

	auth.Register(mux)
	chatHandler.Register(mux)

	mux.Handle("GET /ws", ws)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.pool == nil && a.mongo == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "driver", "postgres", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.mongo != nil {
		if err := PingMongo(r.Context(), a.mongo, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "driver", "mongo", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.cache != nil {
		if err := a.cache.Ping(r.Context()); err != nil {
			a.log.Info("readyz.cache.not_ready", "err", err)
			http.Error(w, "cache not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
