package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/rt-gateway-service/config"
	"github.com/webitel/rt-gateway-service/internal/domain/registry"
	lphandler "github.com/webitel/rt-gateway-service/internal/handler/lp"
	wshandler "github.com/webitel/rt-gateway-service/internal/handler/ws"
	"go.uber.org/fx"
)

// NewMux assembles the public HTTP surface: the realtime transports plus
// the health endpoint.
func NewMux(ws *wshandler.WSHandler, lp *lphandler.LPHandler, hub registry.Hubber) *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)

	mux.Get("/realtime", ws.ServeHTTP)
	mux.Get("/realtime/poll", lp.Poll)
	mux.Post("/realtime/poll", lp.Poll)

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hub.Stats())
	})

	return mux
}

func NewServer(cfg *config.Config, mux *chi.Mux) *http.Server {
	return &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
		// No WriteTimeout: long-poll cycles and socket upgrades hold the
		// response open far past any sane request deadline.
	}
}

func RunServer(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "error", err)
				}
			}()
			logger.Info("HTTP_SERVER_STARTED", "addr", srv.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http-server",
	fx.Provide(
		wshandler.NewWSHandler,
		lphandler.NewLPHandler,
		NewMux,
		NewServer,
	),
	fx.Invoke(RunServer),
)
