package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/hub"
	"github.com/DoyleJ11/gamenight-scoring/internal/store"
	"github.com/DoyleJ11/gamenight-scoring/internal/ws"
)

type Deps struct {
	Hub   *hub.Hub
	Store store.Store
	// Games loads games for new sessions and offline state. Defaults to
	// Store; the score writer wraps it so unwritten scores are not lost.
	Games  ws.GameLoader
	WS     ws.Options
	Logger *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	games := d.Games
	if games == nil {
		games = d.Store
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(d.Hub, games, d.WS, log))
	r.Get("/games", ListGames(d.Hub, d.Store, log))
	r.Get("/games/{gameID}/state", GameState(d.Hub, games, log))

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(RequireAdmin(d.WS.AdminToken))
		r.Post("/games/{gameID}/close", CloseGame(d.Hub, log))
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
