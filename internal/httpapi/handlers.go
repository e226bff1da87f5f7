package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/hub"
	"github.com/DoyleJ11/gamenight-scoring/internal/session"
	"github.com/DoyleJ11/gamenight-scoring/internal/store"
	"github.com/DoyleJ11/gamenight-scoring/internal/types"
	"github.com/DoyleJ11/gamenight-scoring/internal/ws"
)

type gameInfo struct {
	store.GameSummary
	Live bool `json:"live"`
}

type stateResponse struct {
	Live       bool            `json:"live"`
	Version    int             `json:"version"`
	NumClients int             `json:"num_clients"`
	State      types.GameState `json:"state"`
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ListGames lists every configured game and whether a session is running.
func ListGames(h *hub.Hub, games store.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := games.ListGames(r.Context())
		if err != nil {
			log.Error("failed to list games", zap.Error(err))
			http.Error(w, "failed to list games", http.StatusInternalServerError)
			return
		}

		ids, err := h.List(r.Context())
		if err != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		live := make(map[string]bool, len(ids))
		for _, id := range ids {
			live[id] = true
		}

		out := make([]gameInfo, 0, len(list))
		for _, g := range list {
			out = append(out, gameInfo{GameSummary: g, Live: live[g.ID]})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GameState returns the live view of a game, or its saved scores when no one
// is connected.
func GameState(h *hub.Hub, games ws.GameLoader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := chi.URLParam(r, "gameID")

		s, err := h.Get(r.Context(), gameID)
		if err != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if s != nil {
			view := make(chan session.View, 1)
			if s.Send(session.GetState{Reply: view}) {
				select {
				case v := <-view:
					writeJSON(w, http.StatusOK, stateResponse{Live: true, Version: v.Version, NumClients: v.NumClients, State: v.State})
					return
				case <-s.Done():
				case <-r.Context().Done():
					return
				}
			}
		}

		g, err := games.LoadGame(r.Context(), gameID)
		switch {
		case errors.Is(err, store.ErrGameNotFound):
			http.Error(w, "game not found", http.StatusNotFound)
			return
		case err != nil:
			log.Error("failed to load game", zap.String("game_id", gameID), zap.Error(err))
			http.Error(w, "failed to load game", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stateResponse{State: session.StateOf(g)})
	}
}

// CloseGame stops a live session. Connected clients are disconnected.
func CloseGame(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := chi.URLParam(r, "gameID")
		closed, err := h.Close(r.Context(), gameID)
		if err != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if !closed {
			http.Error(w, "no live session", http.StatusNotFound)
			return
		}
		log.Info("game closed by admin", zap.String("game_id", gameID))
		w.WriteHeader(http.StatusNoContent)
	}
}

// RequireAdmin accepts "Authorization: Bearer <token>". With no token
// configured every request is refused.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
