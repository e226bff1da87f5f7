// Package ws adapts WebSocket connections to game sessions. Each connection
// gets a fresh identity, joins the session of the game named in the query
// string and then relays frames both ways until either side goes away.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
	"github.com/DoyleJ11/gamenight-scoring/internal/hub"
	"github.com/DoyleJ11/gamenight-scoring/internal/session"
	"github.com/DoyleJ11/gamenight-scoring/internal/store"
	"github.com/DoyleJ11/gamenight-scoring/internal/types"
)

const outboxSize = 64

// GameLoader supplies game configuration for sessions that are not live yet.
type GameLoader interface {
	LoadGame(ctx context.Context, gameID string) (engine.Game, error)
}

type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	AdminToken   string
	// OriginPatterns are passed to websocket.Accept. Empty means same origin.
	OriginPatterns []string
}

func Handler(h *hub.Hub, games GameLoader, opts Options, log *zap.Logger) http.HandlerFunc {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		gameID := r.URL.Query().Get("game")
		if gameID == "" {
			http.Error(w, "missing game", http.StatusBadRequest)
			return
		}

		// Unknown games get a plain 404. The session is only started once the
		// upgrade went through.
		switch err := checkGame(r.Context(), h, games, gameID); {
		case errors.Is(err, store.ErrGameNotFound):
			http.Error(w, "game not found", http.StatusNotFound)
			return
		case errors.Is(err, hub.ErrHubStopped):
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		case err != nil:
			log.Error("failed to load game", zap.String("game_id", gameID), zap.Error(err))
			http.Error(w, "failed to open game", http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		who := identify(r, opts.AdminToken)
		clog := log.With(zap.String("game_id", gameID), zap.String("conn_id", who.ID))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		err = writeJSON(ctx, conn, opts.WriteTimeout, types.ServerMessage{
			Type: types.EvtConnected,
			Data: types.Connected{UserID: who.ID, DisplayName: who.DisplayName},
		})
		if err != nil {
			return
		}

		out := make(chan types.ServerMessage, outboxSize)
		sess, err := join(ctx, h, games, gameID, session.Join{Who: who, Outbox: out})
		if err != nil {
			clog.Warn("failed to join game", zap.Error(err))
			conn.Close(websocket.StatusTryAgainLater, "game unavailable")
			return
		}
		clog.Info("client connected", zap.String("display_name", who.DisplayName), zap.Bool("admin", who.Admin))
		defer func() {
			sess.Send(session.Leave{ConnID: who.ID})
			clog.Info("client disconnected")
		}()

		// Writer goroutine
		go func() {
			defer cancel()
			if reason := writeLoop(ctx, conn, sess, out, opts); reason != "" {
				conn.Close(websocket.StatusGoingAway, reason)
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if ctx.Err() == nil {
						clog.Debug("read failed", zap.Error(err))
					}
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = writeJSON(ctx, conn, opts.WriteTimeout, errorFrame("bad_request", "bad json"))
				continue
			}

			switch cm.Type {
			case types.MsgLeaveGame:
				conn.Close(websocket.StatusNormalClosure, "left game")
				return
			case types.MsgJoinGame:
				if cm.GameID != "" && string(cm.GameID) != gameID {
					_ = writeJSON(ctx, conn, opts.WriteTimeout, errorFrame("bad_request", "connection is bound to game "+gameID))
				}
				continue
			}

			cmd, ok := toSessionCommand(cm)
			if !ok {
				_ = writeJSON(ctx, conn, opts.WriteTimeout, errorFrame("unknown_command", "unknown type "+cm.Type))
				continue
			}
			if !sess.Send(session.FromClient{ConnID: who.ID, Cmd: cmd}) {
				return
			}
		}
	}
}

// Ensure returns the live session for gameID, loading the game only when no
// session is running.
func Ensure(ctx context.Context, h *hub.Hub, games GameLoader, gameID string) (*session.Session, error) {
	s, err := h.Get(ctx, gameID)
	if err != nil || s != nil {
		return s, err
	}
	g, err := games.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return h.Ensure(ctx, g)
}

func checkGame(ctx context.Context, h *hub.Hub, games GameLoader, gameID string) error {
	s, err := h.Get(ctx, gameID)
	if err != nil || s != nil {
		return err
	}
	_, err = games.LoadGame(ctx, gameID)
	return err
}

// join hands the client to the game's session. A session that emptied and
// stopped in between is replaced once.
func join(ctx context.Context, h *hub.Hub, games GameLoader, gameID string, j session.Join) (*session.Session, error) {
	for i := 0; i < 2; i++ {
		sess, err := Ensure(ctx, h, games, gameID)
		if err != nil {
			return nil, err
		}
		if sess.Send(j) {
			return sess, nil
		}
	}
	return nil, errors.New("session stopped before join")
}

// writeLoop drains the outbox onto the socket and keeps the connection alive
// with pings. It returns the close reason, or "" when the connection is
// already gone.
func writeLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, out <-chan types.ServerMessage, opts Options) string {
	var ping <-chan time.Time
	if opts.PingInterval > 0 {
		t := time.NewTicker(opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	done := sess.Done()
	for {
		select {
		case <-ctx.Done():
			return ""

		case msg, ok := <-out:
			if !ok {
				return "session closed"
			}
			if err := writeJSON(ctx, conn, opts.WriteTimeout, msg); err != nil {
				return ""
			}

		case <-done:
			// Our Join may still be queued in a stopped session; the outbox
			// is then never closed. Flush what is there and leave.
			done = nil
			for {
				select {
				case msg, ok := <-out:
					if !ok {
						return "session closed"
					}
					if err := writeJSON(ctx, conn, opts.WriteTimeout, msg); err != nil {
						return ""
					}
				default:
					return "session closed"
				}
			}

		case <-ping:
			pctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return ""
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, timeout time.Duration, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func errorFrame(code, message string) types.ServerMessage {
	return types.ServerMessage{Type: types.EvtError, Data: types.Error{Code: code, Message: message}}
}

func identify(r *http.Request, adminToken string) session.Identity {
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("name"))
	if name == "" {
		name = "Player"
	}
	token := q.Get("token")
	admin := adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1
	return session.Identity{ID: uuid.NewString(), DisplayName: name, Admin: admin}
}

func toSessionCommand(m types.ClientMessage) (session.Command, bool) {
	team := engine.TeamID(m.TeamID)
	field := m.Field
	if field == "" {
		field = session.FieldScore
	}

	switch m.Type {
	case types.MsgRequestLock:
		return session.Command{Type: session.CmdRequestLock, TeamID: team, Field: field}, true
	case types.MsgReleaseLock:
		cmd := session.Command{Type: session.CmdReleaseLock, TeamID: team, Field: field}
		if len(m.Score) > 0 && string(m.Score) != "null" {
			cmd.Score, cmd.HasScore = types.ParseScore(m.Score), true
		}
		return cmd, true
	case types.MsgUpdateScore:
		return session.Command{Type: session.CmdUpdateScore, TeamID: team, Score: types.ParseScore(m.Score), HasScore: true}, true
	case types.MsgApplyPenalty:
		return session.Command{Type: session.CmdApplyPenalty, TeamID: team, PenaltyID: string(m.PenaltyID), Op: engine.PenaltyOp(m.Op)}, true
	case types.MsgStartTimer:
		return session.Command{Type: session.CmdStartTimer, TeamID: team}, true
	case types.MsgStopTimer:
		cmd := session.Command{Type: session.CmdStopTimer, TeamID: team}
		if v, ok := types.ParseNumber(m.TimeValue); ok {
			cmd.TimeValue = &v
		}
		return cmd, true
	case types.MsgClearTimers:
		return session.Command{Type: session.CmdClearTimers, TeamID: team}, true
	default:
		return session.Command{}, false
	}
}
