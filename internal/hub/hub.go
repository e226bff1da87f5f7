// Package hub keeps the live game sessions of the process, one per game id.
package hub

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
	"github.com/DoyleJ11/gamenight-scoring/internal/session"
)

type HubMsg interface{ isHubMsg() }

type GetSession struct {
	GameID string
	Reply  chan *session.Session
}

// EnsureSession returns the live session for the game, creating it from Game
// if there is none. A session that already stopped is replaced.
type EnsureSession struct {
	GameID string
	Game   engine.Game // only used if creation happens
	Reply  chan *session.Session
}

// RemoveSession forgets a session, but only if it is still the registered one.
type RemoveSession struct {
	GameID  string
	Session *session.Session
}

type CloseSession struct {
	GameID string
	Reply  chan bool
}

type ListSessions struct {
	Reply chan []string
}

type ShutdownHub struct{}

func (GetSession) isHubMsg()    {}
func (EnsureSession) isHubMsg() {}
func (RemoveSession) isHubMsg() {}
func (CloseSession) isHubMsg()  {}
func (ListSessions) isHubMsg()  {}
func (ShutdownHub) isHubMsg()   {}

// Options are handed to every session the hub creates. OnEmpty is set by the
// hub itself.
type Options = session.Options

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Session
	opts     Options
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Session),
		opts:     opts,
		log:      opts.Logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

var ErrHubStopped = errors.New("hub stopped")

// Send queues m unless ctx ends or the hub has stopped first.
func (h *Hub) Send(ctx context.Context, m HubMsg) bool {
	if h.ctx.Err() != nil {
		return false
	}
	select {
	case h.inbox <- m:
		return true
	case <-ctx.Done():
		return false
	case <-h.ctx.Done():
		return false
	}
}

func ask[T any](ctx context.Context, h *Hub, m HubMsg, reply <-chan T) (T, error) {
	var zero T
	if !h.Send(ctx, m) {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrHubStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-h.ctx.Done():
		return zero, ErrHubStopped
	}
}

// Get returns the live session of a game, or nil.
func (h *Hub) Get(ctx context.Context, gameID string) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	return ask(ctx, h, GetSession{GameID: gameID, Reply: reply}, reply)
}

// Ensure returns the live session of a game, starting one from g if needed.
func (h *Hub) Ensure(ctx context.Context, g engine.Game) (*session.Session, error) {
	reply := make(chan *session.Session, 1)
	return ask(ctx, h, EnsureSession{GameID: g.ID, Game: g, Reply: reply}, reply)
}

// Close stops a live session and reports whether there was one.
func (h *Hub) Close(ctx context.Context, gameID string) (bool, error) {
	reply := make(chan bool, 1)
	return ask(ctx, h, CloseSession{GameID: gameID, Reply: reply}, reply)
}

func (h *Hub) List(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	return ask(ctx, h, ListSessions{Reply: reply}, reply)
}

// Shutdown stops the hub and every session. It never blocks on a stopped hub.
func (h *Hub) Shutdown() {
	h.Send(context.Background(), ShutdownHub{})
}

func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetSession:
				s := h.sessions[msg.GameID]
				if s != nil && s.Closed() {
					s = nil
				}
				msg.Reply <- s // May be nil

			case EnsureSession:
				if s := h.sessions[msg.GameID]; s != nil && !s.Closed() {
					msg.Reply <- s
					break
				}
				s := session.NewSession(h.ctx, msg.Game, h.sessionOptions())
				h.sessions[msg.GameID] = s
				h.log.Info("session created", zap.String("game_id", msg.GameID))
				msg.Reply <- s

			case RemoveSession:
				if cur := h.sessions[msg.GameID]; cur == msg.Session {
					delete(h.sessions, msg.GameID)
					h.log.Info("session removed", zap.String("game_id", msg.GameID))
				}

			case CloseSession:
				s, ok := h.sessions[msg.GameID]
				if ok {
					s.Send(session.Shutdown{})
					delete(h.sessions, msg.GameID)
					h.log.Info("session closed", zap.String("game_id", msg.GameID))
				}
				if msg.Reply != nil {
					msg.Reply <- ok
				}

			case ListSessions:
				ids := make([]string, 0, len(h.sessions))
				for id, s := range h.sessions {
					if !s.Closed() {
						ids = append(ids, id)
					}
				}
				slices.Sort(ids)
				msg.Reply <- ids

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) shutdown() {
	for _, s := range h.sessions {
		s.Send(session.Shutdown{})
	}
	clear(h.sessions)
	h.cancel()
}

func (h *Hub) sessionOptions() session.Options {
	opts := h.opts
	opts.OnEmpty = func(s *session.Session) {
		// Runs on the session goroutine; never block on a stopped hub.
		select {
		case h.inbox <- RemoveSession{GameID: s.GameID(), Session: s}:
		case <-h.ctx.Done():
		}
	}
	return opts
}
