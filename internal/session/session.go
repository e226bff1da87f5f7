// Package session runs the single authority for one live game. Every request
// for the game goes through the session's inbox and is applied in arrival
// order by one goroutine; the resulting events are pushed to each connected
// client's outbox.
package session

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/editlock"
	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
	"github.com/DoyleJ11/gamenight-scoring/internal/types"
)

var ErrUnknownField = errors.New("unknown field")
var ErrForbidden = errors.New("not allowed")
var ErrUnknownCommand = errors.New("unsupported command")
var ErrMissingTime = errors.New("missing time value")

const DefaultJoinGrace = 10 * time.Second

// FieldScore is the only lockable field; it maps to the team's base score.
const FieldScore = "score"

// ScoreSink receives every committed score change. Commit must not block.
type ScoreSink interface {
	Commit(gameID string, rec engine.ScoreRecord)
}

type Options struct {
	// LockIdleTimeout reclaims locks with no owner activity. 0 disables it.
	LockIdleTimeout time.Duration
	// CoalesceWindow delays score_updated broadcasts caused by update_score
	// so bursts collapse into one message. 0 broadcasts immediately.
	CoalesceWindow time.Duration
	// JoinGrace stops a session nobody joined within this long. 0 means
	// DefaultJoinGrace, a negative value disables it.
	JoinGrace time.Duration
	Sink      ScoreSink
	Logger    *zap.Logger
	// OnEmpty runs on the session goroutine after the last client left and
	// the session has stopped.
	OnEmpty func(*Session)
}

type client struct {
	who Identity
	out chan types.ServerMessage
}

type timerKey struct {
	team   engine.TeamID
	connID string
}

// scoreView is the part of a record clients and the store have seen.
type scoreView struct {
	base    float64
	penalty float64
	rank    int
	points  int
}

type Session struct {
	inbox   chan Msg
	game    engine.Game
	board   *engine.Board
	locks   *editlock.Manager
	clients map[string]*client
	running map[timerKey]Identity
	version int
	joined  bool

	published map[engine.TeamID]scoreView
	committed map[engine.TeamID]scoreView
	updatedBy map[engine.TeamID]string
	flush     *time.Timer
	flushC    <-chan time.Time

	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(parent context.Context, g engine.Game, opts Options) *Session {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Session{
		inbox:     make(chan Msg, 64),
		game:      g,
		board:     engine.NewBoard(g),
		locks:     editlock.NewManager(opts.LockIdleTimeout),
		clients:   make(map[string]*client),
		running:   make(map[timerKey]Identity),
		published: make(map[engine.TeamID]scoreView),
		committed: make(map[engine.TeamID]scoreView),
		updatedBy: make(map[engine.TeamID]string),
		opts:      opts,
		log:       opts.Logger.With(zap.String("game_id", g.ID)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, r := range s.board.Records() {
		s.published[r.TeamID] = viewOf(r)
		s.committed[r.TeamID] = viewOf(r)
	}

	go s.loop()
	return s
}

// Inbox exposes the raw inbox, as used by tests and the transport layer.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Send queues a message unless the session has stopped.
func (s *Session) Send(m Msg) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) GameID() string { return s.game.ID }

func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Closed() bool { return s.ctx.Err() != nil }

func (s *Session) loop() {
	var sweep <-chan time.Time
	if s.opts.LockIdleTimeout > 0 {
		t := time.NewTicker(sweepInterval(s.opts.LockIdleTimeout))
		defer t.Stop()
		sweep = t.C
	}

	var grace <-chan time.Time
	if d := s.opts.JoinGrace; d >= 0 {
		if d == 0 {
			d = DefaultJoinGrace
		}
		t := time.NewTimer(d)
		defer t.Stop()
		grace = t.C
	}

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Join:
				s.handleJoin(msg)

			case Leave:
				s.removeClient(msg.ConnID)

			case FromClient:
				s.handleCommand(msg.ConnID, msg.Cmd)

			case GetState:
				msg.Reply <- View{
					GameID:     s.game.ID,
					Version:    s.version,
					NumClients: len(s.clients),
					State:      s.gameState(),
				}

			case Shutdown:
				s.shutdown()
				return
			}

		case <-s.flushC:
			s.flushScores()

		case <-sweep:
			s.expireLocks()

		case <-grace:
			grace = nil
			if !s.joined {
				s.log.Info("nobody joined, closing")
				s.closeEmpty()
				return
			}
		}

		if s.joined && len(s.clients) == 0 {
			s.log.Info("session empty, closing")
			s.closeEmpty()
			return
		}
	}
}

func sweepInterval(idle time.Duration) time.Duration {
	return min(max(idle/2, 10*time.Millisecond), 30*time.Second)
}

func (s *Session) closeEmpty() {
	s.shutdown()
	if s.opts.OnEmpty != nil {
		s.opts.OnEmpty(s)
	}
}

func (s *Session) shutdown() {
	if s.flush != nil {
		s.flush.Stop()
		s.flush, s.flushC = nil, nil
	}
	for id, c := range s.clients {
		close(c.out) // no more events for this client
		delete(s.clients, id)
	}
	s.cancel()
}

func (s *Session) handleJoin(msg Join) {
	id := msg.Who.ID
	if old, ok := s.clients[id]; ok && old.out != msg.Outbox {
		close(old.out)
	}
	// Flush first so the snapshot and the broadcast stream agree.
	s.flushScores()

	s.clients[id] = &client{who: msg.Who, out: msg.Outbox}
	s.joined = true
	s.log.Debug("client joined", zap.String("conn_id", id), zap.String("display_name", msg.Who.DisplayName))
	s.sendTo(id, types.ServerMessage{Type: types.EvtGameState, Data: s.gameState()})
	s.broadcast(types.ServerMessage{Type: types.EvtUserJoined, Data: presence(msg.Who)}, id)
}

// removeClient handles both clean leaves and transport drops: the client's
// locks are force-released without committing and its running stopwatches
// are abandoned.
func (s *Session) removeClient(id string) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	close(c.out)
	s.log.Debug("client left", zap.String("conn_id", id))

	s.flushScores()
	for _, l := range s.locks.ReleaseAll(id) {
		s.log.Info("released lock of disconnected client",
			zap.String("team_id", string(l.TeamID)), zap.String("field", l.Field), zap.String("conn_id", id))
		s.broadcast(types.ServerMessage{Type: types.EvtFieldUnlocked, Data: types.FieldUnlocked{
			TeamID: string(l.TeamID),
			Field:  l.Field,
			Reason: "disconnected",
		}}, "")
	}

	var abandoned []timerKey
	for k := range s.running {
		if k.connID == id {
			abandoned = append(abandoned, k)
		}
	}
	slices.SortFunc(abandoned, func(a, b timerKey) int { return cmp.Compare(a.team, b.team) })
	for _, k := range abandoned {
		delete(s.running, k)
		s.broadcast(types.ServerMessage{Type: types.EvtTimerStopped, Data: types.TimerStopped{
			TeamID: string(k.team),
			UserID: id,
		}}, "")
	}

	s.broadcast(types.ServerMessage{Type: types.EvtUserLeft, Data: presence(c.who)}, "")
}

func (s *Session) expireLocks() {
	expired := s.locks.Expire()
	if len(expired) == 0 {
		return
	}
	s.flushScores()
	for _, l := range expired {
		s.log.Info("lock expired",
			zap.String("team_id", string(l.TeamID)), zap.String("field", l.Field), zap.String("conn_id", l.Owner.ID))
		s.broadcast(types.ServerMessage{Type: types.EvtFieldUnlocked, Data: types.FieldUnlocked{
			TeamID: string(l.TeamID),
			Field:  l.Field,
			Reason: "expired",
		}}, "")
	}
}

func (s *Session) sendTo(id string, msg types.ServerMessage) {
	c, ok := s.clients[id]
	if !ok {
		return
	}
	if !deliver(c, msg) {
		s.dropClient(id)
	}
}

// broadcast sends msg to every client except skip.
func (s *Session) broadcast(msg types.ServerMessage, skip string) {
	var slow []string
	for id, c := range s.clients {
		if id == skip {
			continue
		}
		if !deliver(c, msg) {
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		s.dropClient(id)
	}
}

func deliver(c *client, msg types.ServerMessage) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// Client is slow/full - drop it like a disconnect.
func (s *Session) dropClient(id string) {
	if _, ok := s.clients[id]; !ok {
		return
	}
	s.log.Warn("dropping slow client", zap.String("conn_id", id))
	s.removeClient(id)
}

func presence(who Identity) types.Presence {
	return types.Presence{UserID: who.ID, DisplayName: who.DisplayName}
}
