package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
	"github.com/DoyleJ11/gamenight-scoring/internal/hub"
	"github.com/DoyleJ11/gamenight-scoring/internal/session"
	"github.com/DoyleJ11/gamenight-scoring/internal/store"
	"github.com/DoyleJ11/gamenight-scoring/internal/types"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testEnv struct {
	srv    *httptest.Server
	hub    *hub.Hub
	mem    *store.MemoryStore
	writer *store.Writer
}

// newEnv serves the trivia game. Scores go through a Writer that is never
// run, so nothing reaches the store unless a test flushes it.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	mem, err := store.NewMemoryStore(engine.Game{
		ID:          "trivia",
		Name:        "Trivia",
		Direction:   engine.HigherBetter,
		PointScheme: 10,
		Metric:      engine.MetricManual,
		Teams:       []engine.Team{{ID: "1", Name: "Reds"}, {ID: "2", Name: "Blues"}},
	})
	require.NoError(t, err)
	writer := store.NewWriter(mem, zap.NewNop())

	h := hub.NewHub(context.Background(), hub.Options{Logger: zap.NewNop(), Sink: writer})
	t.Cleanup(h.Shutdown)

	mux := http.NewServeMux()
	mux.Handle("/ws", Handler(h, writer, Options{WriteTimeout: time.Second, AdminToken: "s3cret"}, zap.NewNop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: h, mem: mem, writer: writer}
}

func newServer(t *testing.T) *httptest.Server {
	return newEnv(t).srv
}

func liveGames(t *testing.T, h *hub.Hub) []string {
	t.Helper()
	ids, err := h.List(context.Background())
	require.NoError(t, err)
	return ids
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readType skips frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := read(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return frame{}
}

func write(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(v)))
}

func TestHandler_RejectsUnknownGame(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?game=nope"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err = websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_LockAndScoreRoundTrip(t *testing.T) {
	srv := newServer(t)

	a := dial(t, srv, "game=trivia&name=Ann")
	hello := read(t, a)
	require.Equal(t, types.EvtConnected, hello.Type)
	var me types.Connected
	require.NoError(t, json.Unmarshal(hello.Data, &me))
	assert.Equal(t, "Ann", me.DisplayName)
	assert.NotEmpty(t, me.UserID)

	state := read(t, a)
	require.Equal(t, types.EvtGameState, state.Type)
	var gs types.GameState
	require.NoError(t, json.Unmarshal(state.Data, &gs))
	assert.Len(t, gs.Scores, 2)

	b := dial(t, srv, "game=trivia")
	readType(t, b, types.EvtGameState)
	readType(t, a, types.EvtUserJoined)

	// numeric team ids are accepted
	write(t, a, `{"type":"request_edit_lock","team_id":1,"field":"score"}`)
	readType(t, a, types.EvtLockAcquired)
	locked := readType(t, b, types.EvtFieldLocked)
	var fl types.FieldLocked
	require.NoError(t, json.Unmarshal(locked.Data, &fl))
	assert.Equal(t, "Ann", fl.DisplayName)

	write(t, b, `{"type":"request_edit_lock","team_id":"1","field":"score"}`)
	denied := readType(t, b, types.EvtLockDenied)
	var ld types.LockDenied
	require.NoError(t, json.Unmarshal(denied.Data, &ld))
	assert.Equal(t, "Ann", ld.LockedBy)

	write(t, a, `{"type":"release_edit_lock","team_id":1,"field":"score","score":"12","points":999}`)
	for _, c := range []*websocket.Conn{a, b} {
		readType(t, c, types.EvtFieldUnlocked)
		up := readType(t, c, types.EvtScoreUpdated)
		var su types.ScoreUpdated
		require.NoError(t, json.Unmarshal(up.Data, &su))
		assert.Equal(t, "1", su.TeamID)
		assert.Equal(t, 12.0, su.Score)
		assert.Equal(t, 1, su.Rank)
		assert.Equal(t, 20, su.Points, "client points are recomputed")
	}
}

func TestHandler_BadFrames(t *testing.T) {
	srv := newServer(t)
	a := dial(t, srv, "game=trivia")
	readType(t, a, types.EvtGameState)

	write(t, a, `{not json`)
	f := readType(t, a, types.EvtError)
	var e types.Error
	require.NoError(t, json.Unmarshal(f.Data, &e))
	assert.Equal(t, "bad_request", e.Code)

	write(t, a, `{"type":"shout"}`)
	f = readType(t, a, types.EvtError)
	require.NoError(t, json.Unmarshal(f.Data, &e))
	assert.Equal(t, "unknown_command", e.Code)

	write(t, a, `{"type":"join_game","game_id":"other"}`)
	f = readType(t, a, types.EvtError)
	require.NoError(t, json.Unmarshal(f.Data, &e))
	assert.Equal(t, "bad_request", e.Code)
}

func TestHandler_DisconnectReleasesLocks(t *testing.T) {
	srv := newServer(t)
	a := dial(t, srv, "game=trivia&name=Ann")
	readType(t, a, types.EvtGameState)
	b := dial(t, srv, "game=trivia&name=Bo")
	readType(t, b, types.EvtGameState)

	write(t, a, `{"type":"request_edit_lock","team_id":"2","field":"score"}`)
	readType(t, b, types.EvtFieldLocked)

	a.Close(websocket.StatusNormalClosure, "")
	f := readType(t, b, types.EvtFieldUnlocked)
	var un types.FieldUnlocked
	require.NoError(t, json.Unmarshal(f.Data, &un))
	assert.Equal(t, "disconnected", un.Reason)
	readType(t, b, types.EvtUserLeft)

	write(t, b, `{"type":"request_edit_lock","team_id":"2","field":"score"}`)
	readType(t, b, types.EvtLockAcquired)
}

func TestHandler_FailedUpgradeStartsNoSession(t *testing.T) {
	env := newEnv(t)

	resp, err := http.Get(env.srv.URL + "/ws?game=trivia")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, liveGames(t, env.hub))
}

func TestHandler_RejoinSeesUnwrittenScore(t *testing.T) {
	env := newEnv(t)

	a := dial(t, env.srv, "game=trivia&name=Ann")
	readType(t, a, types.EvtGameState)
	write(t, a, `{"type":"update_score","team_id":"1","score":42}`)
	readType(t, a, types.EvtScoreUpdated)

	a.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return len(liveGames(t, env.hub)) == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.writer.Pending())

	b := dial(t, env.srv, "game=trivia")
	f := readType(t, b, types.EvtGameState)
	var gs types.GameState
	require.NoError(t, json.Unmarshal(f.Data, &gs))
	assert.Equal(t, 42.0, gs.Scores["1"].ScoreValue)

	require.NoError(t, env.writer.Flush(context.Background()))
	assert.Equal(t, 42.0, env.mem.Scores("trivia")["1"].BaseScore)
}

func TestHandler_NonFiniteScoreKeepsEveryoneConnected(t *testing.T) {
	srv := newServer(t)
	a := dial(t, srv, "game=trivia&name=Ann")
	readType(t, a, types.EvtGameState)
	b := dial(t, srv, "game=trivia&name=Bo")
	readType(t, b, types.EvtGameState)

	write(t, a, `{"type":"update_score","team_id":"1","score":"NaN"}`)
	write(t, a, `{"type":"update_score","team_id":"2","score":"Infinity"}`)
	write(t, a, `{"type":"update_score","team_id":"1","score":7}`)

	// bystander keeps receiving frames; bad values count as no score
	var last types.ScoreUpdated
	for last.Score != 7 {
		f := readType(t, b, types.EvtScoreUpdated)
		require.NoError(t, json.Unmarshal(f.Data, &last))
	}
	assert.Equal(t, "1", last.TeamID)
}

func TestIdentify(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?game=g&name=%20Kim%20&token=s3cret", nil)
	who := identify(r, "s3cret")
	assert.Equal(t, "Kim", who.DisplayName)
	assert.True(t, who.Admin)
	assert.Len(t, who.ID, 36)

	r = httptest.NewRequest(http.MethodGet, "/ws?game=g&token=guess", nil)
	who = identify(r, "s3cret")
	assert.Equal(t, "Player", who.DisplayName)
	assert.False(t, who.Admin)

	// no configured token means nobody is admin
	r = httptest.NewRequest(http.MethodGet, "/ws?game=g", nil)
	assert.False(t, identify(r, "").Admin)
}

func TestToSessionCommand(t *testing.T) {
	decode := func(s string) types.ClientMessage {
		var m types.ClientMessage
		require.NoError(t, json.Unmarshal([]byte(s), &m))
		return m
	}

	cmd, ok := toSessionCommand(decode(`{"type":"update_score","team_id":3,"score":"abc"}`))
	require.True(t, ok)
	assert.Equal(t, session.Command{Type: session.CmdUpdateScore, TeamID: "3", Score: 0, HasScore: true}, cmd)

	cmd, ok = toSessionCommand(decode(`{"type":"release_edit_lock","team_id":"3"}`))
	require.True(t, ok)
	assert.Equal(t, session.FieldScore, cmd.Field)
	assert.False(t, cmd.HasScore)

	cmd, ok = toSessionCommand(decode(`{"type":"release_edit_lock","team_id":"3","score":null}`))
	require.True(t, ok)
	assert.False(t, cmd.HasScore)

	cmd, ok = toSessionCommand(decode(`{"type":"stop_timer","team_id":"3","time_value":"12.5"}`))
	require.True(t, ok)
	require.NotNil(t, cmd.TimeValue)
	assert.Equal(t, 12.5, *cmd.TimeValue)

	cmd, ok = toSessionCommand(decode(`{"type":"stop_timer","team_id":"3"}`))
	require.True(t, ok)
	assert.Nil(t, cmd.TimeValue)

	cmd, ok = toSessionCommand(decode(`{"type":"apply_penalty","team_id":"3","penalty_id":7,"op":"toggle"}`))
	require.True(t, ok)
	assert.Equal(t, "7", cmd.PenaltyID)
	assert.Equal(t, engine.OpToggle, cmd.Op)

	_, ok = toSessionCommand(decode(`{"type":"dance"}`))
	assert.False(t, ok)
}
