package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
)

const fixture = `
[[team]]
id = "1"
name = "Reds"
color = "#ff0000"

[[team]]
id = "2"
name = "Blues"

[[team]]
id = "3"
name = "Greens"

[[game]]
id = "cornhole"
name = "Cornhole"
direction = "higher_better"
point_scheme = 10

[[game]]
id = "relay"
name = "Relay"
metric = "time"
teams = ["2", "1"]
team_count = 6
  [[game.penalty]]
  id = "drop"
  name = "Dropped baton"
  value = 5
  stackable = true
  [[game.penalty]]
  id = "false-start"
  value = 10
`

func TestFixture_LoadsGames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "games.toml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o644))

	s, err := LoadFixture(path)
	require.NoError(t, err)

	g, err := s.LoadGame(context.Background(), "relay")
	require.NoError(t, err)
	assert.Equal(t, engine.LowerBetter, g.Direction, "direction defaults to lower_better")
	assert.Equal(t, 1, g.PointScheme)
	assert.Equal(t, engine.MetricTime, g.Metric)
	assert.Equal(t, 6, g.DeclaredTeams())
	require.Len(t, g.Teams, 2)
	assert.Equal(t, engine.TeamID("2"), g.Teams[0].ID)
	require.Len(t, g.Penalties, 2)
	assert.True(t, g.Penalties[0].Stackable)
	assert.False(t, g.Penalties[1].Stackable)

	g, err = s.LoadGame(context.Background(), "cornhole")
	require.NoError(t, err)
	assert.Len(t, g.Teams, 3)
	assert.Equal(t, "#ff0000", g.Teams[0].Color)

	games, err := s.ListGames(context.Background())
	require.NoError(t, err)
	require.Len(t, games, 2)
	assert.Equal(t, "cornhole", games[0].ID)
}

func TestFixture_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown roster team": "[[game]]\nid = \"g\"\nteams = [\"9\"]\n",
		"bad direction":       "[[game]]\nid = \"g\"\ndirection = \"up\"\n",
		"duplicate game":      "[[game]]\nid = \"g\"\n[[game]]\nid = \"g\"\n",
		"not toml":            "[[game",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFixture(data)
			assert.Error(t, err)
		})
	}
}

func TestMemoryStore_SavedScoresSeedNextLoad(t *testing.T) {
	s, err := ParseFixture(fixture)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.SaveScores(ctx, "cornhole", []engine.ScoreRecord{{TeamID: "1", BaseScore: 14, Points: 30, Rank: 1}})
	require.NoError(t, err)

	g, err := s.LoadGame(ctx, "cornhole")
	require.NoError(t, err)
	assert.Equal(t, map[engine.TeamID]float64{"1": 14}, g.Scores)

	_, err = s.LoadGame(ctx, "nope")
	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.ErrorIs(t, s.SaveScores(ctx, "nope", nil), ErrGameNotFound)
}

type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakyStore) SaveScores(ctx context.Context, gameID string, recs []engine.ScoreRecord) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return f.MemoryStore.SaveScores(ctx, gameID, recs)
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func TestWriter_KeepsLatestPerTeam(t *testing.T) {
	mem, err := ParseFixture(fixture)
	require.NoError(t, err)
	w := NewWriter(mem, zap.NewNop())

	w.Commit("cornhole", engine.ScoreRecord{TeamID: "1", BaseScore: 1})
	w.Commit("cornhole", engine.ScoreRecord{TeamID: "1", BaseScore: 2})
	w.Commit("cornhole", engine.ScoreRecord{TeamID: "2", BaseScore: 7})
	assert.Equal(t, 2, w.Pending())

	require.NoError(t, w.Flush(context.Background()))
	saved := mem.Scores("cornhole")
	assert.Equal(t, 2.0, saved["1"].BaseScore)
	assert.Equal(t, 7.0, saved["2"].BaseScore)
	assert.Equal(t, 0, w.Pending())
}

func TestWriter_RequeuesFailedBatches(t *testing.T) {
	mem, err := ParseFixture(fixture)
	require.NoError(t, err)
	fs := &flakyStore{MemoryStore: mem, fail: true}
	w := NewWriter(fs, nil)

	w.Commit("cornhole", engine.ScoreRecord{TeamID: "1", BaseScore: 3})
	assert.Error(t, w.Flush(context.Background()))
	assert.Equal(t, 1, w.Pending())

	// a newer value that arrives before the retry wins
	w.Commit("cornhole", engine.ScoreRecord{TeamID: "1", BaseScore: 4})
	fs.setFail(false)
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 4.0, mem.Scores("cornhole")["1"].BaseScore)
}

func TestWriter_RunFlushesOnCommitAndExit(t *testing.T) {
	mem, err := ParseFixture(fixture)
	require.NoError(t, err)
	w := NewWriter(mem, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.Commit("relay", engine.ScoreRecord{TeamID: "2", BaseScore: 9.5})
	require.Eventually(t, func() bool {
		return mem.Scores("relay")["2"].BaseScore == 9.5
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("writer did not stop")
	}
}

// gateStore holds SaveScores until release is closed.
type gateStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) SaveScores(ctx context.Context, gameID string, recs []engine.ScoreRecord) error {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStore.SaveScores(ctx, gameID, recs)
}

func TestWriter_LoadGameSeesUnwrittenScores(t *testing.T) {
	mem, err := ParseFixture(fixture)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mem.SaveScores(ctx, "cornhole", []engine.ScoreRecord{{TeamID: "2", BaseScore: 5}}))

	fs := &flakyStore{MemoryStore: mem, fail: true}
	w := NewWriter(fs, nil)
	w.Commit("cornhole", engine.ScoreRecord{TeamID: "1", BaseScore: 42})
	w.Commit("relay", engine.ScoreRecord{TeamID: "1", BaseScore: 9})

	g, err := w.LoadGame(ctx, "cornhole")
	require.NoError(t, err)
	assert.Equal(t, map[engine.TeamID]float64{"1": 42, "2": 5}, g.Scores)

	// still visible after a failed write
	require.Error(t, w.Flush(ctx))
	g, err = w.LoadGame(ctx, "cornhole")
	require.NoError(t, err)
	assert.Equal(t, 42.0, g.Scores["1"])

	_, err = w.LoadGame(ctx, "nope")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestWriter_LoadGameSeesInflightScores(t *testing.T) {
	mem, err := ParseFixture(fixture)
	require.NoError(t, err)
	gs := &gateStore{MemoryStore: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
	w := NewWriter(gs, nil)
	ctx := context.Background()

	w.Commit("cornhole", engine.ScoreRecord{TeamID: "1", BaseScore: 42})
	flushed := make(chan error, 1)
	go func() { flushed <- w.Flush(ctx) }()
	<-gs.entered

	g, err := w.LoadGame(ctx, "cornhole")
	require.NoError(t, err)
	assert.Equal(t, 42.0, g.Scores["1"], "score being written is not lost")

	close(gs.release)
	require.NoError(t, <-flushed)
	g, err = w.LoadGame(ctx, "cornhole")
	require.NoError(t, err)
	assert.Equal(t, 42.0, g.Scores["1"])
	assert.Equal(t, 0, w.Pending())
}
