package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
)

// Fixture is the TOML layout the memory store loads:
//
//	[[team]]
//	id = "1"
//	name = "Reds"
//
//	[[game]]
//	id = "7"
//	direction = "lower_better"
//	point_scheme = 10
//	teams = ["1", "2"]   # optional, defaults to every team
//	  [[game.penalty]]
//	  id = "drop"
//	  value = 5
//	  stackable = true
type Fixture struct {
	Teams []FixtureTeam `toml:"team"`
	Games []FixtureGame `toml:"game"`
}

type FixtureTeam struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Color string `toml:"color"`
}

type FixtureGame struct {
	ID          string           `toml:"id"`
	Name        string           `toml:"name"`
	Direction   string           `toml:"direction"`
	PointScheme int              `toml:"point_scheme"`
	TeamCount   int              `toml:"team_count"`
	Metric      string           `toml:"metric"`
	Teams       []string         `toml:"teams"`
	Penalties   []FixturePenalty `toml:"penalty"`
}

type FixturePenalty struct {
	ID        string  `toml:"id"`
	Name      string  `toml:"name"`
	Value     float64 `toml:"value"`
	Stackable bool    `toml:"stackable"`
}

// MemoryStore keeps everything in process memory. Saved scores survive only
// as long as the process.
type MemoryStore struct {
	mu     sync.RWMutex
	games  map[string]engine.Game
	order  []string
	scores map[string]map[engine.TeamID]engine.ScoreRecord
}

func NewMemoryStore(games ...engine.Game) (*MemoryStore, error) {
	m := &MemoryStore{
		games:  make(map[string]engine.Game),
		scores: make(map[string]map[engine.TeamID]engine.ScoreRecord),
	}
	for _, g := range games {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.games[g.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate game id %q", engine.ErrInvalidGame, g.ID)
		}
		m.games[g.ID] = g
		m.order = append(m.order, g.ID)
	}
	return m, nil
}

// DecodeFile reads a TOML fixture file.
func (fx *Fixture) DecodeFile(path string) error {
	md, err := toml.DecodeFile(path, fx)
	if err != nil {
		return fmt.Errorf("failed to decode fixture %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("fixture %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

// LoadFixture reads a TOML fixture file into a MemoryStore.
func LoadFixture(path string) (*MemoryStore, error) {
	var fx Fixture
	if err := fx.DecodeFile(path); err != nil {
		return nil, err
	}
	games, err := fx.Build()
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(games...)
}

// ParseFixture decodes fixture text, mostly for tests.
func ParseFixture(data string) (*MemoryStore, error) {
	var fx Fixture
	if _, err := toml.Decode(data, &fx); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}
	games, err := fx.Build()
	if err != nil {
		return nil, err
	}
	return NewMemoryStore(games...)
}

// Build turns the fixture into games, resolving team references.
func (fx Fixture) Build() ([]engine.Game, error) {
	teams := make(map[string]engine.Team, len(fx.Teams))
	all := make([]engine.Team, 0, len(fx.Teams))
	for _, t := range fx.Teams {
		team := engine.Team{ID: engine.TeamID(t.ID), Name: t.Name, Color: t.Color}
		teams[t.ID] = team
		all = append(all, team)
	}

	out := make([]engine.Game, 0, len(fx.Games))
	for _, fg := range fx.Games {
		dir, err := engine.ParseDirection(fg.Direction)
		if err != nil {
			return nil, fmt.Errorf("game %q: %w", fg.ID, err)
		}
		g := engine.Game{
			ID:          fg.ID,
			Name:        fg.Name,
			Direction:   dir,
			PointScheme: fg.PointScheme,
			TeamCount:   fg.TeamCount,
			Metric:      engine.Metric(fg.Metric),
			Teams:       all,
		}
		if g.PointScheme == 0 {
			g.PointScheme = 1
		}
		if g.Metric == "" {
			g.Metric = engine.MetricManual
		}
		if len(fg.Teams) > 0 {
			g.Teams = make([]engine.Team, 0, len(fg.Teams))
			for _, id := range fg.Teams {
				t, ok := teams[id]
				if !ok {
					return nil, fmt.Errorf("game %q: %w: %q", fg.ID, engine.ErrUnknownTeam, id)
				}
				g.Teams = append(g.Teams, t)
			}
		}
		for _, p := range fg.Penalties {
			g.Penalties = append(g.Penalties, engine.PenaltyDef(p))
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *MemoryStore) LoadGame(_ context.Context, gameID string) (engine.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.games[gameID]
	if !ok {
		return engine.Game{}, fmt.Errorf("%w: %q", ErrGameNotFound, gameID)
	}
	g.Teams = slices.Clone(g.Teams)
	g.Penalties = slices.Clone(g.Penalties)
	g.Scores = make(map[engine.TeamID]float64, len(m.scores[gameID]))
	for id, r := range m.scores[gameID] {
		g.Scores[id] = r.BaseScore
	}
	return g, nil
}

func (m *MemoryStore) SaveScores(_ context.Context, gameID string, recs []engine.ScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.games[gameID]; !ok {
		return fmt.Errorf("%w: %q", ErrGameNotFound, gameID)
	}
	saved := m.scores[gameID]
	if saved == nil {
		saved = make(map[engine.TeamID]engine.ScoreRecord)
		m.scores[gameID] = saved
	}
	for _, r := range recs {
		saved[r.TeamID] = r
	}
	return nil
}

// Scores returns the saved records of a game.
func (m *MemoryStore) Scores(gameID string) map[engine.TeamID]engine.ScoreRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[engine.TeamID]engine.ScoreRecord, len(m.scores[gameID]))
	for id, r := range m.scores[gameID] {
		out[id] = r
	}
	return out
}

func (m *MemoryStore) ListGames(_ context.Context) ([]GameSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]GameSummary, 0, len(m.order))
	for _, id := range m.order {
		g := m.games[id]
		out = append(out, GameSummary{ID: g.ID, Name: g.Name, Direction: g.Direction, Teams: len(g.Teams)})
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
