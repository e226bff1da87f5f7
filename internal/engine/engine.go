package engine

import (
	"errors"
	"fmt"
)

var ErrUnknownTeam = errors.New("unknown team")
var ErrUnknownPenalty = errors.New("unknown penalty")
var ErrPenaltyOp = errors.New("penalty operation not allowed")
var ErrInvalidTime = errors.New("invalid time value")
var ErrInvalidScore = errors.New("invalid score value")
var ErrInvalidGame = errors.New("invalid game configuration")

type TeamID string

type Direction string

const (
	LowerBetter  Direction = "lower_better"
	HigherBetter Direction = "higher_better"
)

type Metric string

const (
	MetricManual Metric = "manual"
	MetricTime   Metric = "time"
)

type Team struct {
	ID    TeamID `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Game is the reference data a session is created from. It is read-only for
// the lifetime of the session.
type Game struct {
	ID          string
	Name        string
	Direction   Direction
	PointScheme int
	TeamCount   int // declared roster size; 0 means len(Teams)
	Metric      Metric
	Teams       []Team
	Penalties   []PenaltyDef

	// Scores already committed for this game, applied as base scores when the
	// session starts.
	Scores map[TeamID]float64
}

// DeclaredTeams is the roster size points are scaled by.
func (g Game) DeclaredTeams() int {
	if g.TeamCount > 0 {
		return g.TeamCount
	}
	return len(g.Teams)
}

func (g Game) HasTeam(id TeamID) bool {
	for _, t := range g.Teams {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (g Game) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidGame)
	}
	if _, err := ParseDirection(string(g.Direction)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGame, err)
	}
	if g.PointScheme <= 0 {
		return fmt.Errorf("%w: point scheme must be positive, got %d", ErrInvalidGame, g.PointScheme)
	}
	seen := make(map[TeamID]bool, len(g.Teams))
	for _, t := range g.Teams {
		if t.ID == "" || seen[t.ID] {
			return fmt.Errorf("%w: bad or duplicate team id %q", ErrInvalidGame, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case LowerBetter, HigherBetter:
		return Direction(s), nil
	case "":
		return LowerBetter, nil
	default:
		return "", fmt.Errorf("unknown scoring direction %q", s)
	}
}

// ScoreRecord is the derived view of one team's score. FinalScore is always
// computed, never stored.
type ScoreRecord struct {
	TeamID       TeamID
	BaseScore    float64
	PenaltyTotal float64
	Rank         int // 0 means unranked
	Points       int
	Penalties    map[string]int
	TimerAverage float64
	TimerCount   int
}

func (r ScoreRecord) FinalScore() float64 {
	return r.BaseScore + r.PenaltyTotal
}

// Scored reports whether the team takes part in ranking. A team whose base
// and final scores are both 0 counts as not scored yet.
func (r ScoreRecord) Scored() bool {
	return r.BaseScore > 0 || r.FinalScore() > 0
}
