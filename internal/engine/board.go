package engine

import (
	"fmt"
	"math"
)

// Board is the authoritative score state of one game: base scores, the
// penalty ledger and the timer samples, plus the standings derived from them.
// Every mutation recomputes the standings before returning.
type Board struct {
	game    Game
	base    map[TeamID]float64
	ledger  *Ledger
	timers  *Timers
	records map[TeamID]ScoreRecord
}

func NewBoard(g Game) *Board {
	b := &Board{
		game:    g,
		base:    make(map[TeamID]float64, len(g.Teams)),
		ledger:  NewLedger(g.Penalties),
		timers:  NewTimers(),
		records: make(map[TeamID]ScoreRecord, len(g.Teams)),
	}
	for id, v := range g.Scores {
		if g.HasTeam(id) && finite(v) {
			b.base[id] = v
		}
	}
	b.recompute()
	return b
}

func (b *Board) Game() Game { return b.game }

func (b *Board) checkTeam(team TeamID) error {
	if !b.game.HasTeam(team) {
		return fmt.Errorf("%w: %q", ErrUnknownTeam, team)
	}
	return nil
}

func (b *Board) SetBase(team TeamID, score float64) error {
	if err := b.checkTeam(team); err != nil {
		return err
	}
	if !finite(score) {
		return fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}
	b.base[team] = score
	b.recompute()
	return nil
}

func (b *Board) ApplyPenalty(team TeamID, penaltyID string, op PenaltyOp) (int, error) {
	if err := b.checkTeam(team); err != nil {
		return 0, err
	}
	n, err := b.ledger.Apply(team, penaltyID, op)
	if err != nil {
		return n, err
	}
	b.recompute()
	return n, nil
}

// RecordTime appends a timer sample. For timed games the new average becomes
// the team's base score.
func (b *Board) RecordTime(team TeamID, value float64) (TimerStats, error) {
	if err := b.checkTeam(team); err != nil {
		return TimerStats{}, err
	}
	if err := b.timers.Record(team, value); err != nil {
		return TimerStats{}, err
	}
	if b.game.Metric == MetricTime {
		avg, _ := b.timers.Average(team)
		b.base[team] = avg
	}
	b.recompute()
	return b.timers.Stats(team), nil
}

// ClearTimers drops a team's samples. A timed game's base score came from
// them, so it goes back to unscored.
func (b *Board) ClearTimers(team TeamID) (int, error) {
	if err := b.checkTeam(team); err != nil {
		return 0, err
	}
	n := b.timers.Clear(team)
	if b.game.Metric == MetricTime {
		delete(b.base, team)
	}
	b.recompute()
	return n, nil
}

func (b *Board) TimerStats(team TeamID) TimerStats {
	return b.timers.Stats(team)
}

func (b *Board) Record(team TeamID) ScoreRecord {
	return b.records[team]
}

// Records returns every team's record in roster order.
func (b *Board) Records() []ScoreRecord {
	out := make([]ScoreRecord, 0, len(b.game.Teams))
	for _, t := range b.game.Teams {
		out = append(out, b.records[t.ID])
	}
	return out
}

func (b *Board) recompute() {
	entries := make([]Entry, 0, len(b.game.Teams))
	for _, t := range b.game.Teams {
		base := b.base[t.ID]
		entries = append(entries, Entry{
			TeamID:     t.ID,
			BaseScore:  base,
			FinalScore: base + b.ledger.Total(t.ID),
		})
	}

	standings := Rank(entries, b.game.Direction, b.game.PointScheme, b.game.DeclaredTeams())
	for i, st := range standings {
		avg, _ := b.timers.Average(st.TeamID)
		b.records[st.TeamID] = ScoreRecord{
			TeamID:       st.TeamID,
			BaseScore:    entries[i].BaseScore,
			PenaltyTotal: b.ledger.Total(st.TeamID),
			Rank:         st.Rank,
			Points:       st.Points,
			Penalties:    b.ledger.Counts(st.TeamID),
			TimerAverage: avg,
			TimerCount:   b.timers.Count(st.TeamID),
		}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
