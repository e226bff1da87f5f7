// Package store is the persistence side of the scoring coordinator: it
// supplies game configuration when a session starts and keeps the scores the
// sessions commit.
package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
)

var ErrGameNotFound = errors.New("game not found")

type Store interface {
	// LoadGame returns the game's rules, roster, penalties and the scores
	// saved so far. Returns ErrGameNotFound for unknown ids.
	LoadGame(ctx context.Context, gameID string) (engine.Game, error)

	// SaveScores upserts one row per team.
	SaveScores(ctx context.Context, gameID string, recs []engine.ScoreRecord) error

	ListGames(ctx context.Context) ([]GameSummary, error)

	Close() error
}

type GameSummary struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Direction engine.Direction `json:"direction"`
	Teams     int              `json:"teams"`
}
