package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
)

type writeKey struct {
	gameID string
	teamID engine.TeamID
}

// Writer persists committed scores behind the sessions' backs. Commit never
// blocks; only the newest record per (game, team) is kept until the next
// flush. LoadGame reads through it, so records not yet written still count.
type Writer struct {
	store      Store
	log        *zap.Logger
	retryAfter time.Duration

	flushMu sync.Mutex // one flush at a time

	mu       sync.Mutex
	pending  map[writeKey]engine.ScoreRecord
	inflight map[writeKey]engine.ScoreRecord
	wake     chan struct{}
}

func NewWriter(s Store, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store:      s,
		log:        log.Named("writer"),
		retryAfter: time.Second,
		pending:    make(map[writeKey]engine.ScoreRecord),
		wake:       make(chan struct{}, 1),
	}
}

// Commit implements session.ScoreSink.
func (w *Writer) Commit(gameID string, rec engine.ScoreRecord) {
	w.mu.Lock()
	w.pending[writeKey{gameID: gameID, teamID: rec.TeamID}] = rec
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run flushes whenever new records arrive, until ctx is done. A last flush
// runs on the way out with a short deadline of its own.
func (w *Writer) Run(ctx context.Context) error {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return w.Flush(final)
		case <-w.wake:
		case <-retry:
		}

		retry = nil
		if err := w.Flush(ctx); err != nil {
			w.log.Error("failed to persist scores", zap.Error(err))
			retry = time.After(w.retryAfter)
		}
	}
}

// Flush writes everything pending, one batch per game. Batches that fail are
// put back unless a newer record for the same team arrived meanwhile.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[writeKey]engine.ScoreRecord)
	w.inflight = batch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inflight = nil
		w.mu.Unlock()
	}()

	if len(batch) == 0 {
		return nil
	}

	byGame := make(map[string][]engine.ScoreRecord)
	for k, r := range batch {
		byGame[k.gameID] = append(byGame[k.gameID], r)
	}
	gameIDs := make([]string, 0, len(byGame))
	for id := range byGame {
		gameIDs = append(gameIDs, id)
	}
	slices.Sort(gameIDs)

	var errs error
	for _, id := range gameIDs {
		recs := byGame[id]
		slices.SortFunc(recs, func(a, b engine.ScoreRecord) int { return cmp.Compare(a.TeamID, b.TeamID) })
		if err := w.store.SaveScores(ctx, id, recs); err != nil {
			errs = multierr.Append(errs, err)
			w.requeue(id, recs)
			continue
		}
		w.log.Debug("scores persisted", zap.String("game_id", id), zap.Int("teams", len(recs)))
	}
	return errs
}

func (w *Writer) requeue(gameID string, recs []engine.ScoreRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range recs {
		k := writeKey{gameID: gameID, teamID: r.TeamID}
		if _, newer := w.pending[k]; !newer {
			w.pending[k] = r
		}
	}
}

// LoadGame loads from the store and lays unwritten records over the saved
// scores.
func (w *Writer) LoadGame(ctx context.Context, gameID string) (engine.Game, error) {
	g, err := w.store.LoadGame(ctx, gameID)
	if err != nil {
		return g, err
	}
	if g.Scores == nil {
		g.Scores = make(map[engine.TeamID]float64)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range []map[writeKey]engine.ScoreRecord{w.inflight, w.pending} {
		for k, r := range m {
			if k.gameID == gameID {
				g.Scores[k.teamID] = r.BaseScore
			}
		}
	}
	return g, nil
}
