package session

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gamenight-scoring/internal/editlock"
	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
	"github.com/DoyleJ11/gamenight-scoring/internal/types"
)

func (s *Session) handleCommand(connID string, cmd Command) {
	c, ok := s.clients[connID]
	if !ok {
		// Not joined (or already dropped): nobody to answer.
		s.log.Debug("command from unknown client", zap.String("conn_id", connID), zap.String("cmd", string(cmd.Type)))
		return
	}

	var err error
	switch cmd.Type {
	case CmdRequestLock:
		err = s.requestLock(c, cmd)
	case CmdReleaseLock:
		err = s.releaseLock(c, cmd)
	case CmdUpdateScore:
		err = s.updateScore(c, cmd)
	case CmdApplyPenalty:
		err = s.applyPenalty(c, cmd)
	case CmdStartTimer:
		err = s.startTimer(c, cmd)
	case CmdStopTimer:
		err = s.stopTimer(c, cmd)
	case CmdClearTimers:
		err = s.clearTimers(c, cmd)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}

	if err != nil {
		s.log.Warn("request rejected",
			zap.String("conn_id", connID), zap.String("cmd", string(cmd.Type)),
			zap.String("team_id", string(cmd.TeamID)), zap.Error(err))
		s.sendTo(connID, types.ServerMessage{Type: types.EvtError, Data: types.Error{
			Code:    errorCode(err),
			Message: err.Error(),
		}})
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, editlock.ErrStaleRelease), errors.Is(err, editlock.ErrNotLocked):
		return "stale_release"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	default:
		return "validation"
	}
}

func (s *Session) checkTeam(team engine.TeamID) error {
	if !s.game.HasTeam(team) {
		return fmt.Errorf("%w: %q", engine.ErrUnknownTeam, team)
	}
	return nil
}

func (s *Session) lockKey(cmd Command) (editlock.Key, error) {
	if err := s.checkTeam(cmd.TeamID); err != nil {
		return editlock.Key{}, err
	}
	if cmd.Field != FieldScore {
		return editlock.Key{}, fmt.Errorf("%w: %q", ErrUnknownField, cmd.Field)
	}
	return editlock.Key{TeamID: cmd.TeamID, Field: cmd.Field}, nil
}

func (s *Session) requestLock(c *client, cmd Command) error {
	key, err := s.lockKey(cmd)
	if err != nil {
		return err
	}
	s.flushScores()

	_, held := s.locks.Holder(key)
	res := s.locks.Request(key, editlock.Owner{ID: c.who.ID, DisplayName: c.who.DisplayName})
	if !res.Granted {
		s.log.Debug("lock denied", zap.String("team_id", string(key.TeamID)),
			zap.String("conn_id", c.who.ID), zap.String("holder", res.Holder.ID))
		s.sendTo(c.who.ID, types.ServerMessage{Type: types.EvtLockDenied, Data: types.LockDenied{
			TeamID:   string(key.TeamID),
			Field:    key.Field,
			LockedBy: res.Holder.DisplayName,
		}})
		return nil
	}

	s.sendTo(c.who.ID, types.ServerMessage{Type: types.EvtLockAcquired, Data: types.LockAcquired{
		GameID: s.game.ID,
		TeamID: string(key.TeamID),
		Field:  key.Field,
	}})
	if !held {
		s.broadcast(types.ServerMessage{Type: types.EvtFieldLocked, Data: types.FieldLocked{
			TeamID:      string(key.TeamID),
			Field:       key.Field,
			UserID:      c.who.ID,
			DisplayName: c.who.DisplayName,
		}}, c.who.ID)
	}
	return nil
}

// releaseLock commits the final value, if any, and unlocks the field. A
// release from anyone but the holder changes nothing.
func (s *Session) releaseLock(c *client, cmd Command) error {
	key, err := s.lockKey(cmd)
	if err != nil {
		return err
	}
	// A bad final value keeps the lock so the holder can retry.
	if cmd.HasScore && (math.IsNaN(cmd.Score) || math.IsInf(cmd.Score, 0)) {
		return fmt.Errorf("%w: %v", engine.ErrInvalidScore, cmd.Score)
	}
	if _, err := s.locks.Release(key, c.who.ID); err != nil {
		return fmt.Errorf("release %s/%s: %w", key.TeamID, key.Field, err)
	}

	s.flushScores()
	unlocked := types.FieldUnlocked{
		TeamID:    string(key.TeamID),
		Field:     key.Field,
		UpdatedBy: c.who.DisplayName,
		Reason:    "released",
	}
	if cmd.HasScore {
		if err := s.board.SetBase(key.TeamID, cmd.Score); err != nil {
			return err
		}
		s.version++
		s.commitScores()
		rec := s.board.Record(key.TeamID)
		unlocked.Score = &rec.BaseScore
		unlocked.Points = &rec.Points
		s.updatedBy[key.TeamID] = c.who.DisplayName
	}
	s.broadcast(types.ServerMessage{Type: types.EvtFieldUnlocked, Data: unlocked}, "")
	s.flushScores()
	return nil
}

// updateScore commits immediately; the broadcast may be coalesced.
func (s *Session) updateScore(c *client, cmd Command) error {
	if err := s.checkTeam(cmd.TeamID); err != nil {
		return err
	}
	key := editlock.Key{TeamID: cmd.TeamID, Field: FieldScore}
	if holder, held := s.locks.Holder(key); held && holder.ID != c.who.ID {
		s.sendTo(c.who.ID, types.ServerMessage{Type: types.EvtLockDenied, Data: types.LockDenied{
			TeamID:   string(key.TeamID),
			Field:    key.Field,
			LockedBy: holder.DisplayName,
		}})
		return nil
	}
	s.locks.Touch(key, c.who.ID)

	if err := s.board.SetBase(cmd.TeamID, cmd.Score); err != nil {
		return err
	}
	s.version++
	s.commitScores()
	s.updatedBy[cmd.TeamID] = c.who.DisplayName
	s.scheduleFlush()
	return nil
}

func (s *Session) applyPenalty(c *client, cmd Command) error {
	if err := s.checkTeam(cmd.TeamID); err != nil {
		return err
	}
	s.flushScores()
	n, err := s.board.ApplyPenalty(cmd.TeamID, cmd.PenaltyID, cmd.Op)
	if err != nil {
		return err
	}
	s.version++
	s.commitScores()

	s.broadcast(types.ServerMessage{Type: types.EvtPenaltyApplied, Data: types.PenaltyApplied{
		TeamID:       string(cmd.TeamID),
		PenaltyID:    cmd.PenaltyID,
		Count:        n,
		PenaltyTotal: s.board.Record(cmd.TeamID).PenaltyTotal,
		UpdatedBy:    c.who.DisplayName,
	}}, "")
	s.updatedBy[cmd.TeamID] = c.who.DisplayName
	s.flushScores()
	return nil
}

func (s *Session) startTimer(c *client, cmd Command) error {
	if err := s.checkTeam(cmd.TeamID); err != nil {
		return err
	}
	s.running[timerKey{team: cmd.TeamID, connID: c.who.ID}] = c.who

	s.flushScores()
	s.broadcast(types.ServerMessage{Type: types.EvtTimerStarted, Data: types.TimerStarted{
		TeamID:      string(cmd.TeamID),
		UserID:      c.who.ID,
		DisplayName: c.who.DisplayName,
	}}, "")
	return nil
}

func (s *Session) stopTimer(c *client, cmd Command) error {
	if err := s.checkTeam(cmd.TeamID); err != nil {
		return err
	}
	if cmd.TimeValue == nil {
		return ErrMissingTime
	}
	s.flushScores()
	stats, err := s.board.RecordTime(cmd.TeamID, *cmd.TimeValue)
	if err != nil {
		return err
	}
	delete(s.running, timerKey{team: cmd.TeamID, connID: c.who.ID})
	s.version++
	s.commitScores()

	value := *cmd.TimeValue
	avg := stats.Average
	s.broadcast(types.ServerMessage{Type: types.EvtTimerStopped, Data: types.TimerStopped{
		TeamID:      string(cmd.TeamID),
		UserID:      c.who.ID,
		DisplayName: c.who.DisplayName,
		Time:        &value,
		Average:     &avg,
		AllTimes:    stats.Samples,
		TimerCount:  stats.Count,
	}}, "")
	s.updatedBy[cmd.TeamID] = c.who.DisplayName
	s.flushScores()
	return nil
}

func (s *Session) clearTimers(c *client, cmd Command) error {
	if err := s.checkTeam(cmd.TeamID); err != nil {
		return err
	}
	if !c.who.Admin {
		return fmt.Errorf("%w: only admins can clear timers", ErrForbidden)
	}
	s.flushScores()
	n, err := s.board.ClearTimers(cmd.TeamID)
	if err != nil {
		return err
	}
	s.version++
	s.commitScores()

	s.broadcast(types.ServerMessage{Type: types.EvtTimersCleared, Data: types.TimersCleared{
		TeamID:     string(cmd.TeamID),
		Count:      n,
		AllTimes:   []float64{},
		TimerCount: 0,
	}}, "")
	s.updatedBy[cmd.TeamID] = c.who.DisplayName
	s.flushScores()
	return nil
}

// scheduleFlush arms the coalescing timer, or flushes now when coalescing is
// off. An armed timer is left alone so a burst yields one broadcast.
func (s *Session) scheduleFlush() {
	if s.opts.CoalesceWindow <= 0 {
		s.flushScores()
		return
	}
	if s.flush == nil {
		s.flush = time.NewTimer(s.opts.CoalesceWindow)
		s.flushC = s.flush.C
	}
}

// flushScores broadcasts score_updated for every team whose published view
// is out of date. Callers run it before any other broadcast so clients see
// effects in commit order.
func (s *Session) flushScores() {
	if s.flush != nil {
		s.flush.Stop()
		s.flush, s.flushC = nil, nil
	}
	for _, rec := range changed(s.board.Records(), s.published) {
		s.broadcast(types.ServerMessage{Type: types.EvtScoreUpdated, Data: types.ScoreUpdated{
			TeamID:       string(rec.TeamID),
			Score:        rec.BaseScore,
			Points:       rec.Points,
			Rank:         rec.Rank,
			PenaltyTotal: rec.PenaltyTotal,
			FinalScore:   rec.FinalScore(),
			UpdatedBy:    s.updatedBy[rec.TeamID],
		}}, "")
	}
	clear(s.updatedBy)
}

// commitScores hands changed records to the sink. It is never throttled.
func (s *Session) commitScores() {
	recs := changed(s.board.Records(), s.committed)
	if s.opts.Sink == nil {
		return
	}
	for _, rec := range recs {
		s.opts.Sink.Commit(s.game.ID, rec)
	}
}

// changed returns the records that differ from seen and records them as seen.
func changed(recs []engine.ScoreRecord, seen map[engine.TeamID]scoreView) []engine.ScoreRecord {
	var out []engine.ScoreRecord
	for _, r := range recs {
		v := viewOf(r)
		if prev, ok := seen[r.TeamID]; ok && prev == v {
			continue
		}
		seen[r.TeamID] = v
		out = append(out, r)
	}
	return out
}

func viewOf(r engine.ScoreRecord) scoreView {
	return scoreView{base: r.BaseScore, penalty: r.PenaltyTotal, rank: r.Rank, points: r.Points}
}

func (s *Session) gameState() types.GameState {
	st := types.GameState{
		GameID: s.game.ID,
		Scores: scoreEntries(s.board),
		Locks:  []types.LockEntry{},
	}
	for _, l := range s.locks.Locks() {
		st.Locks = append(st.Locks, types.LockEntry{
			TeamID:      string(l.TeamID),
			Field:       l.Field,
			UserID:      l.Owner.ID,
			DisplayName: l.Owner.DisplayName,
		})
	}
	return st
}

// StateOf is the game_state of a game with no live session: its saved
// scores ranked, and no locks.
func StateOf(g engine.Game) types.GameState {
	return types.GameState{
		GameID: g.ID,
		Scores: scoreEntries(engine.NewBoard(g)),
		Locks:  []types.LockEntry{},
	}
}

func scoreEntries(b *engine.Board) map[string]types.ScoreEntry {
	recs := b.Records()
	out := make(map[string]types.ScoreEntry, len(recs))
	for _, r := range recs {
		e := types.ScoreEntry{
			ScoreValue:   r.BaseScore,
			PenaltyTotal: r.PenaltyTotal,
			FinalScore:   r.FinalScore(),
			Rank:         r.Rank,
			Points:       r.Points,
			Penalties:    r.Penalties,
			TimerCount:   r.TimerCount,
		}
		if r.TimerCount > 0 {
			avg := r.TimerAverage
			e.MultiTimerAvg = &avg
		}
		out[string(r.TeamID)] = e
	}
	return out
}
