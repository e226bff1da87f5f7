// Package types holds the JSON frames exchanged with scoring clients.
//
// Client frames are flat objects keyed by "type". Server frames carry the
// event name in "type" and its payload in "data".
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Client -> server
const (
	MsgJoinGame     = "join_game"
	MsgLeaveGame    = "leave_game"
	MsgRequestLock  = "request_edit_lock"
	MsgReleaseLock  = "release_edit_lock"
	MsgUpdateScore  = "update_score"
	MsgApplyPenalty = "apply_penalty"
	MsgStartTimer   = "start_timer"
	MsgStopTimer    = "stop_timer"
	MsgClearTimers  = "clear_timers"
)

// Server -> client
const (
	EvtConnected      = "connected"
	EvtGameState      = "game_state"
	EvtUserJoined     = "user_joined"
	EvtUserLeft       = "user_left"
	EvtLockAcquired   = "lock_acquired"
	EvtFieldLocked    = "field_locked"
	EvtLockDenied     = "lock_denied"
	EvtFieldUnlocked  = "field_unlocked"
	EvtScoreUpdated   = "score_updated"
	EvtPenaltyApplied = "penalty_applied"
	EvtTimerStarted   = "timer_started"
	EvtTimerStopped   = "timer_stopped"
	EvtTimersCleared  = "timers_cleared"
	EvtError          = "error"
)

// ID accepts both JSON strings and numbers, since clients send numeric
// database ids.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type ClientMessage struct {
	Type      string          `json:"type"`
	GameID    ID              `json:"game_id,omitempty"`
	TeamID    ID              `json:"team_id,omitempty"`
	Field     string          `json:"field,omitempty"`
	Score     json.RawMessage `json:"score,omitempty"`
	Points    json.RawMessage `json:"points,omitempty"`
	PenaltyID ID              `json:"penalty_id,omitempty"`
	Op        string          `json:"op,omitempty"`
	TimeValue json.RawMessage `json:"time_value,omitempty"`
}

// ParseScore reads a score sent as a number or numeric string. Anything that
// does not parse counts as "no score entered" and yields 0.
func ParseScore(raw json.RawMessage) float64 {
	v, ok := ParseNumber(raw)
	if !ok {
		return 0
	}
	return v
}

// ParseNumber reports ok=false for missing, null, non-numeric or non-finite
// values.
func ParseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Connected struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type ScoreEntry struct {
	ScoreValue    float64        `json:"score_value"`
	PenaltyTotal  float64        `json:"penalty_total"`
	FinalScore    float64        `json:"final_score"`
	Rank          int            `json:"rank"`
	Points        int            `json:"points"`
	Penalties     map[string]int `json:"penalties,omitempty"`
	MultiTimerAvg *float64       `json:"multi_timer_avg"`
	TimerCount    int            `json:"timer_count"`
}

type LockEntry struct {
	TeamID      string `json:"team_id"`
	Field       string `json:"field"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type GameState struct {
	GameID string                `json:"game_id"`
	Scores map[string]ScoreEntry `json:"scores"`
	Locks  []LockEntry           `json:"locks"`
}

type Presence struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type LockAcquired struct {
	GameID string `json:"game_id"`
	TeamID string `json:"team_id"`
	Field  string `json:"field"`
}

type FieldLocked struct {
	TeamID      string `json:"team_id"`
	Field       string `json:"field"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type LockDenied struct {
	TeamID   string `json:"team_id"`
	Field    string `json:"field"`
	LockedBy string `json:"locked_by"`
}

type FieldUnlocked struct {
	TeamID    string   `json:"team_id"`
	Field     string   `json:"field"`
	Score     *float64 `json:"score,omitempty"`
	Points    *int     `json:"points,omitempty"`
	UpdatedBy string   `json:"updated_by,omitempty"`
	Reason    string   `json:"reason"` // released | disconnected | expired
}

type ScoreUpdated struct {
	TeamID       string  `json:"team_id"`
	Score        float64 `json:"score"`
	Points       int     `json:"points"`
	Rank         int     `json:"rank"`
	PenaltyTotal float64 `json:"penalty_total"`
	FinalScore   float64 `json:"final_score"`
	UpdatedBy    string  `json:"updated_by,omitempty"`
}

type PenaltyApplied struct {
	TeamID       string  `json:"team_id"`
	PenaltyID    string  `json:"penalty_id"`
	Count        int     `json:"count"`
	PenaltyTotal float64 `json:"penalty_total"`
	UpdatedBy    string  `json:"updated_by,omitempty"`
}

type TimerStarted struct {
	TeamID      string `json:"team_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// TimerStopped without Time means the stopwatch was abandoned, e.g. its
// owner disconnected.
type TimerStopped struct {
	TeamID      string    `json:"team_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Time        *float64  `json:"time,omitempty"`
	Average     *float64  `json:"average,omitempty"`
	AllTimes    []float64 `json:"all_times,omitempty"`
	TimerCount  int       `json:"timer_count"`
}

type TimersCleared struct {
	TeamID     string    `json:"team_id"`
	Count      int       `json:"count"`
	AllTimes   []float64 `json:"all_times"`
	TimerCount int       `json:"timer_count"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
