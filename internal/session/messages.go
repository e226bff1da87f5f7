package session

import (
	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
	"github.com/DoyleJ11/gamenight-scoring/internal/types"
)

type Msg interface{ isSessionMsg() }

// Identity is what the identity layer knows about a connection. ID is unique
// per connection and is used as the lock owner.
type Identity struct {
	ID          string
	DisplayName string
	Admin       bool
}

type Join struct {
	Who    Identity
	Outbox chan types.ServerMessage // buffered; closed by the session when the client is removed
}

func (Join) isSessionMsg() {}

type Leave struct{ ConnID string }

func (Leave) isSessionMsg() {}

type FromClient struct {
	ConnID string
	Cmd    Command
}

func (FromClient) isSessionMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type CommandType string

const (
	CmdRequestLock  CommandType = "RequestLock"
	CmdReleaseLock  CommandType = "ReleaseLock"
	CmdUpdateScore  CommandType = "UpdateScore"
	CmdApplyPenalty CommandType = "ApplyPenalty"
	CmdStartTimer   CommandType = "StartTimer"
	CmdStopTimer    CommandType = "StopTimer"
	CmdClearTimers  CommandType = "ClearTimers"
)

type Command struct {
	Type      CommandType
	TeamID    engine.TeamID
	Field     string
	Score     float64
	HasScore  bool // release carries a final value to commit
	PenaltyID string
	Op        engine.PenaltyOp
	TimeValue *float64
}

// View is a race-free copy of the session for readers outside the actor.
type View struct {
	GameID     string
	Version    int
	NumClients int
	State      types.GameState
}
