package engine

import "fmt"

type PenaltyDef struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Stackable bool    `json:"stackable"`
}

type PenaltyOp string

const (
	OpIncrement PenaltyOp = "increment"
	OpDecrement PenaltyOp = "decrement"
	OpToggle    PenaltyOp = "toggle"
)

func ParsePenaltyOp(s string) (PenaltyOp, error) {
	switch PenaltyOp(s) {
	case OpIncrement, OpDecrement, OpToggle:
		return PenaltyOp(s), nil
	default:
		return "", fmt.Errorf("%w: unknown op %q", ErrPenaltyOp, s)
	}
}

// Ledger accumulates penalty applications per team.
type Ledger struct {
	defs   map[string]PenaltyDef
	order  []string
	counts map[TeamID]map[string]int
}

func NewLedger(defs []PenaltyDef) *Ledger {
	l := &Ledger{
		defs:   make(map[string]PenaltyDef, len(defs)),
		counts: make(map[TeamID]map[string]int),
	}
	for _, d := range defs {
		if _, dup := l.defs[d.ID]; dup {
			continue
		}
		l.defs[d.ID] = d
		l.order = append(l.order, d.ID)
	}
	return l
}

// Apply mutates the count of one penalty for a team and returns the new count.
// Stackable penalties take increment/decrement, one-time penalties take toggle.
// Decrementing a zero count is a no-op.
func (l *Ledger) Apply(team TeamID, penaltyID string, op PenaltyOp) (int, error) {
	def, ok := l.defs[penaltyID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPenalty, penaltyID)
	}

	counts := l.counts[team]
	if counts == nil {
		counts = make(map[string]int)
		l.counts[team] = counts
	}
	n := counts[penaltyID]

	switch {
	case def.Stackable && op == OpIncrement:
		n++
	case def.Stackable && op == OpDecrement:
		if n > 0 {
			n--
		}
	case !def.Stackable && op == OpToggle:
		if n == 0 {
			n = 1
		} else {
			n = 0
		}
	default:
		return counts[penaltyID], fmt.Errorf("%w: %s on penalty %q (stackable=%v)", ErrPenaltyOp, op, penaltyID, def.Stackable)
	}

	if n == 0 {
		delete(counts, penaltyID)
	} else {
		counts[penaltyID] = n
	}
	return n, nil
}

func (l *Ledger) Count(team TeamID, penaltyID string) int {
	return l.counts[team][penaltyID]
}

// Counts returns a copy of the non-zero counts for a team.
func (l *Ledger) Counts(team TeamID) map[string]int {
	out := make(map[string]int, len(l.counts[team]))
	for id, n := range l.counts[team] {
		out[id] = n
	}
	return out
}

// Total is the sum of count * value over every definition, summed in
// definition order so the float result is stable.
func (l *Ledger) Total(team TeamID) float64 {
	counts := l.counts[team]
	total := 0.0
	for _, id := range l.order {
		if n := counts[id]; n > 0 {
			total += float64(n) * l.defs[id].Value
		}
	}
	return total
}
