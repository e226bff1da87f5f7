package engine

import (
	"cmp"
	"slices"
)

type Entry struct {
	TeamID     TeamID
	BaseScore  float64
	FinalScore float64
}

type Standing struct {
	TeamID TeamID
	Rank   int
	Points int
}

// Rank orders the scored entries and assigns positional ranks and points.
//
// Only entries with BaseScore > 0 or FinalScore > 0 are ranked; the rest get
// rank 0 and no points. Ties are not compressed: equal scores receive
// consecutive ranks in input order. Points scale with totalTeams, the declared
// roster size, not with the number of ranked entries:
//
//	points = (totalTeams - rank + 1) * increment
//
// The result has one Standing per entry, in input order.
func Rank(entries []Entry, dir Direction, increment, totalTeams int) []Standing {
	out := make([]Standing, len(entries))
	scored := make([]int, 0, len(entries))
	for i, e := range entries {
		out[i] = Standing{TeamID: e.TeamID}
		if e.BaseScore > 0 || e.FinalScore > 0 {
			scored = append(scored, i)
		}
	}

	slices.SortStableFunc(scored, func(a, b int) int {
		c := cmp.Compare(entries[a].FinalScore, entries[b].FinalScore)
		if dir == HigherBetter {
			return -c
		}
		return c
	})

	for pos, idx := range scored {
		rank := pos + 1
		out[idx].Rank = rank
		out[idx].Points = max((totalTeams-rank+1)*increment, 0)
	}
	return out
}
