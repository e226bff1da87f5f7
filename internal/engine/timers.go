package engine

import (
	"fmt"
	"math"
	"slices"
)

// Timers stores the committed stopwatch samples per team. The running clock
// lives on the clients; only stopped values end up here.
type Timers struct {
	samples map[TeamID][]float64
}

type TimerStats struct {
	Average float64
	Samples []float64
	Count   int
}

func NewTimers() *Timers {
	return &Timers{samples: make(map[TeamID][]float64)}
}

func (t *Timers) Record(team TeamID, value float64) error {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidTime, value)
	}
	t.samples[team] = append(t.samples[team], value)
	return nil
}

// Average returns the mean of the team's samples. ok is false when there are
// none.
func (t *Timers) Average(team TeamID) (avg float64, ok bool) {
	s := t.samples[team]
	if len(s) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s)), true
}

func (t *Timers) Samples(team TeamID) []float64 {
	return slices.Clone(t.samples[team])
}

func (t *Timers) Count(team TeamID) int {
	return len(t.samples[team])
}

// Clear drops all samples for a team and returns how many were dropped.
func (t *Timers) Clear(team TeamID) int {
	n := len(t.samples[team])
	delete(t.samples, team)
	return n
}

func (t *Timers) Stats(team TeamID) TimerStats {
	avg, _ := t.Average(team)
	samples := t.Samples(team)
	if samples == nil {
		samples = []float64{}
	}
	return TimerStats{Average: avg, Samples: samples, Count: len(samples)}
}
