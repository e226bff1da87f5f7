// Package editlock grants exclusive edit rights on a (team, field) pair.
//
// A Manager is owned by exactly one session goroutine and is not safe for
// concurrent use.
package editlock

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/DoyleJ11/gamenight-scoring/internal/engine"
)

var ErrNotLocked = errors.New("field is not locked")
var ErrStaleRelease = errors.New("release by non-owner")

type Key struct {
	TeamID engine.TeamID
	Field  string
}

// Owner identifies the connection holding a lock.
type Owner struct {
	ID          string
	DisplayName string
}

type Lock struct {
	Key
	Owner      Owner
	AcquiredAt time.Time
	TouchedAt  time.Time
}

type Result struct {
	Granted bool
	Holder  Owner // current holder; the requester when granted
}

type Manager struct {
	locks       map[Key]*Lock
	idleTimeout time.Duration
	now         func() time.Time
}

// NewManager returns an empty manager. An idleTimeout of 0 disables expiry.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{
		locks:       make(map[Key]*Lock),
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// WithClock swaps the time source; tests use it to drive expiry.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Request never waits. A key locked by someone else is denied and the
// requester has to try again after the unlock broadcast.
func (m *Manager) Request(key Key, owner Owner) Result {
	now := m.now()
	if l, ok := m.locks[key]; ok {
		if l.Owner.ID != owner.ID {
			return Result{Granted: false, Holder: l.Owner}
		}
		l.TouchedAt = now
		return Result{Granted: true, Holder: l.Owner}
	}

	m.locks[key] = &Lock{Key: key, Owner: owner, AcquiredAt: now, TouchedAt: now}
	return Result{Granted: true, Holder: owner}
}

// Release removes the lock if ownerID holds it.
func (m *Manager) Release(key Key, ownerID string) (Lock, error) {
	l, ok := m.locks[key]
	if !ok {
		return Lock{}, ErrNotLocked
	}
	if l.Owner.ID != ownerID {
		return *l, ErrStaleRelease
	}
	delete(m.locks, key)
	return *l, nil
}

// Touch refreshes the idle clock of a lock held by ownerID.
func (m *Manager) Touch(key Key, ownerID string) bool {
	l, ok := m.locks[key]
	if !ok || l.Owner.ID != ownerID {
		return false
	}
	l.TouchedAt = m.now()
	return true
}

// ReleaseAll force-releases every lock held by ownerID, e.g. after a
// disconnect. Nothing is committed.
func (m *Manager) ReleaseAll(ownerID string) []Lock {
	var out []Lock
	for k, l := range m.locks {
		if l.Owner.ID == ownerID {
			out = append(out, *l)
			delete(m.locks, k)
		}
	}
	sortLocks(out)
	return out
}

// Expire reclaims locks idle for longer than the idle timeout.
func (m *Manager) Expire() []Lock {
	if m.idleTimeout <= 0 {
		return nil
	}
	now := m.now()
	var out []Lock
	for k, l := range m.locks {
		if now.Sub(l.TouchedAt) > m.idleTimeout {
			out = append(out, *l)
			delete(m.locks, k)
		}
	}
	sortLocks(out)
	return out
}

func (m *Manager) Holder(key Key) (Owner, bool) {
	l, ok := m.locks[key]
	if !ok {
		return Owner{}, false
	}
	return l.Owner, true
}

func (m *Manager) Len() int { return len(m.locks) }

// Locks returns the live locks ordered by team then field.
func (m *Manager) Locks() []Lock {
	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, *l)
	}
	sortLocks(out)
	return out
}

func sortLocks(ls []Lock) {
	slices.SortFunc(ls, func(a, b Lock) int {
		if c := cmp.Compare(a.TeamID, b.TeamID); c != 0 {
			return c
		}
		return cmp.Compare(a.Field, b.Field)
	})
}
