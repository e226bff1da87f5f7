package editlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = Owner{ID: "conn-a", DisplayName: "Alice"}
	bob   = Owner{ID: "conn-b", DisplayName: "Bob"}
	key   = Key{TeamID: "1", Field: "score"}
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestManager_SecondOwnerDenied(t *testing.T) {
	m := NewManager(0)

	first := m.Request(key, alice)
	second := m.Request(key, bob)

	assert.True(t, first.Granted)
	assert.False(t, second.Granted)
	assert.Equal(t, alice, second.Holder, "denial names the holder")
	assert.Equal(t, 1, m.Len())
}

func TestManager_SameOwnerIsIdempotent(t *testing.T) {
	m := NewManager(0)
	require.True(t, m.Request(key, alice).Granted)
	require.True(t, m.Request(key, alice).Granted)
	assert.Equal(t, 1, m.Len())
}

func TestManager_ReleaseByOwnerOnly(t *testing.T) {
	m := NewManager(0)
	m.Request(key, alice)

	_, err := m.Release(key, bob.ID)
	assert.ErrorIs(t, err, ErrStaleRelease)
	holder, ok := m.Holder(key)
	require.True(t, ok)
	assert.Equal(t, alice, holder)

	l, err := m.Release(key, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice, l.Owner)

	_, err = m.Release(key, alice.ID)
	assert.ErrorIs(t, err, ErrNotLocked)

	assert.True(t, m.Request(key, bob).Granted)
}

func TestManager_ReleaseAllFreesKeysForOthers(t *testing.T) {
	m := NewManager(0)
	other := Key{TeamID: "2", Field: "score"}
	m.Request(key, alice)
	m.Request(other, alice)
	m.Request(Key{TeamID: "3", Field: "score"}, bob)

	released := m.ReleaseAll(alice.ID)
	require.Len(t, released, 2)
	assert.Equal(t, key, released[0].Key)
	assert.Equal(t, other, released[1].Key)

	assert.True(t, m.Request(key, bob).Granted)
	assert.Equal(t, 2, m.Len())
}

func TestManager_ExpireIdleLocks(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(5 * time.Minute).WithClock(clk.now)

	m.Request(key, alice)
	clk.advance(4 * time.Minute)
	assert.Empty(t, m.Expire())

	// activity keeps the lock alive
	assert.True(t, m.Touch(key, alice.ID))
	clk.advance(4 * time.Minute)
	assert.Empty(t, m.Expire())

	clk.advance(2 * time.Minute)
	expired := m.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, alice, expired[0].Owner)
	assert.True(t, m.Request(key, bob).Granted)
}

func TestManager_TouchByNonOwner(t *testing.T) {
	m := NewManager(time.Minute)
	m.Request(key, alice)
	assert.False(t, m.Touch(key, bob.ID))
	assert.False(t, m.Touch(Key{TeamID: "9", Field: "score"}, alice.ID))
}

func TestManager_LocksSorted(t *testing.T) {
	m := NewManager(0)
	m.Request(Key{TeamID: "2", Field: "score"}, bob)
	m.Request(Key{TeamID: "1", Field: "time"}, alice)
	m.Request(Key{TeamID: "1", Field: "score"}, alice)

	ls := m.Locks()
	require.Len(t, ls, 3)
	assert.Equal(t, Key{TeamID: "1", Field: "score"}, ls[0].Key)
	assert.Equal(t, Key{TeamID: "1", Field: "time"}, ls[1].Key)
	assert.Equal(t, Key{TeamID: "2", Field: "score"}, ls[2].Key)
}
