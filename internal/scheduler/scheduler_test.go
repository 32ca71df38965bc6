package scheduler_test

import (
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndproxy/ndproxy/internal/scheduler"
)

// fakeClock is a manually-advanced timeutil.Clock, used so the scheduler's
// tests don't depend on real wall-clock timing.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// type check
var _ timeutil.Clock = (*fakeClock)(nil)

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestScheduler_firesInOrder(t *testing.T) {
	clock := newFakeClock()
	s := scheduler.New(clock)

	var order []string
	s.After(20*time.Millisecond, func(time.Time) { order = append(order, "second") })
	s.After(10*time.Millisecond, func(time.Time) { order = append(order, "first") })

	clock.advance(25 * time.Millisecond)
	fired := s.Tick()

	require.Equal(t, 2, fired)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestScheduler_tieBreakIsInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	s := scheduler.New(clock)

	var order []int
	for i := range 5 {
		i := i
		s.After(10*time.Millisecond, func(time.Time) { order = append(order, i) })
	}

	clock.advance(10 * time.Millisecond)
	s.Tick()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduler_cancel(t *testing.T) {
	clock := newFakeClock()
	s := scheduler.New(clock)

	fired := false
	id := s.After(10*time.Millisecond, func(time.Time) { fired = true })
	s.Cancel(id)

	clock.advance(10 * time.Millisecond)
	n := s.Tick()

	assert.Equal(t, 0, n)
	assert.False(t, fired)
}

func TestScheduler_nextDeadline(t *testing.T) {
	clock := newFakeClock()
	s := scheduler.New(clock)

	_, ok := s.NextDeadline()
	assert.False(t, ok)

	s.After(10*time.Millisecond, func(time.Time) {})
	d, ok := s.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(10*time.Millisecond), d)
}
