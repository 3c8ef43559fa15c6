package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleAndFireNow(t *testing.T) {
	s := New()
	var fired atomic.Int32

	at := time.Now().Add(time.Hour)
	s.Schedule("a", at, func() { fired.Add(1) })

	assert.True(t, s.Exists("a"))
	when, ok := s.When("a")
	require.True(t, ok)
	assert.Equal(t, at, when)

	assert.True(t, s.FireNow("a"))
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, s.Exists("a"), "one-shot timer is gone after firing")

	assert.False(t, s.FireNow("a"), "firing twice is a no-op")
	assert.Equal(t, int32(1), fired.Load())
}

func TestCancel(t *testing.T) {
	s := New()
	var fired atomic.Int32

	s.Schedule("a", time.Now().Add(time.Hour), func() { fired.Add(1) })
	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Exists("a"))
	assert.False(t, s.FireNow("a"))
	assert.Equal(t, int32(0), fired.Load())

	assert.False(t, s.Cancel("a"), "canceling an unknown id reports false")
}

func TestRescheduleReplaces(t *testing.T) {
	s := New()
	var first, second atomic.Int32

	s.Schedule("a", time.Now().Add(time.Hour), func() { first.Add(1) })
	later := time.Now().Add(2 * time.Hour)
	s.Schedule("a", later, func() { second.Add(1) })

	when, ok := s.When("a")
	require.True(t, ok)
	assert.Equal(t, later, when)

	require.True(t, s.FireNow("a"))
	assert.Equal(t, int32(0), first.Load(), "replaced callback must never run")
	assert.Equal(t, int32(1), second.Load())
}

func TestPastInstantFires(t *testing.T) {
	s := New()
	done := make(chan struct{})
	s.Schedule("a", time.Now().Add(-time.Minute), func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer armed in the past never fired")
	}
}

func TestStopAll(t *testing.T) {
	s := New()
	var fired atomic.Int32
	s.Schedule("a", time.Now().Add(time.Hour), func() { fired.Add(1) })
	s.Schedule("b", time.Now().Add(time.Hour), func() { fired.Add(1) })

	s.StopAll()
	assert.False(t, s.Exists("a"))
	assert.False(t, s.Exists("b"))
	assert.False(t, s.FireNow("a"))
	assert.Equal(t, int32(0), fired.Load())
}
