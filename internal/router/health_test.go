package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_LazyCreation(t *testing.T) {
	ht := NewHealthTracker(3, 5*time.Second)
	assert.True(t, ht.IsAvailable("shape-a"))
	assert.Equal(t, map[string]string{"shape-a": "closed"}, ht.Snapshot())
}

func TestHealthTracker_RecordFailureOpensCircuit(t *testing.T) {
	ht := NewHealthTracker(2, 5*time.Second)

	ht.RecordFailure("shape-a")
	ht.RecordFailure("shape-a")

	assert.False(t, ht.IsAvailable("shape-a"))
	assert.Equal(t, StateOpen, ht.State("shape-a"))
}

func TestHealthTracker_ProbeRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ht := NewHealthTracker(1, 10*time.Second)
	ht.now = clock.now

	ht.RecordFailure("shape-a")
	assert.False(t, ht.IsAvailable("shape-a"))

	clock.advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, ht.State("shape-a"), "peeking does not claim the probe")
	assert.True(t, ht.IsAvailable("shape-a"))

	ht.RecordSuccess("shape-a")
	assert.True(t, ht.IsAvailable("shape-a"))
}

func TestHealthTracker_IndependentBackends(t *testing.T) {
	ht := NewHealthTracker(1, 5*time.Second)
	ht.RecordFailure("shape-a")

	assert.False(t, ht.IsAvailable("shape-a"))
	assert.True(t, ht.IsAvailable("shape-b"))
}

func TestHealthTracker_OnStateChange(t *testing.T) {
	ht := NewHealthTracker(1, time.Hour)
	var got []string
	ht.OnStateChange(func(backend string, from, to CircuitState) {
		got = append(got, backend+":"+to.String())
	})

	ht.RecordFailure("texture-a")
	ht.Abandon("texture-a")
	assert.Equal(t, []string{"texture-a:open"}, got)
}
