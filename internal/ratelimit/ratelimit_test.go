package ratelimit

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndRecord_AllowsUpToMaxThenRejects(t *testing.T) {
	l := New()

	for i := 0; i < 3; i++ {
		allowed, count, _ := l.CheckAndRecord("client-a", 3, time.Minute)
		assert.True(t, allowed)
		assert.Equal(t, i+1, count)
	}

	allowed, count, retryAfter := l.CheckAndRecord("client-a", 3, time.Minute)
	assert.False(t, allowed)
	assert.Equal(t, 3, count)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestCheckAndRecord_KeysAreIndependent(t *testing.T) {
	l := New()
	l.CheckAndRecord("client-a", 1, time.Minute)

	allowed, _, _ := l.CheckAndRecord("client-b", 1, time.Minute)
	assert.True(t, allowed)
}

func TestReap_DropsExpiredKeysOnly(t *testing.T) {
	l := New()
	l.mu.Lock()
	l.buckets["stale"] = []time.Time{time.Now().Add(-2 * time.Hour)}
	l.mu.Unlock()
	l.CheckAndRecord("fresh", 5, time.Hour)

	l.Reap(time.Hour)

	l.mu.Lock()
	_, staleExists := l.buckets["stale"]
	_, freshExists := l.buckets["fresh"]
	l.mu.Unlock()

	assert.False(t, staleExists)
	assert.True(t, freshExists)
}

// TestCheckAndRecord_NeverAllowsMoreThanMaxWithinWindow is a property
// check: for any positive max and any sequence of calls against one key
// inside a single window, the number of allowed calls never exceeds max.
func TestCheckAndRecord_NeverAllowsMoreThanMaxWithinWindow(t *testing.T) {
	property := func(maxSeed uint8, callsSeed uint8) bool {
		max := int(maxSeed%10) + 1
		calls := int(callsSeed%30) + 1

		l := New()
		allowedCount := 0
		for i := 0; i < calls; i++ {
			allowed, _, _ := l.CheckAndRecord("k", max, time.Hour)
			if allowed {
				allowedCount++
			}
		}
		return allowedCount <= max
	}

	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}
