package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Minute,
		Multiplier:  2,
		Cap:         60 * time.Minute,
	}

	// 1min, 2min, 4min ... 封顶 60min
	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, 2*time.Minute, p.Delay(2))
	assert.Equal(t, 4*time.Minute, p.Delay(3))
	assert.Equal(t, 32*time.Minute, p.Delay(6))
	assert.Equal(t, 60*time.Minute, p.Delay(7))
	assert.Equal(t, 60*time.Minute, p.Delay(100))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Default()
	assert.False(t, p.Exhausted(9))
	assert.True(t, p.Exhausted(10))
	assert.True(t, p.Exhausted(11))
}

func TestPolicy_NextRetryAt(t *testing.T) {
	p := Default()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), p.NextRetryAt(now, 1))
	assert.Equal(t, now.Add(2*time.Minute), p.NextRetryAt(now, 2))
}
