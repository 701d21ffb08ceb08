package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	require.NoError(t, p.Validate())
}

func TestNewPolicyClampsBaseToMax(t *testing.T) {
	p := NewPolicy(5, 5*time.Second, 2.0, 2*time.Second, 0)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := NewPolicy(10, 100*time.Millisecond, 2.0, 500*time.Millisecond, 0)

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 500*time.Millisecond, p.Delay(4))
	assert.Equal(t, 500*time.Millisecond, p.Delay(9))
}

func TestDelayJitterStaysWithinBounds(t *testing.T) {
	p := NewPolicy(3, 100*time.Millisecond, 2.0, time.Second, 0.5)
	for range 100 {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestMinTotalDelay(t *testing.T) {
	p := NewPolicy(3, 100*time.Millisecond, 2.0, time.Second, 0)
	// retries 1 and 2: 100ms + 200ms
	assert.Equal(t, 300*time.Millisecond, p.MinTotalDelay(2))
}

func TestValidateRejectsBadValues(t *testing.T) {
	p := Policy{MaxAttempts: 0, BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Second}
	assert.Error(t, p.Validate())

	p = Policy{MaxAttempts: 1, BaseDelay: 0, Multiplier: 2, MaxDelay: time.Second}
	assert.Error(t, p.Validate())

	p = Policy{MaxAttempts: 1, BaseDelay: time.Second, Multiplier: 0.5, MaxDelay: time.Second}
	assert.Error(t, p.Validate())
}
