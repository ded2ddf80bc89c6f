package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, BreakerClosed, b.State(), "failure %d should not open", i+1)
	}
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State(), "consecutive count must reset on success")
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(1, 30*time.Second).WithClock(func() time.Time { return now })

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow(), "cooldown elapsed admits one probe")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "second caller rejected while probe in flight")

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(1, 30*time.Second).WithClock(func() time.Time { return now })

	b.RecordFailure()
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "fresh cooldown after failed probe")

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow(), "new probe after second cooldown")
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", BreakerClosed.String())
	assert.Equal(t, "OPEN", BreakerOpen.String())
	assert.Equal(t, "HALF_OPEN", BreakerHalfOpen.String())
}
