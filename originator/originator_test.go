package originator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DurationDerivedFromRateAndLimit(t *testing.T) {
	cfg := Config{Rate: 10, Limit: 50}
	cfg.normalize()

	assert.InDelta(t, 5*time.Second, cfg.Duration, float64(200*time.Millisecond))
	assert.Equal(t, time.Second, cfg.Period)
}

func TestConfig_ExplicitDurationNotOverridden(t *testing.T) {
	cfg := Config{Rate: 10, Limit: 50, Duration: 2 * time.Second}
	cfg.normalize()

	assert.Equal(t, 2*time.Second, cfg.Duration)
}

func TestConfig_PeriodDefaultsToOneSecond(t *testing.T) {
	cfg := Config{Rate: 1, Limit: 1}
	cfg.normalize()
	assert.Equal(t, time.Second, cfg.Period)
}

func TestConfig_ZeroRateOrLimitLeavesDurationZero(t *testing.T) {
	cfg := Config{Rate: 0, Limit: 10}
	cfg.normalize()
	assert.Zero(t, cfg.Duration)

	cfg2 := Config{Rate: 10, Limit: 0}
	cfg2.normalize()
	assert.Zero(t, cfg2.Duration)
}

func TestMinInt(t *testing.T) {
	assert.Equal(t, 1, minInt(5, 1, 9))
	assert.Equal(t, -3, minInt(5, -3, 9))
	assert.Equal(t, 7, minInt(7))
}

func TestCauseOf_DefaultsToSendError(t *testing.T) {
	assert.Equal(t, "send-error", causeOf(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestState_String(t *testing.T) {
	assert.Equal(t, "initial", StateInitial.String())
	assert.Equal(t, "originating", StateOriginating.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
