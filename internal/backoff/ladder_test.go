package backoff

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLadder_Escalation(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    time.Duration
	}{
		{"first disconnection", 0, 5 * time.Second},
		{"under 30s", 29 * time.Second, 5 * time.Second},
		{"at 30s", 30 * time.Second, 10 * time.Second},
		{"under 2min", 119 * time.Second, 10 * time.Second},
		{"at 2min", 2 * time.Minute, 30 * time.Second},
		{"under 10min", 9*time.Minute + 59*time.Second, 30 * time.Second},
		{"at 10min", 10 * time.Minute, 60 * time.Second},
		{"an hour", time.Hour, 60 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := clock.NewMock()
			l := NewLadder(mock, nil, 0)

			require.Equal(t, 5*time.Second, l.NextBackOff(), "streak starts at the base interval")
			mock.Add(tc.elapsed)
			assert.Equal(t, tc.want, l.NextBackOff())
			assert.Equal(t, tc.want, l.Current())
		})
	}
}

func TestLadder_ResetReturnsToBase(t *testing.T) {
	mock := clock.NewMock()
	l := NewLadder(mock, nil, 0)

	l.NextBackOff()
	mock.Add(5 * time.Minute)
	require.Equal(t, 30*time.Second, l.NextBackOff())
	require.False(t, l.StreakStart().IsZero())

	l.Reset()
	assert.True(t, l.StreakStart().IsZero())
	assert.Equal(t, 5*time.Second, l.Current())

	// A new streak is measured from its own first failure.
	mock.Add(time.Hour)
	assert.Equal(t, 5*time.Second, l.NextBackOff())
	assert.Equal(t, mock.Now(), l.StreakStart())
}

func TestLadder_CustomSteps(t *testing.T) {
	mock := clock.NewMock()
	l := NewLadder(mock, []Step{{Below: time.Second, Delay: 100 * time.Millisecond}}, 0)

	assert.Equal(t, 100*time.Millisecond, l.NextBackOff())
	mock.Add(2 * time.Second)
	assert.Equal(t, 100*time.Millisecond, l.NextBackOff(), "ceiling defaults to the last step delay")
}

func TestNewExponential(t *testing.T) {
	b := NewExponential(time.Second, 4*time.Second)
	for i := 0; i < 20; i++ {
		d := b.NextBackOff()
		assert.Greater(t, d, time.Duration(0))
		// Randomisation may push a step up to 50% above MaxInterval.
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}
