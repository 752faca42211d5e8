package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProbe = errors.New("probe failed")

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		requests      []bool // true = success, false = failure
		expectedState State
	}{
		{
			name: "stays closed on successes",
			settings: Settings{
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     time.Minute,
			},
			requests:      []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name: "opens after consecutive failures",
			settings: Settings{
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     time.Minute,
				ReadyToTrip: func(counts Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			},
			requests:      []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name: "failure streak broken by success stays closed",
			settings: Settings{
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     time.Minute,
				ReadyToTrip: func(counts Counts) bool {
					return counts.ConsecutiveFailures >= 3
				},
			},
			requests:      []bool{false, false, true, false, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New("test", tt.settings)
			for _, success := range tt.requests {
				_ = breaker.Do(func() error {
					if success {
						return nil
					}
					return errProbe
				})
			}
			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	breaker := New("kernel", Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})

	for i := 0; i < 2; i++ {
		require.Error(t, breaker.Do(func() error { return errProbe }))
	}

	executed := false
	err := breaker.Do(func() error {
		executed = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, executed)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	transitions := []State{}
	breaker := New("kernel", Settings{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     5 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})

	require.Error(t, breaker.Do(func() error { return errProbe }))
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(10 * time.Millisecond)

	// Two successful probes close the breaker again.
	for i := 0; i < 2; i++ {
		require.NoError(t, breaker.Do(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, breaker.State())
	assert.Contains(t, transitions, StateHalfOpen)
	assert.Equal(t, StateClosed, transitions[len(transitions)-1])
}

func TestCallReturnsValue(t *testing.T) {
	breaker := New("test", Settings{})
	got, err := Call(breaker, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
