package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func tripAfter(n uint32) Settings {
	return Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= n
		},
	}
}

func TestClosedPassesThrough(t *testing.T) {
	b := New("test", tripAfter(3))

	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	err = b.Execute(func() error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateClosed, b.State())
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("test", tripAfter(3))

	for i := 0; i < 3; i++ {
		b.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error {
		t.Fatal("must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("test", tripAfter(3))

	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return errBoom })
	b.Execute(func() error { return nil })
	b.Execute(func() error { return errBoom })

	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New("test", tripAfter(1))

	b.Execute(func() error { return errBoom })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", tripAfter(1))

	b.Execute(func() error { return errBoom })
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	b.Execute(func() error { return errBoom })
	assert.Equal(t, StateOpen, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []State
	settings := tripAfter(1)
	settings.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, to)
	}
	b := New("test", settings)

	b.Execute(func() error { return errBoom })
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
}
