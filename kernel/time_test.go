//go:build linux

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBigtimeDuration(t *testing.T) {
	assert.Equal(t, 1500*time.Microsecond, Bigtime(1500).Duration())
	assert.Equal(t, time.Duration(1<<63-1), Infinite.Duration())
	assert.Equal(t, Bigtime(2000), Microseconds(2*time.Millisecond))
}

func TestSystemTimeIsMonotonic(t *testing.T) {
	a := SystemTime()
	time.Sleep(time.Millisecond)
	b := SystemTime()
	assert.Positive(t, a)
	assert.GreaterOrEqual(t, b-a, Bigtime(1000))
}

func TestResolveDeadline(t *testing.T) {
	tests := []struct {
		name    string
		flags   Flags
		timeout Bigtime
		poll    bool
		bounded bool
		expired bool
	}{
		{"no flags", 0, 5, false, false, false},
		{"relative zero", RelativeTimeout, 0, true, false, true},
		{"relative negative", RelativeTimeout, -10, true, false, true},
		{"relative infinite", RelativeTimeout, Infinite, false, false, false},
		{"relative bounded", RelativeTimeout, 1_000_000, false, true, false},
		{"absolute past", AbsoluteTimeout, 1, false, true, true},
		{"absolute infinite", AbsoluteTimeout, Infinite, false, false, false},
		{"port spelling", Timeout | CanInterrupt, 0, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := resolveDeadline(tt.flags, tt.timeout)
			assert.Equal(t, tt.poll, d.poll)
			assert.Equal(t, tt.bounded, d.bounded)
			assert.Equal(t, tt.expired, d.expired())
		})
	}
}

func TestDeadlineSlice(t *testing.T) {
	step := 50 * time.Millisecond
	assert.Equal(t, step, deadline{}.slice(step))
	assert.Equal(t, time.Duration(-1), deadline{}.remaining())

	d := resolveDeadline(RelativeTimeout, 10_000)
	assert.LessOrEqual(t, d.slice(step), 10*time.Millisecond)
	assert.Positive(t, d.slice(step))

	past := deadline{at: time.Now().Add(-time.Second), bounded: true}
	assert.Zero(t, past.remaining())
	assert.True(t, past.expired())
}
