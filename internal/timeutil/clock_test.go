package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fired(tk Ticker) bool {
	select {
	case <-tk.C():
		return true
	default:
		return false
	}
}

func TestRealClock(t *testing.T) {
	var clock Clock = RealClock{}
	assert.GreaterOrEqual(t, clock.Since(time.Now().Add(-time.Second)), time.Second)

	tk := clock.NewTicker(10 * time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("wall ticker did not fire")
	}
}

func TestMockClockAdvanceAndSet(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Advance(6 * time.Second)
	assert.Equal(t, 6*time.Second, clock.Since(epoch))

	clock.Set(epoch)
	assert.True(t, clock.Now().Equal(epoch))
}

func TestMockClockSleepRecords(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Sleep(500 * time.Millisecond)
	clock.Sleep(250 * time.Millisecond)

	assert.Equal(t, 750*time.Millisecond, clock.Since(epoch))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 250 * time.Millisecond}, clock.Sleeps())
}

func TestMockTickerPeriod(t *testing.T) {
	clock := NewMockClock(epoch)
	tk := clock.NewTicker(90 * time.Millisecond)
	defer tk.Stop()
	require.Equal(t, 1, clock.TickerCount())

	clock.Advance(50 * time.Millisecond)
	assert.False(t, fired(tk), "before the period")
	clock.Advance(40 * time.Millisecond)
	assert.True(t, fired(tk), "after one period")

	// Unread ticks are dropped, not queued.
	clock.Advance(90 * time.Millisecond)
	clock.Advance(90 * time.Millisecond)
	assert.True(t, fired(tk))
	assert.False(t, fired(tk))
}

func TestMockTickerStop(t *testing.T) {
	clock := NewMockClock(epoch)
	tk := clock.NewTicker(time.Second)
	tk.Stop()

	clock.Advance(2 * time.Second)
	assert.False(t, fired(tk))
}

func TestMockClockSleepFiresTickers(t *testing.T) {
	clock := NewMockClock(epoch)
	tk := clock.NewTicker(time.Second)
	clock.Sleep(time.Second)
	assert.True(t, fired(tk))
}
