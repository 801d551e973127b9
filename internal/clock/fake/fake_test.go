package fake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdvanceFiresDueTimersInOrder(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	clk := New(start)
	var fired []string
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clk.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	clk.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	clk.Advance(3 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, start.Add(3*time.Second), clk.Now())
	require.Equal(t, 1, clk.Pending())
}

func TestTimersScheduledByCallbacksFire(t *testing.T) {
	t.Parallel()

	clk := New(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clk.AfterFunc(time.Second, tick)
	}
	clk.AfterFunc(time.Second, tick)

	clk.Advance(3 * time.Second)
	require.Equal(t, 3, count)
}

func TestStopCancels(t *testing.T) {
	t.Parallel()

	clk := New(time.Unix(0, 0))
	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	clk.Advance(time.Minute)
	require.False(t, fired)
}

func TestCallbackSeesDeadlineTime(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	clk := New(start)
	var seen time.Time
	clk.AfterFunc(time.Second, func() { seen = clk.Now() })
	clk.Advance(10 * time.Second)
	require.Equal(t, start.Add(time.Second), seen)
}
