// Package system exercises the real-time clock adapter.
package system

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}

// TestAfterFuncFires ensures scheduled callbacks run after the delay.
func TestAfterFuncFires(t *testing.T) {
	t.Parallel()

	clk := New()
	var fired atomic.Bool
	start := time.Now()
	clk.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// TestAfterFuncStop verifies a stopped timer never fires.
func TestAfterFuncStop(t *testing.T) {
	t.Parallel()

	clk := New()
	var fired atomic.Bool
	timer := clk.AfterFunc(30*time.Millisecond, func() { fired.Store(true) })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	time.Sleep(60 * time.Millisecond)
	require.False(t, fired.Load())
}
