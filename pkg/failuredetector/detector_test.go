package failuredetector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeartbeatClearsSuspicion(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := base
	d := New(withClock(func() time.Time { return cursor }))

	for i := 0; i < 10; i++ {
		d.Heartbeat("peer-1")
		cursor = cursor.Add(100 * time.Millisecond)
	}

	require.True(t, d.IsAvailable("peer-1"))

	// simulate a long gap without heartbeats
	cursor = cursor.Add(5 * time.Second)
	require.False(t, d.IsAvailable("peer-1"))
	require.Contains(t, d.SuspectedNodes(), "peer-1")

	d.Heartbeat("peer-1")
	require.NotContains(t, d.SuspectedNodes(), "peer-1")
}

func TestPhiUnknownNodeIsInfinite(t *testing.T) {
	d := New()
	require.True(t, d.Phi("ghost") > 1e300)
	require.False(t, d.IsAvailable("ghost"))
}

func TestPhiRequiresTwoSamples(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := base
	d := New(withClock(func() time.Time { return cursor }))

	d.Heartbeat("peer-1")
	require.Equal(t, 0.0, d.Phi("peer-1"))
}

func TestSuspicionEventFiresOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := base
	d := New(withClock(func() time.Time { return cursor }))

	for i := 0; i < 5; i++ {
		d.Heartbeat("peer-1")
		cursor = cursor.Add(50 * time.Millisecond)
	}

	cursor = cursor.Add(10 * time.Second)
	require.False(t, d.IsAvailable("peer-1"))
	require.False(t, d.IsAvailable("peer-1"))

	select {
	case ev := <-d.SuspicionEvents():
		require.Equal(t, "peer-1", ev.NodeID)
	default:
		t.Fatal("expected a suspicion event")
	}

	select {
	case <-d.SuspicionEvents():
		t.Fatal("suspicion event should have fired only once")
	default:
	}
}
