package lock

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// directProposer applies commands to the state machine synchronously,
// standing in for pkg/raft in tests that don't need real consensus. A
// mutex serializes Apply calls, matching the guarantee pkg/raft gives
// state machines: Apply is never invoked concurrently with itself.
type directProposer struct {
	mu sync.Mutex
	sm *StateMachine
	i  uint64
}

func (d *directProposer) Apply(cmd []byte, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.i++
	return d.sm.Apply(d.i, cmd)
}

func TestSharedLocksCoexist(t *testing.T) {
	sm := New()
	c := NewClient(sm, &directProposer{sm: sm})

	require.NoError(t, c.Acquire("res-1", "client-a", ModeShared, time.Second))
	require.NoError(t, c.Acquire("res-1", "client-b", ModeShared, time.Second))

	require.True(t, sm.Holds("res-1", "client-a"))
	require.True(t, sm.Holds("res-1", "client-b"))
}

func TestExclusiveExcludesOthers(t *testing.T) {
	sm := New()
	c := NewClient(sm, &directProposer{sm: sm})

	require.NoError(t, c.Acquire("res-1", "client-a", ModeExclusive, time.Second))

	err := c.Acquire("res-1", "client-b", ModeShared, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestReleasePromotesWaiter(t *testing.T) {
	sm := New()
	p := &directProposer{sm: sm}
	c := NewClient(sm, p)

	require.NoError(t, c.Acquire("res-1", "client-a", ModeExclusive, time.Second))

	done := make(chan error, 1)
	go func() { done <- c.Acquire("res-1", "client-b", ModeExclusive, 2*time.Second) }()
	time.Sleep(20 * time.Millisecond) // let client-b queue as a waiter

	require.NoError(t, c.Release("res-1", "client-a", time.Second))
	require.NoError(t, <-done)
	require.True(t, sm.Holds("res-1", "client-b"))
}

func TestExclusiveWaiterNotStarvedByLaterSharedRequests(t *testing.T) {
	sm := New()
	p := &directProposer{sm: sm}
	c := NewClient(sm, p)

	require.NoError(t, c.Acquire("res-1", "holder", ModeShared, time.Second))

	exclusiveDone := make(chan error, 1)
	go func() { exclusiveDone <- c.Acquire("res-1", "writer", ModeExclusive, 2*time.Second) }()
	time.Sleep(20 * time.Millisecond)

	// a later shared request must queue behind the exclusive waiter, not
	// jump ahead of it.
	sharedDone := make(chan error, 1)
	go func() { sharedDone <- c.Acquire("res-1", "reader-2", ModeShared, 2*time.Second) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Release("res-1", "holder", time.Second))

	require.NoError(t, <-exclusiveDone)
	require.True(t, sm.Holds("res-1", "writer"))
	require.False(t, sm.Holds("res-1", "reader-2"))

	require.NoError(t, c.Release("res-1", "writer", time.Second))
	require.NoError(t, <-sharedDone)
	require.True(t, sm.Holds("res-1", "reader-2"))
}

func TestReleaseByNonHolderIsNoop(t *testing.T) {
	sm := New()
	p := &directProposer{sm: sm}
	c := NewClient(sm, p)

	require.NoError(t, c.Acquire("res-1", "client-a", ModeExclusive, time.Second))
	require.NoError(t, c.Release("res-1", "client-b", time.Second))
	require.True(t, sm.Holds("res-1", "client-a"))
}

func TestDeadlockDetectionAbortsAVictim(t *testing.T) {
	sm := New()

	// client-a holds res-1, client-b holds res-2; each then queues on the
	// other's resource, forming a wait-for cycle a->b->a.
	require.NoError(t, sm.Apply(1, mustJSON(Command{Type: CmdAcquire, RequestID: "client-a", Resource: "res-1", ClientID: "client-a", Mode: ModeExclusive, Timestamp: 1})))
	require.NoError(t, sm.Apply(2, mustJSON(Command{Type: CmdAcquire, RequestID: "client-b", Resource: "res-2", ClientID: "client-b", Mode: ModeExclusive, Timestamp: 2})))
	require.NoError(t, sm.Apply(3, mustJSON(Command{Type: CmdAcquire, RequestID: "client-a", Resource: "res-2", ClientID: "client-a", Mode: ModeExclusive, Timestamp: 3})))
	require.NoError(t, sm.Apply(4, mustJSON(Command{Type: CmdAcquire, RequestID: "client-b", Resource: "res-1", ClientID: "client-b", Mode: ModeExclusive, Timestamp: 4})))

	// one of the two must have been aborted; the cycle cannot remain intact.
	snap := sm.Snapshot()
	aWaitsOnRes2 := containsWaiter(snap["res-2"].Waiters, "client-a")
	bWaitsOnRes1 := containsWaiter(snap["res-1"].Waiters, "client-b")
	require.False(t, aWaitsOnRes2 && bWaitsOnRes1, "expected the deadlock cycle to be broken")

	// the victim (client-b, the later timestamp) must lose everything it
	// held, not just its place in the wait queues: abortClient releases
	// res-2 and promotes client-a's queued request onto it, so client-a
	// ends up holding both resources and client-b holds and waits on
	// nothing.
	require.True(t, sm.Holds("res-2", "client-a"))
	require.False(t, sm.Holds("res-1", "client-b"))
	require.False(t, sm.Holds("res-2", "client-b"))
	require.False(t, containsWaiter(sm.Snapshot()["res-1"].Waiters, "client-b"))
}

func containsWaiter(ws []Waiter, clientID string) bool {
	for _, w := range ws {
		if w.ClientID == clientID {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
