package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncmesh/syncd/pkg/store"
)

// directProposer applies commands to a single node's state machine
// synchronously, standing in for pkg/raft in tests that only exercise one
// node's view of the cluster.
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

// fanoutProposer applies every command to each of sms in turn, standing in
// for a Raft group replicating one committed log across several nodes' own
// StateMachine instances.
type fanoutProposer struct {
	mu  sync.Mutex
	sms []*StateMachine
	i   uint64
}

func (f *fanoutProposer) Apply(cmd []byte, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.i++
	for _, sm := range f.sms {
		if err := sm.Apply(f.i, cmd); err != nil {
			return err
		}
	}
	return nil
}

func TestWriteThenReadReturnsValue(t *testing.T) {
	sm, err := New("node-1", 1, store.NewMemoryStore())
	require.NoError(t, err)
	c := NewClient(sm, &directProposer{sm: sm}, "node-1")

	require.NoError(t, c.Write("key-1", []byte("v1"), time.Second))
	require.Equal(t, State(Modified), sm.LineState("key-1"))

	v, err := c.Read("key-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
}

func TestWriteInvalidatesOtherSharers(t *testing.T) {
	sm1, err := New("node-1", 1, store.NewMemoryStore())
	require.NoError(t, err)
	sm2, err := New("node-2", 1, store.NewMemoryStore())
	require.NoError(t, err)
	prop := &fanoutProposer{sms: []*StateMachine{sm1, sm2}}
	c1 := NewClient(sm1, prop, "node-1")
	c2 := NewClient(sm2, prop, "node-2")

	require.NoError(t, c1.Write("key-1", []byte("v1"), time.Second))
	require.Equal(t, State(Modified), sm1.LineState("key-1"))
	require.Equal(t, State(Invalid), sm2.LineState("key-1"))

	v, err := c2.Read("key-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	// the directory converges identically on both replicas, but only
	// node-2 installed a local line from its own read; node-1's Modified
	// line downgrades to Shared rather than disappearing.
	require.ElementsMatch(t, []string{"node-1", "node-2"}, sm1.Sharers("key-1"))
	require.ElementsMatch(t, []string{"node-1", "node-2"}, sm2.Sharers("key-1"))
	require.Equal(t, State(Shared), sm1.LineState("key-1"))
	require.Equal(t, State(Shared), sm2.LineState("key-1"))

	require.NoError(t, c2.Write("key-1", []byte("v2"), time.Second))
	require.ElementsMatch(t, []string{"node-2"}, sm1.Sharers("key-1"))
	require.ElementsMatch(t, []string{"node-2"}, sm2.Sharers("key-1"))
	require.Equal(t, State(Invalid), sm1.LineState("key-1"))
	require.Equal(t, State(Modified), sm2.LineState("key-1"))
}

func TestEvictionWritesBackModifiedLine(t *testing.T) {
	st := store.NewMemoryStore()
	sm, err := New("node-1", 0, st) // zero byte budget forces immediate eviction
	require.NoError(t, err)
	c := NewClient(sm, &directProposer{sm: sm}, "node-1")

	require.NoError(t, c.Write("key-1", []byte("dirty-value"), time.Second))

	v, err := st.Get("cache:line:key-1")
	require.NoError(t, err)
	require.Equal(t, "dirty-value", string(v))
}

func TestRemoteWriteWritesBackPriorModifiedLine(t *testing.T) {
	st1 := store.NewMemoryStore()
	sm1, err := New("node-1", 1, st1)
	require.NoError(t, err)
	sm2, err := New("node-2", 1, store.NewMemoryStore())
	require.NoError(t, err)
	prop := &fanoutProposer{sms: []*StateMachine{sm1, sm2}}
	c1 := NewClient(sm1, prop, "node-1")
	c2 := NewClient(sm2, prop, "node-2")

	require.NoError(t, c1.Write("key-1", []byte("stale"), time.Second))
	require.NoError(t, c2.Write("key-1", []byte("fresh"), time.Second))

	// node-1 lost its Modified line to the remote write, but its own
	// prior value was flushed to its own durable store first.
	require.Equal(t, State(Invalid), sm1.LineState("key-1"))
	v, err := st1.Get("cache:line:key-1")
	require.NoError(t, err)
	require.Equal(t, "stale", string(v))
}
