package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

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

func TestProduceConsumeAck(t *testing.T) {
	sm := New(4, []string{"node-1"})
	c := NewClient(sm, &directProposer{sm: sm})

	id, err := c.Produce([]byte("hello"), "", time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := c.Consume(0, "consumer-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "hello", string(msg.Payload))
	require.Equal(t, 1, sm.PendingCount())

	require.NoError(t, c.Ack("consumer-1", msg.ID, time.Second))
	require.Equal(t, 0, sm.PendingCount())
}

func TestConsumeOnEmptyPartitionTimesOut(t *testing.T) {
	sm := New(4, []string{"node-1"})
	c := NewClient(sm, &directProposer{sm: sm})

	msg, err := c.Consume(1, "consumer-1", 150*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	sm := New(4, []string{"node-1"}, WithVisibilityTimeout(10*time.Millisecond))
	c := NewClient(sm, &directProposer{sm: sm})

	_, err := c.Produce([]byte("payload"), "", time.Second)
	require.NoError(t, err)

	msg, err := c.Consume(0, "consumer-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, 1, msg.Attempts)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.RequeueExpired(time.Second))
	require.Equal(t, 0, sm.PendingCount())
	require.Equal(t, 1, sm.PartitionSize(0))

	redelivered, err := c.Consume(0, "consumer-2", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, 2, redelivered.Attempts)
}

func TestConsistentHashStableAssignment(t *testing.T) {
	ch := NewConsistentHash([]string{"node-1", "node-2", "node-3"}, 50)
	owner := ch.GetNode("order-42")
	require.NotEmpty(t, owner)
	require.Equal(t, owner, ch.GetNode("order-42"))
}
