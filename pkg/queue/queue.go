// Package queue implements the replicated, partitioned message queue
// state machine: consistent-hash partition assignment, at-least-once
// delivery via a pending-ack table, and visibility-timeout-driven
// redelivery, all applied through pkg/raft so every replica's partitions
// converge identically.
package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncmesh/syncd/pkg/store"
)

// CommandType tags the variant carried by a Command.
type CommandType string

const (
	CmdProduce CommandType = "produce"
	CmdConsume CommandType = "consume"
	CmdAck     CommandType = "ack"
	CmdRequeue CommandType = "requeue"
)

// Command is the Raft-replicated mutation applied to queue state.
type Command struct {
	Type        CommandType `json:"type"`
	RequestID   string      `json:"request_id"`
	Partition   int         `json:"partition"`
	PartitionKey string     `json:"partition_key,omitempty"`
	ConsumerID  string      `json:"consumer_id,omitempty"`
	MessageID   string      `json:"message_id,omitempty"`
	Payload     []byte      `json:"payload,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// Message is one queued item.
type Message struct {
	ID         string `json:"id"`
	Partition  int    `json:"partition"`
	Payload    []byte `json:"payload"`
	ProducedAt int64  `json:"produced_at"`
	Attempts   int    `json:"attempts"`
}

// PendingAck tracks an in-flight, unacknowledged delivery.
type PendingAck struct {
	ConsumerID  string   `json:"consumer_id"`
	Message     *Message `json:"message"`
	DeliveredAt int64    `json:"delivered_at"`
}

// StateMachine is the queue's replicated state. It implements
// raft.StateMachine.
type StateMachine struct {
	partitionCount    int
	visibilityTimeout time.Duration
	persistence       bool
	messageTTL        time.Duration
	store             store.Store
	ring              *ConsistentHash

	mu         sync.RWMutex
	partitions map[int][]*Message
	pendingAcks map[string]*PendingAck // "consumerID:messageID" -> ack

	stats struct {
		produced, consumed, redelivered uint64
	}

	outcomesMu sync.Mutex
	outcomes   map[string]any // requestID -> *Message (consume), message ID string (produce) or bool (ack)

	produceCounter uint64
}

type Option func(*StateMachine)

func WithStore(s store.Store) Option                 { return func(sm *StateMachine) { sm.store = s } }
func WithPersistence(enabled bool) Option             { return func(sm *StateMachine) { sm.persistence = enabled } }
func WithMessageTTL(ttl time.Duration) Option         { return func(sm *StateMachine) { sm.messageTTL = ttl } }
func WithVisibilityTimeout(d time.Duration) Option    { return func(sm *StateMachine) { sm.visibilityTimeout = d } }

// New creates a queue state machine with partitionCount partitions and
// nodes seeding the consistent-hash ring used for keyed partition
// assignment.
func New(partitionCount int, nodes []string, opts ...Option) *StateMachine {
	sm := &StateMachine{
		partitionCount:    partitionCount,
		visibilityTimeout: 30 * time.Second,
		messageTTL:        24 * time.Hour,
		ring:              NewConsistentHash(nodes, defaultVirtualNodes),
		partitions:        make(map[int][]*Message),
		pendingAcks:       make(map[string]*PendingAck),
		outcomes:          make(map[string]any),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

var _ interface {
	Apply(index uint64, cmd []byte) error
} = (*StateMachine)(nil)

// PartitionFor resolves the partition a keyed message belongs to by
// hashing the key's ring-owner onto the partition space, the same
// two-step indirection original_source's queue_node.py uses (consistent
// hash to a node, then that node name hashed mod partition count).
func (sm *StateMachine) PartitionFor(key string) int {
	owner := sm.ring.GetNode(key)
	if owner == "" {
		return 0
	}
	return int(hashKey(owner) % uint64(sm.partitionCount))
}

func (sm *StateMachine) Apply(index uint64, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("queue: decode command: %w", err)
	}

	switch cmd.Type {
	case CmdProduce:
		sm.applyProduce(&cmd)
	case CmdConsume:
		sm.applyConsume(&cmd)
	case CmdAck:
		sm.applyAck(&cmd)
	case CmdRequeue:
		sm.applyRequeueExpired(&cmd)
	default:
		return fmt.Errorf("queue: unknown command type %q", cmd.Type)
	}
	return nil
}

func (sm *StateMachine) applyProduce(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	partition := cmd.Partition
	if cmd.PartitionKey != "" {
		partition = sm.PartitionFor(cmd.PartitionKey)
	} else if partition == 0 && cmd.Partition == 0 {
		partition = int(sm.produceCounter % uint64(sm.partitionCount))
	}

	msg := &Message{ID: cmd.MessageID, Partition: partition, Payload: cmd.Payload, ProducedAt: cmd.Timestamp}
	sm.partitions[partition] = append(sm.partitions[partition], msg)
	sm.produceCounter++
	sm.stats.produced++

	if sm.persistence && sm.store != nil {
		if data, err := json.Marshal(msg); err == nil {
			if err := sm.store.Put(messageKey(msg.ID), data, sm.messageTTL); err != nil {
				log.Printf("[queue] failed to persist message %s: %v", msg.ID, err)
			}
		}
	}

	sm.setOutcome(cmd.RequestID, msg.ID)
	log.Printf("[queue] produced %s to partition %d", msg.ID, partition)
}

func (sm *StateMachine) applyConsume(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	queue := sm.partitions[cmd.Partition]
	if len(queue) == 0 {
		sm.setOutcome(cmd.RequestID, (*Message)(nil))
		return
	}

	msg := queue[0]
	sm.partitions[cmd.Partition] = queue[1:]
	msg.Attempts++

	ackKey := pendingKey(cmd.ConsumerID, msg.ID)
	sm.pendingAcks[ackKey] = &PendingAck{ConsumerID: cmd.ConsumerID, Message: msg, DeliveredAt: cmd.Timestamp}
	sm.stats.consumed++

	sm.setOutcome(cmd.RequestID, msg)
	log.Printf("[queue] delivered %s to consumer %s (attempt %d)", msg.ID, cmd.ConsumerID, msg.Attempts)
}

func (sm *StateMachine) applyAck(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ackKey := pendingKey(cmd.ConsumerID, cmd.MessageID)
	ack, ok := sm.pendingAcks[ackKey]
	if !ok {
		sm.setOutcome(cmd.RequestID, false)
		return
	}
	delete(sm.pendingAcks, ackKey)

	if sm.persistence && sm.store != nil {
		if err := sm.store.Delete(messageKey(ack.Message.ID)); err != nil {
			log.Printf("[queue] failed to delete persisted message %s: %v", ack.Message.ID, err)
		}
	}
	sm.setOutcome(cmd.RequestID, true)
}

// applyRequeueExpired scans pending acks for entries older than the
// visibility timeout (relative to cmd.Timestamp, the proposer's clock
// reading, so all replicas agree on what has expired) and pushes them
// back to the front of their partition for redelivery.
func (sm *StateMachine) applyRequeueExpired(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := cmd.Timestamp
	timeoutNanos := sm.visibilityTimeout.Nanoseconds()

	var expired []string
	for key, ack := range sm.pendingAcks {
		if now-ack.DeliveredAt > timeoutNanos {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		ack := sm.pendingAcks[key]
		delete(sm.pendingAcks, key)

		p := ack.Message.Partition
		sm.partitions[p] = append([]*Message{ack.Message}, sm.partitions[p]...)
		sm.stats.redelivered++
		log.Printf("[queue] redelivering %s (attempt %d)", ack.Message.ID, ack.Message.Attempts)
	}
}

func (sm *StateMachine) setOutcome(requestID string, v any) {
	if requestID == "" {
		return
	}
	sm.outcomesMu.Lock()
	sm.outcomes[requestID] = v
	sm.outcomesMu.Unlock()
}

func (sm *StateMachine) takeOutcome(requestID string) (any, bool) {
	sm.outcomesMu.Lock()
	defer sm.outcomesMu.Unlock()
	v, ok := sm.outcomes[requestID]
	if ok {
		delete(sm.outcomes, requestID)
	}
	return v, ok
}

// PartitionSize returns the number of queued (undelivered) messages in a
// partition.
func (sm *StateMachine) PartitionSize(partition int) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.partitions[partition])
}

// PendingCount returns the number of unacknowledged deliveries.
func (sm *StateMachine) PendingCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.pendingAcks)
}

func messageKey(id string) string    { return "queue:msg:" + id }
func pendingKey(consumerID, msgID string) string { return consumerID + ":" + msgID }

// RecoverFromStore repopulates partitions from durably persisted messages
// not yet acknowledged, mirroring original_source's startup recovery scan.
// Intended to run once, before the node starts serving traffic.
func (sm *StateMachine) RecoverFromStore() (int, error) {
	if sm.store == nil {
		return 0, nil
	}
	it, err := sm.store.Scan("queue:msg:")
	if err != nil {
		return 0, fmt.Errorf("queue: recovery scan: %w", err)
	}
	defer it.Close()

	recovered := 0
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for it.Next() {
		data, err := it.Value()
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		sm.partitions[msg.Partition] = append(sm.partitions[msg.Partition], &msg)
		recovered++
	}
	return recovered, nil
}

// Proposer is the subset of pkg/raft.Raft the client API needs.
type Proposer interface {
	Apply(cmd []byte, timeout time.Duration) error
}

// Client pairs a StateMachine with its Raft node for a synchronous
// produce/consume/ack/requeue-scan API.
type Client struct {
	sm  *StateMachine
	raf Proposer
}

func NewClient(sm *StateMachine, raf Proposer) *Client {
	return &Client{sm: sm, raf: raf}
}

// Produce proposes a new message and returns its generated ID once
// committed.
func (c *Client) Produce(payload []byte, partitionKey string, timeout time.Duration) (string, error) {
	reqID := uuid.NewString()
	msgID := uuid.NewString()
	cmd := Command{Type: CmdProduce, RequestID: reqID, MessageID: msgID, Payload: payload, PartitionKey: partitionKey, Timestamp: time.Now().UnixNano()}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", err
	}
	if err := c.raf.Apply(data, timeout); err != nil {
		return "", err
	}
	v, _ := c.sm.takeOutcome(reqID)
	if id, ok := v.(string); ok {
		return id, nil
	}
	return msgID, nil
}

// Consume proposes a Consume command against partition and returns the
// delivered message, polling until one is available or timeout elapses.
func (c *Client) Consume(partition int, consumerID string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		reqID := uuid.NewString()
		cmd := Command{Type: CmdConsume, RequestID: reqID, Partition: partition, ConsumerID: consumerID, Timestamp: time.Now().UnixNano()}
		data, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := c.raf.Apply(data, remaining); err != nil {
			return nil, err
		}
		v, _ := c.sm.takeOutcome(reqID)
		if msg, ok := v.(*Message); ok && msg != nil {
			return msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Ack proposes an acknowledgement for a previously delivered message.
func (c *Client) Ack(consumerID, messageID string, timeout time.Duration) error {
	reqID := uuid.NewString()
	cmd := Command{Type: CmdAck, RequestID: reqID, ConsumerID: consumerID, MessageID: messageID, Timestamp: time.Now().UnixNano()}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.raf.Apply(data, timeout)
}

// RequeueExpired proposes a redelivery sweep. Intended to be called
// periodically by the node's background timer (every RedeliveryInterval).
func (c *Client) RequeueExpired(timeout time.Duration) error {
	cmd := Command{Type: CmdRequeue, Timestamp: time.Now().UnixNano()}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.raf.Apply(data, timeout)
}
