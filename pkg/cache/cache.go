// Package cache implements the MESI cache coherence state machine: a
// replicated directory of which nodes share a key, per-node
// Modified/Exclusive/Shared/Invalid line state, write-invalidate, and
// byte-budgeted LRU eviction with write-back of modified lines. Every node
// runs its own StateMachine over the same replicated command log, so the
// directory converges identically everywhere while each node's LRU holds
// only the line state that actually belongs to it.
package cache

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dustin/go-humanize"

	"github.com/syncmesh/syncd/pkg/store"
)

// State is a cache line's MESI state.
type State int

const (
	Invalid State = iota
	Shared
	Exclusive
	Modified
)

func (s State) String() string {
	switch s {
	case Modified:
		return "M"
	case Exclusive:
		return "E"
	case Shared:
		return "S"
	default:
		return "I"
	}
}

// CommandType tags the variant carried by a Command.
type CommandType string

const (
	CmdRead       CommandType = "read"
	CmdWrite      CommandType = "write"
	CmdInvalidate CommandType = "invalidate"
)

// Command is the Raft-replicated mutation applied to directory/cache state.
type Command struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id"`
	Key       string      `json:"key"`
	Value     []byte      `json:"value,omitempty"`
	NodeID    string      `json:"node_id"`
	Timestamp int64       `json:"timestamp"`
}

// Line is one cache line's local metadata.
type Line struct {
	Key         string `json:"key"`
	Value       []byte `json:"value"`
	State       State  `json:"state"`
	LastAccess  int64  `json:"last_access"`
	AccessCount uint64 `json:"access_count"`
}

func (l *Line) size() int { return len(l.Key) + len(l.Value) + 32 }

// StateMachine is the cache coherence protocol's replicated state: the
// directory of sharers (identical on every replica, since it is only ever
// mutated deterministically through Raft) plus this node's own local LRU of
// cache lines. Apply runs on every replica for every committed command, but
// only the line belonging to nodeID is ever materialized locally — a
// replica knows a command was its own by comparing the command's NodeID
// with nodeID.
type StateMachine struct {
	nodeID     string
	byteBudget int64
	store      store.Store

	mu        sync.RWMutex
	directory map[string]map[string]struct{} // key -> set of sharer node IDs
	lru       *lru.Cache[string, *Line]
	usedBytes int64

	outcomesMu sync.Mutex
	outcomes   map[string][]byte
}

var _ interface {
	Apply(index uint64, cmd []byte) error
} = (*StateMachine)(nil)

// New creates a cache state machine for nodeID with the given byte budget.
// The underlying golang-lru cache is sized generously by entry count since
// golang-lru bounds by count, not bytes; StateMachine enforces the real
// byte budget itself via evictUntilWithinBudgetLocked.
func New(nodeID string, byteBudgetMB int, st store.Store) (*StateMachine, error) {
	backing, err := lru.New[string, *Line](1 << 20)
	if err != nil {
		return nil, fmt.Errorf("cache: init lru: %w", err)
	}
	return &StateMachine{
		nodeID:     nodeID,
		byteBudget: int64(byteBudgetMB) * 1024 * 1024,
		store:      st,
		directory:  make(map[string]map[string]struct{}),
		lru:        backing,
		outcomes:   make(map[string][]byte),
	}, nil
}

func (sm *StateMachine) Apply(index uint64, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("cache: decode command: %w", err)
	}

	switch cmd.Type {
	case CmdRead:
		sm.applyRead(&cmd)
	case CmdWrite:
		sm.applyWrite(&cmd)
	case CmdInvalidate:
		sm.applyInvalidate(&cmd)
	default:
		return fmt.Errorf("cache: unknown command type %q", cmd.Type)
	}
	return nil
}

// applyRead runs identically on every replica (the directory is shared,
// deterministic state), but only the requesting node materializes a local
// line: a command stamped with another node's ID updates the directory's
// sharer set and downgrades this replica's own line, if it has one, to
// Shared.
func (sm *StateMachine) applyRead(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sharers := sm.directory[cmd.Key]
	if sharers == nil {
		sharers = make(map[string]struct{})
		sm.directory[cmd.Key] = sharers
	}
	sharers[cmd.NodeID] = struct{}{}

	if cmd.NodeID != sm.nodeID {
		// a remote read downgrades this replica's own line to Shared,
		// writing back first if it was the sole Modified holder.
		if line, ok := sm.lru.Peek(cmd.Key); ok && line.State != Shared {
			if line.State == Modified && sm.store != nil {
				if err := sm.store.Put(lineKey(cmd.Key), line.Value, 0); err != nil {
					log.Printf("[cache] write-back failed for %s: %v", cmd.Key, err)
				}
			}
			line.State = Shared
		}
		return
	}

	value := sm.resolveValueLocked(cmd.Key)
	state := Shared
	if len(sharers) == 1 {
		state = Exclusive
	}

	line := &Line{Key: cmd.Key, Value: value, State: state, LastAccess: cmd.Timestamp, AccessCount: 1}
	sm.insertLocked(line)
	sm.setOutcome(cmd.RequestID, value)
}

// applyWrite implements write-invalidate across replicas: the directory is
// narrowed to the single writer on every node, the writer installs the new
// Modified line locally, and every other replica drops its own copy of the
// key to Invalid, since cmd.NodeID is the only node whose local line is
// still valid after the write.
func (sm *StateMachine) applyWrite(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.directory[cmd.Key] = map[string]struct{}{cmd.NodeID: {}}

	if cmd.NodeID != sm.nodeID {
		// a remote write invalidates this replica's own line; if it was
		// the sole Modified holder, its value is written back to this
		// node's own durable store before the line is dropped.
		if line, ok := sm.lru.Peek(cmd.Key); ok && line.State == Modified && sm.store != nil {
			if err := sm.store.Put(lineKey(cmd.Key), line.Value, 0); err != nil {
				log.Printf("[cache] write-back failed for %s: %v", cmd.Key, err)
			}
		}
		sm.removeLineLocked(cmd.Key)
		return
	}

	line := &Line{Key: cmd.Key, Value: cmd.Value, State: Modified, LastAccess: cmd.Timestamp, AccessCount: 1}
	sm.insertLocked(line)

	if sm.store != nil {
		if err := sm.store.Put(lineKey(cmd.Key), cmd.Value, 0); err != nil {
			log.Printf("[cache] failed to persist %s: %v", cmd.Key, err)
		}
	}
	sm.setOutcome(cmd.RequestID, cmd.Value)
}

// applyInvalidate clears every sharer for key; it is proposed by
// Client.Invalidate. Every replica drops its own local copy, if it has
// one.
func (sm *StateMachine) applyInvalidate(cmd *Command) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.directory, cmd.Key)
	sm.removeLineLocked(cmd.Key)
}

// resolveValueLocked fetches the current value for key, preferring the
// in-memory line if present and falling back to the durable store.
// Callers must hold sm.mu.
func (sm *StateMachine) resolveValueLocked(key string) []byte {
	if line, ok := sm.lru.Peek(key); ok {
		return line.Value
	}
	if sm.store != nil {
		if v, err := sm.store.Get(lineKey(key)); err == nil {
			return v
		}
	}
	return nil
}

// insertLocked adds or replaces a line and evicts until the byte budget
// is satisfied. Callers must hold sm.mu.
func (sm *StateMachine) insertLocked(line *Line) {
	if old, ok := sm.lru.Peek(line.Key); ok {
		sm.usedBytes -= int64(old.size())
	}
	sm.lru.Add(line.Key, line)
	sm.usedBytes += int64(line.size())
	sm.evictUntilWithinBudgetLocked()
}

// removeLineLocked drops key's local line, if any, adjusting usedBytes to
// match. Callers must hold sm.mu.
func (sm *StateMachine) removeLineLocked(key string) {
	if line, ok := sm.lru.Peek(key); ok {
		sm.usedBytes -= int64(line.size())
		sm.lru.Remove(key)
	}
}

// evictUntilWithinBudgetLocked evicts the least-recently-used lines,
// writing back any that are Modified, until usedBytes fits byteBudget.
// Callers must hold sm.mu.
func (sm *StateMachine) evictUntilWithinBudgetLocked() {
	for sm.usedBytes > sm.byteBudget {
		key, line, ok := sm.lru.GetOldest()
		if !ok {
			return
		}
		if line.State == Modified && sm.store != nil {
			if err := sm.store.Put(lineKey(key), line.Value, 0); err != nil {
				log.Printf("[cache] write-back failed for %s: %v", key, err)
			}
		}
		sm.lru.Remove(key)
		sm.usedBytes -= int64(line.size())
		log.Printf("[cache] evicted %s (%s used)", key, humanize.Bytes(uint64(sm.usedBytes)))
	}
}

func (sm *StateMachine) setOutcome(requestID string, v []byte) {
	if requestID == "" {
		return
	}
	sm.outcomesMu.Lock()
	sm.outcomes[requestID] = v
	sm.outcomesMu.Unlock()
}

func (sm *StateMachine) takeOutcome(requestID string) ([]byte, bool) {
	sm.outcomesMu.Lock()
	defer sm.outcomesMu.Unlock()
	v, ok := sm.outcomes[requestID]
	if ok {
		delete(sm.outcomes, requestID)
	}
	return v, ok
}

// LineState reports a key's current MESI state, for diagnostics and tests.
func (sm *StateMachine) LineState(key string) State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	line, ok := sm.lru.Peek(key)
	if !ok {
		return Invalid
	}
	return line.State
}

// Sharers returns the set of node IDs currently sharing key.
func (sm *StateMachine) Sharers(key string) []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []string
	for id := range sm.directory[key] {
		out = append(out, id)
	}
	return out
}

func lineKey(key string) string { return "cache:line:" + key }

// Proposer is the subset of pkg/raft.Raft the client API needs.
type Proposer interface {
	Apply(cmd []byte, timeout time.Duration) error
}

// Client pairs a StateMachine with its Raft node for a synchronous
// read/write/invalidate API.
type Client struct {
	sm     *StateMachine
	raf    Proposer
	nodeID string
	seq    uint64
}

func NewClient(sm *StateMachine, raf Proposer, nodeID string) *Client {
	return &Client{sm: sm, raf: raf, nodeID: nodeID}
}

func (c *Client) nextRequestID() string {
	c.seq++
	return fmt.Sprintf("%s-%d-%d", c.nodeID, time.Now().UnixNano(), c.seq)
}

func (c *Client) Read(key string, timeout time.Duration) ([]byte, error) {
	reqID := c.nextRequestID()
	cmd := Command{Type: CmdRead, RequestID: reqID, Key: key, NodeID: c.nodeID, Timestamp: time.Now().UnixNano()}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if err := c.raf.Apply(data, timeout); err != nil {
		return nil, err
	}
	v, _ := c.sm.takeOutcome(reqID)
	return v, nil
}

func (c *Client) Write(key string, value []byte, timeout time.Duration) error {
	reqID := c.nextRequestID()
	cmd := Command{Type: CmdWrite, RequestID: reqID, Key: key, Value: value, NodeID: c.nodeID, Timestamp: time.Now().UnixNano()}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.raf.Apply(data, timeout)
}

func (c *Client) Invalidate(key string, timeout time.Duration) error {
	reqID := c.nextRequestID()
	cmd := Command{Type: CmdInvalidate, RequestID: reqID, Key: key, NodeID: c.nodeID, Timestamp: time.Now().UnixNano()}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.raf.Apply(data, timeout)
}
