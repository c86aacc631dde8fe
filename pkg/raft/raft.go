// Package raft implements the single-log, statically-configured Raft
// consensus substrate shared by syncd's lock, queue, and cache state
// machines. It knows nothing about lock/queue/cache semantics: callers
// inject a StateMachine that Apply is invoked against, in committed-index
// order, exactly once per index.
package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncmesh/syncd/pkg/store"
	"github.com/syncmesh/syncd/pkg/transport"
)

// Role is the node's current Raft role.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one entry in the replicated log.
type LogEntry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Command []byte `json:"command"`
}

// VoteRequest is sent by a candidate soliciting votes.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
	VoterID     string `json:"voter_id"`
}

// AppendEntriesRequest replicates entries from the leader to a follower.
type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit uint64     `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	MatchIndex    uint64 `json:"match_index"`
	ConflictIndex uint64 `json:"conflict_index"`
	ConflictTerm  uint64 `json:"conflict_term"`
	ResponderID   string `json:"responder_id"`
}

var (
	ErrNotLeader = errors.New("raft: not leader")
	ErrTimeout   = errors.New("raft: apply timeout")
	ErrClosed    = errors.New("raft: closed")
)

// StateMachine is the callback contract the replicated state machines
// (lock, queue, cache) implement. Apply is invoked once per committed
// index, strictly in order.
type StateMachine interface {
	Apply(index uint64, cmd []byte) error
}

// Config tunes a Raft node's timing and static membership.
type Config struct {
	NodeID             string
	Group              string // distinguishes this group's RPCs on a shared transport
	Peers              map[string]string // nodeID -> address
	Bootstrap          bool
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	CommitTimeout      time.Duration
}

type persistentState struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
}

const metaKey = "raft:meta"

type applyFuture struct {
	cmd    []byte
	index  uint64
	term   uint64
	errCh  chan error
	doneCh chan struct{}
}

// Raft is a single Raft consensus group. Persistent state survives
// restart via an injected store.Store; it holds no opinion about the
// shape of the commands it replicates.
type Raft struct {
	cfg Config
	sm  StateMachine
	tr  transport.Transport
	st  store.Store

	mu          sync.RWMutex
	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	logMu       sync.RWMutex
	logEntries  []LogEntry // index 0 is a sentinel with Index==0
	commitIndex uint64
	lastApplied uint64

	peerMu     sync.RWMutex
	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	futuresMu sync.Mutex
	futures   map[uint64]*applyFuture

	heartbeatCh chan struct{}
	commitCh    chan struct{}
	stopCh      chan struct{}

	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	rng *rand.Rand
}

// New constructs a Raft node. Start must be called before it is usable.
func New(cfg Config, sm StateMachine, tr transport.Transport, st store.Store) *Raft {
	r := &Raft{
		cfg:         cfg,
		sm:          sm,
		tr:          tr,
		st:          st,
		logEntries:  []LogEntry{{Index: 0, Term: 0}},
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		futures:     make(map[uint64]*applyFuture),
		heartbeatCh: make(chan struct{}, 1),
		commitCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashString(cfg.NodeID)))),
	}

	if ps, err := loadPersistentState(st, r.metaKey()); err == nil {
		r.currentTerm = ps.CurrentTerm
		r.votedFor = ps.VotedFor
	}

	return r
}

// metaKey namespaces persistent term/vote state by group, since several
// Raft groups (lock/queue/cache) share one node's durable store.
func (r *Raft) metaKey() string {
	return metaKey + ":" + r.cfg.Group
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func loadPersistentState(st store.Store, key string) (persistentState, error) {
	var ps persistentState
	data, err := st.Get(key)
	if err != nil {
		return ps, err
	}
	if err := json.Unmarshal(data, &ps); err != nil {
		return ps, err
	}
	return ps, nil
}

func (r *Raft) persist() {
	ps := persistentState{CurrentTerm: r.currentTerm, VotedFor: r.votedFor}
	data, err := json.Marshal(ps)
	if err != nil {
		return
	}
	if err := r.st.Put(r.metaKey(), data, 0); err != nil {
		log.Printf("[raft %s] failed to persist term/vote: %v", r.cfg.NodeID, err)
	}
}

// Start spawns the election/heartbeat/apply goroutines. The caller is
// responsible for routing inbound envelopes addressed to this Raft
// group's Group tag to HandleEnvelope, since a transport is typically
// shared across several Raft groups (see pkg/node).
func (r *Raft) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	if r.cfg.Bootstrap && len(r.cfg.Peers) == 0 {
		r.mu.Lock()
		r.becomeLeaderLocked()
		r.mu.Unlock()
	}

	r.wg.Add(2)
	go r.runElectionTimer()
	go r.runCommitLoop()

	log.Printf("[raft %s] started with %d peers", r.cfg.NodeID, len(r.cfg.Peers))
	return nil
}

// Shutdown stops all background goroutines and fails pending proposals.
func (r *Raft) Shutdown() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stopCh)

	r.futuresMu.Lock()
	for _, f := range r.futures {
		select {
		case f.errCh <- ErrClosed:
		default:
		}
	}
	r.futures = make(map[uint64]*applyFuture)
	r.futuresMu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Raft) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role == RoleLeader
}

func (r *Raft) LeaderID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

func (r *Raft) Term() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTerm
}

// CommitIndex returns the highest log index known to be committed.
func (r *Raft) CommitIndex() uint64 {
	r.logMu.RLock()
	defer r.logMu.RUnlock()
	return r.commitIndex
}

// Apply proposes cmd to the cluster and blocks until it is committed and
// applied, or until timeout elapses. Only the leader can accept proposals.
func (r *Raft) Apply(cmd []byte, timeout time.Duration) error {
	r.mu.RLock()
	if r.role != RoleLeader {
		r.mu.RUnlock()
		return ErrNotLeader
	}
	term := r.currentTerm
	r.mu.RUnlock()

	r.logMu.Lock()
	index := uint64(len(r.logEntries))
	r.logEntries = append(r.logEntries, LogEntry{Index: index, Term: term, Command: cmd})
	r.logMu.Unlock()

	future := &applyFuture{cmd: cmd, index: index, term: term, errCh: make(chan error, 1), doneCh: make(chan struct{})}
	r.futuresMu.Lock()
	r.futures[index] = future
	r.futuresMu.Unlock()

	if len(r.cfg.Peers) == 0 {
		// single-node fast path: this entry is immediately committed.
		r.logMu.Lock()
		if index > r.commitIndex {
			r.commitIndex = index
		}
		r.logMu.Unlock()
		select {
		case r.commitCh <- struct{}{}:
		default:
		}
	} else {
		r.replicateToAllPeers()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-future.errCh:
		return err
	case <-future.doneCh:
		return nil
	case <-timer.C:
		r.futuresMu.Lock()
		delete(r.futures, index)
		r.futuresMu.Unlock()
		return ErrTimeout
	case <-r.stopCh:
		return ErrClosed
	}
}

func (r *Raft) lastLogIndexTerm() (uint64, uint64) {
	r.logMu.RLock()
	defer r.logMu.RUnlock()
	last := r.logEntries[len(r.logEntries)-1]
	return last.Index, last.Term
}

func (r *Raft) runElectionTimer() {
	defer r.wg.Done()
	for {
		timeout := r.cfg.ElectionTimeoutMin + time.Duration(r.rng.Int63n(int64(r.cfg.ElectionTimeoutMax-r.cfg.ElectionTimeoutMin)+1))
		timer := time.NewTimer(timeout)
		select {
		case <-timer.C:
			r.mu.RLock()
			isLeader := r.role == RoleLeader
			r.mu.RUnlock()
			if !isLeader {
				r.startElection()
			}
		case <-r.heartbeatCh:
			timer.Stop()
		case <-r.stopCh:
			timer.Stop()
			return
		}
	}
}

func (r *Raft) startElection() {
	r.mu.Lock()
	r.role = RoleCandidate
	r.currentTerm++
	r.votedFor = r.cfg.NodeID
	term := r.currentTerm
	r.persist()
	r.mu.Unlock()

	log.Printf("[raft %s] starting election for term %d", r.cfg.NodeID, term)

	if len(r.cfg.Peers) == 0 {
		r.mu.Lock()
		r.becomeLeaderLocked()
		r.mu.Unlock()
		return
	}

	lastIndex, lastTerm := r.lastLogIndexTerm()
	req := VoteRequest{Term: term, CandidateID: r.cfg.NodeID, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	payload, _ := json.Marshal(req)

	votes := int32(1) // vote for self
	total := int32(len(r.cfg.Peers) + 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 1

	for peerID := range r.cfg.Peers {
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			reply, err := r.tr.Send(ctx, peerID, &transport.Envelope{Type: transport.MsgVoteRequest, Group: r.cfg.Group, Payload: payload})
			if err != nil {
				return
			}
			var resp VoteResponse
			if err := json.Unmarshal(reply.Payload, &resp); err != nil {
				return
			}

			r.mu.Lock()
			if resp.Term > r.currentTerm {
				r.stepDownLocked(resp.Term)
				r.mu.Unlock()
				return
			}
			stillCandidate := r.role == RoleCandidate && r.currentTerm == term
			r.mu.Unlock()

			if !stillCandidate {
				return
			}
			if resp.VoteGranted {
				mu.Lock()
				granted++
				mu.Unlock()
				atomic.AddInt32(&votes, 1)
			}
		}()
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != RoleCandidate || r.currentTerm != term {
		return
	}
	if int32(granted)*2 > total {
		r.becomeLeaderLocked()
	}
}

// stepDownLocked must be called with r.mu held.
func (r *Raft) stepDownLocked(term uint64) {
	r.currentTerm = term
	r.votedFor = ""
	r.role = RoleFollower
	r.leaderID = ""
	r.persist()
}

// becomeLeaderLocked must be called with r.mu held.
func (r *Raft) becomeLeaderLocked() {
	r.role = RoleLeader
	r.leaderID = r.cfg.NodeID

	lastIndex, _ := r.lastLogIndexTerm()
	r.peerMu.Lock()
	for peerID := range r.cfg.Peers {
		r.nextIndex[peerID] = lastIndex + 1
		r.matchIndex[peerID] = 0
	}
	r.peerMu.Unlock()

	log.Printf("[raft %s] became leader for term %d", r.cfg.NodeID, r.currentTerm)

	if len(r.cfg.Peers) > 0 {
		r.wg.Add(1)
		go r.runHeartbeats()
	}
}

func (r *Raft) runHeartbeats() {
	defer r.wg.Done()
	interval := r.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.replicateToAllPeers()
	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			stillLeader := r.role == RoleLeader
			r.mu.RUnlock()
			if !stillLeader {
				return
			}
			r.replicateToAllPeers()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Raft) replicateToAllPeers() {
	for peerID := range r.cfg.Peers {
		go r.replicateToPeer(peerID)
	}
}

func (r *Raft) replicateToPeer(peerID string) {
	r.mu.RLock()
	if r.role != RoleLeader {
		r.mu.RUnlock()
		return
	}
	term := r.currentTerm
	r.mu.RUnlock()

	r.peerMu.RLock()
	next := r.nextIndex[peerID]
	r.peerMu.RUnlock()
	if next == 0 {
		next = 1
	}

	r.logMu.RLock()
	if int(next) > len(r.logEntries) {
		next = uint64(len(r.logEntries))
	}
	prevIndex := next - 1
	prevTerm := r.logEntries[prevIndex].Term
	var entries []LogEntry
	if int(next) < len(r.logEntries) {
		entries = append(entries, r.logEntries[next:]...)
	}
	commitIndex := r.commitIndex
	r.logMu.RUnlock()

	req := AppendEntriesRequest{
		Term:         term,
		LeaderID:     r.cfg.NodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: commitIndex,
	}
	payload, _ := json.Marshal(req)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := r.tr.Send(ctx, peerID, &transport.Envelope{Type: transport.MsgAppendEntries, Group: r.cfg.Group, Payload: payload})
	if err != nil {
		return
	}
	var resp AppendEntriesResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return
	}
	r.handleAppendEntriesResponse(peerID, &req, &resp)
}

func (r *Raft) handleAppendEntriesResponse(peerID string, req *AppendEntriesRequest, resp *AppendEntriesResponse) {
	r.mu.Lock()
	if resp.Term > r.currentTerm {
		r.stepDownLocked(resp.Term)
		r.mu.Unlock()
		return
	}
	if r.role != RoleLeader || r.currentTerm != req.Term {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if resp.Success {
		matchIndex := req.PrevLogIndex + uint64(len(req.Entries))
		r.peerMu.Lock()
		r.matchIndex[peerID] = matchIndex
		r.nextIndex[peerID] = matchIndex + 1
		r.peerMu.Unlock()

		select {
		case r.commitCh <- struct{}{}:
		default:
		}
	} else {
		r.peerMu.Lock()
		if resp.ConflictIndex > 0 {
			r.nextIndex[peerID] = resp.ConflictIndex
		} else if r.nextIndex[peerID] > 1 {
			r.nextIndex[peerID]--
		}
		r.peerMu.Unlock()
		go r.replicateToPeer(peerID)
	}
}

// runCommitLoop advances commitIndex based on peer matchIndex majorities
// (gated to the current term, per the Raft safety argument) and applies
// newly committed entries to the state machine in order.
func (r *Raft) runCommitLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.commitCh:
			r.advanceCommitIndex()
			r.applyCommitted()
		case <-time.After(20 * time.Millisecond):
			r.applyCommitted()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Raft) advanceCommitIndex() {
	r.mu.RLock()
	isLeader := r.role == RoleLeader
	term := r.currentTerm
	r.mu.RUnlock()
	if !isLeader {
		return
	}

	r.peerMu.RLock()
	matches := make([]uint64, 0, len(r.matchIndex)+1)
	r.logMu.RLock()
	matches = append(matches, uint64(len(r.logEntries)-1))
	r.logMu.RUnlock()
	for _, m := range r.matchIndex {
		matches = append(matches, m)
	}
	r.peerMu.RUnlock()

	// majority match index: sort descending, take the element at the
	// majority position.
	for i := 0; i < len(matches); i++ {
		for j := i + 1; j < len(matches); j++ {
			if matches[j] > matches[i] {
				matches[i], matches[j] = matches[j], matches[i]
			}
		}
	}
	majorityIdx := len(matches) / 2
	candidate := matches[majorityIdx]

	r.logMu.Lock()
	defer r.logMu.Unlock()
	if candidate > r.commitIndex && int(candidate) < len(r.logEntries) && r.logEntries[candidate].Term == term {
		r.commitIndex = candidate
	}
}

func (r *Raft) applyCommitted() {
	r.logMu.Lock()
	var toApply []LogEntry
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		toApply = append(toApply, r.logEntries[r.lastApplied])
	}
	r.logMu.Unlock()

	for _, entry := range toApply {
		err := r.sm.Apply(entry.Index, entry.Command)

		r.futuresMu.Lock()
		future, ok := r.futures[entry.Index]
		if ok {
			delete(r.futures, entry.Index)
		}
		r.futuresMu.Unlock()

		if ok {
			if err != nil {
				future.errCh <- err
			} else {
				close(future.doneCh)
			}
		}
	}
}

// HandleEnvelope dispatches an inbound envelope addressed to this Raft
// group by its Group tag. The caller (typically pkg/node, demultiplexing
// a transport shared by several Raft groups) is responsible for routing
// only envelopes whose Group matches this node's before calling in.
func (r *Raft) HandleEnvelope(ctx context.Context, from string, env *transport.Envelope) (*transport.Envelope, error) {
	switch env.Type {
	case transport.MsgVoteRequest:
		return r.handleVoteRequestRPC(ctx, from, env)
	case transport.MsgAppendEntries:
		return r.handleAppendEntriesRPC(ctx, from, env)
	default:
		return nil, fmt.Errorf("raft: unexpected envelope type %d", env.Type)
	}
}

func (r *Raft) handleVoteRequestRPC(ctx context.Context, from string, env *transport.Envelope) (*transport.Envelope, error) {
	var req VoteRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	resp := r.handleVoteRequest(&req)
	payload, _ := json.Marshal(resp)
	return &transport.Envelope{Type: transport.MsgVoteResponse, SenderID: r.cfg.NodeID, Group: r.cfg.Group, Payload: payload}, nil
}

func (r *Raft) handleVoteRequest(req *VoteRequest) VoteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Term > r.currentTerm {
		r.stepDownLocked(req.Term)
	}
	if req.Term < r.currentTerm {
		return VoteResponse{Term: r.currentTerm, VoteGranted: false, VoterID: r.cfg.NodeID}
	}

	lastIndex, lastTerm := r.lastLogIndexTerm()
	logUpToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	canVote := r.votedFor == "" || r.votedFor == req.CandidateID
	if canVote && logUpToDate {
		r.votedFor = req.CandidateID
		r.persist()
		return VoteResponse{Term: r.currentTerm, VoteGranted: true, VoterID: r.cfg.NodeID}
	}
	return VoteResponse{Term: r.currentTerm, VoteGranted: false, VoterID: r.cfg.NodeID}
}

func (r *Raft) handleAppendEntriesRPC(ctx context.Context, from string, env *transport.Envelope) (*transport.Envelope, error) {
	var req AppendEntriesRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, err
	}
	resp := r.handleAppendEntriesRequest(&req)
	payload, _ := json.Marshal(resp)
	return &transport.Envelope{Type: transport.MsgAppendEntriesResponse, SenderID: r.cfg.NodeID, Group: r.cfg.Group, Payload: payload}, nil
}

func (r *Raft) handleAppendEntriesRequest(req *AppendEntriesRequest) AppendEntriesResponse {
	r.mu.Lock()
	if req.Term < r.currentTerm {
		term := r.currentTerm
		r.mu.Unlock()
		return AppendEntriesResponse{Term: term, Success: false, ResponderID: r.cfg.NodeID}
	}
	if req.Term >= r.currentTerm {
		if req.Term > r.currentTerm || r.role != RoleFollower {
			r.stepDownLocked(req.Term)
		}
		r.leaderID = req.LeaderID
	}
	select {
	case r.heartbeatCh <- struct{}{}:
	default:
	}
	r.mu.Unlock()

	r.logMu.Lock()
	defer r.logMu.Unlock()

	if req.PrevLogIndex >= uint64(len(r.logEntries)) {
		return AppendEntriesResponse{
			Term: req.Term, Success: false, ResponderID: r.cfg.NodeID,
			ConflictIndex: uint64(len(r.logEntries)),
		}
	}
	if r.logEntries[req.PrevLogIndex].Term != req.PrevLogTerm {
		conflictTerm := r.logEntries[req.PrevLogIndex].Term
		conflictIndex := req.PrevLogIndex
		for conflictIndex > 0 && r.logEntries[conflictIndex-1].Term == conflictTerm {
			conflictIndex--
		}
		return AppendEntriesResponse{
			Term: req.Term, Success: false, ResponderID: r.cfg.NodeID,
			ConflictIndex: conflictIndex, ConflictTerm: conflictTerm,
		}
	}

	insertAt := req.PrevLogIndex + 1
	for i, entry := range req.Entries {
		idx := insertAt + uint64(i)
		if idx < uint64(len(r.logEntries)) {
			if r.logEntries[idx].Term != entry.Term {
				r.logEntries = r.logEntries[:idx]
				r.logEntries = append(r.logEntries, req.Entries[i:]...)
				break
			}
			continue
		}
		r.logEntries = append(r.logEntries, req.Entries[i:]...)
		break
	}

	lastNewIndex := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > r.commitIndex {
		if req.LeaderCommit < lastNewIndex {
			r.commitIndex = req.LeaderCommit
		} else {
			r.commitIndex = lastNewIndex
		}
	}

	return AppendEntriesResponse{Term: req.Term, Success: true, MatchIndex: lastNewIndex, ResponderID: r.cfg.NodeID}
}

// Health reports a lightweight snapshot for operational visibility.
type Health struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
	LastApplied uint64 `json:"last_applied"`
}

func (r *Raft) Health() Health {
	r.mu.RLock()
	role, term, leader := r.role, r.currentTerm, r.leaderID
	r.mu.RUnlock()
	r.logMu.RLock()
	commit, applied := r.commitIndex, r.lastApplied
	r.logMu.RUnlock()
	return Health{NodeID: r.cfg.NodeID, Role: role.String(), Term: term, LeaderID: leader, CommitIndex: commit, LastApplied: applied}
}

// WaitForLeader polls until a leader is known or ctx is done.
func (r *Raft) WaitForLeader(ctx context.Context) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.mu.RLock()
		leader := r.leaderID
		r.mu.RUnlock()
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", fmt.Errorf("raft: %w", ctx.Err())
		}
	}
}
