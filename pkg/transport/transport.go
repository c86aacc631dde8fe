// Package transport provides the peer-to-peer connection layer syncd's
// Raft substrate and client-facing RPCs run over: a single length-prefixed
// JSON wire protocol per connection, with a bounded per-call timeout and a
// synchronous request/reply cycle (no pipelining).
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// MessageType discriminates the payload carried in an Envelope.
type MessageType int

const (
	MsgVoteRequest MessageType = iota
	MsgVoteResponse
	MsgAppendEntries
	MsgAppendEntriesResponse
	MsgHeartbeat
	MsgLockRequest
	MsgQueueRequest
	MsgCacheRequest
)

// Envelope is the wire frame: a 4-byte big-endian length prefix followed
// by a JSON-encoded Envelope body, matching replication.ClusterMessage.
// Group lets several independent consumers (syncd runs one Raft group per
// state machine) share a single connection and MessageType space: each
// consumer registers against the MessageType and demultiplexes further by
// Group.
type Envelope struct {
	Type     MessageType     `json:"type"`
	SenderID string          `json:"sender_id"`
	Group    string          `json:"group,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

var (
	ErrClosed  = errors.New("transport: closed")
	ErrTimeout = errors.New("transport: timeout")
)

const defaultMaxMsgSize = 16 << 20 // 16 MiB

// Handler processes an inbound Envelope and optionally returns a reply.
type Handler func(ctx context.Context, from string, env *Envelope) (*Envelope, error)

// Transport is the abstraction pkg/raft and the state machines depend on;
// an in-memory fake implements this for tests.
type Transport interface {
	RegisterHandler(t MessageType, h Handler)
	Connect(ctx context.Context, nodeID, addr string) error
	Send(ctx context.Context, nodeID string, env *Envelope) (*Envelope, error)
	Broadcast(ctx context.Context, peers []string, env *Envelope) map[string]*Envelope
	Listen() error
	Close() error
}

// TCPTransport is a real net.Listener-backed Transport, modeled on
// replication.ClusterTransport.
type TCPTransport struct {
	mu          sync.RWMutex
	nodeID      string
	bindAddr    string
	listener    net.Listener
	conns       map[string]*conn
	handlers    map[MessageType]Handler
	closed      atomic.Bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
	dialTimeout time.Duration
	callTimeout time.Duration
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport creates a transport bound to nodeID's local address. It
// does not start listening until Listen is called.
func NewTCPTransport(nodeID, bindAddr string) *TCPTransport {
	return &TCPTransport{
		nodeID:      nodeID,
		bindAddr:    bindAddr,
		conns:       make(map[string]*conn),
		handlers:    make(map[MessageType]Handler),
		closeCh:     make(chan struct{}),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

func (t *TCPTransport) RegisterHandler(mt MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mt] = h
}

func (t *TCPTransport) Listen() error {
	ln, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.bindAddr, err)
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	log.Printf("[transport %s] listening on %s", t.nodeID, t.bindAddr)
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		if tcpLn, ok := t.listener.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(time.Second))
		}
		nc, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Printf("[transport %s] accept error: %v", t.nodeID, err)
			continue
		}
		c := newConn(nc)
		t.wg.Add(1)
		go t.readLoop(c)
	}
}

// Connect dials a peer and keeps the connection open for future Send calls.
func (t *TCPTransport) Connect(ctx context.Context, nodeID, addr string) error {
	t.mu.RLock()
	_, exists := t.conns[nodeID]
	t.mu.RUnlock()
	if exists {
		return nil
	}

	d := net.Dialer{Timeout: t.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s (%s): %w", nodeID, addr, err)
	}
	c := newConn(nc)

	t.mu.Lock()
	t.conns[nodeID] = c
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c)
	return nil
}

// readLoop dispatches inbound frames to the registered handler for their
// type and, for a call awaiting a response, to its pending channel. Like
// the teacher's ClusterConnection, there is exactly one outstanding call
// per connection at a time (the synchronous request/reply contract spec
// assumes), so the first pending waiter is always the right one.
func (t *TCPTransport) readLoop(c *conn) {
	defer t.wg.Done()
	defer c.close()

	for {
		env, err := readEnvelope(c.reader)
		if err != nil {
			if !t.closed.Load() {
				log.Printf("[transport %s] read error: %v", t.nodeID, err)
			}
			c.failPending(err)
			return
		}

		c.mu.Lock()
		waiter := c.pending
		c.pending = nil
		c.mu.Unlock()

		if waiter != nil {
			waiter <- env
			continue
		}

		t.mu.RLock()
		h := t.handlers[env.Type]
		t.mu.RUnlock()
		if h == nil {
			continue
		}

		reply, err := h(context.Background(), env.SenderID, env)
		if err != nil {
			log.Printf("[transport %s] handler error: %v", t.nodeID, err)
			continue
		}
		if reply != nil {
			if err := writeEnvelope(c.writer, reply); err != nil {
				log.Printf("[transport %s] write reply error: %v", t.nodeID, err)
			}
		}
	}
}

// Send performs a synchronous request/reply call against nodeID, bounded
// by the transport's call timeout unless ctx sets a tighter deadline.
func (t *TCPTransport) Send(ctx context.Context, nodeID string, env *Envelope) (*Envelope, error) {
	t.mu.RLock()
	c, ok := t.conns[nodeID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: not connected to %s", nodeID)
	}

	ctx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()

	respCh := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending = respCh
	c.mu.Unlock()

	env.SenderID = t.nodeID
	if err := writeEnvelope(c.writer, env); err != nil {
		return nil, fmt.Errorf("transport: send to %s: %w", nodeID, err)
	}

	select {
	case reply := <-respCh:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: call to %s: %w", nodeID, ErrTimeout)
	case <-t.closeCh:
		return nil, ErrClosed
	}
}

// Broadcast sends env to every peer in parallel, tolerating partial
// failure: the returned map only contains peers that replied.
func (t *TCPTransport) Broadcast(ctx context.Context, peers []string, env *Envelope) map[string]*Envelope {
	results := make(map[string]*Envelope)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := t.Send(ctx, p, cloneEnvelope(env))
			if err != nil {
				return
			}
			mu.Lock()
			results[p] = reply
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.closeCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func cloneEnvelope(env *Envelope) *Envelope {
	cp := *env
	return &cp
}

type conn struct {
	nc      net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	mu      sync.Mutex
	pending chan *Envelope
	closeOnce sync.Once
}

func newConn(nc net.Conn) *conn {
	return &conn{
		nc:     nc,
		reader: bufio.NewReader(nc),
		writer: bufio.NewWriter(nc),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
	})
}

func (c *conn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		close(c.pending)
		c.pending = nil
	}
}

func writeEnvelope(w *bufio.Writer, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(body) > defaultMaxMsgSize {
		return fmt.Errorf("transport: message too large (%d bytes)", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func readEnvelope(r *bufio.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > defaultMaxMsgSize {
		return nil, fmt.Errorf("transport: incoming message too large (%d bytes)", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return &env, nil
}
