package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport is an in-process Transport used by multi-node tests so
// they exercise real request/reply semantics without opening sockets.
type MemoryTransport struct {
	mu       sync.RWMutex
	nodeID   string
	handlers map[MessageType]Handler
	registry *MemoryRegistry
}

// MemoryRegistry is the shared rendezvous point every MemoryTransport in a
// test cluster connects through.
type MemoryRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryTransport
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{nodes: make(map[string]*MemoryTransport)}
}

func (r *MemoryRegistry) NewTransport(nodeID string) *MemoryTransport {
	t := &MemoryTransport{
		nodeID:   nodeID,
		handlers: make(map[MessageType]Handler),
		registry: r,
	}
	r.mu.Lock()
	r.nodes[nodeID] = t
	r.mu.Unlock()
	return t
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) RegisterHandler(mt MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mt] = h
}

func (t *MemoryTransport) Connect(ctx context.Context, nodeID, addr string) error {
	t.registry.mu.RLock()
	defer t.registry.mu.RUnlock()
	if _, ok := t.registry.nodes[nodeID]; !ok {
		return fmt.Errorf("transport: unknown peer %s", nodeID)
	}
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, nodeID string, env *Envelope) (*Envelope, error) {
	t.registry.mu.RLock()
	peer, ok := t.registry.nodes[nodeID]
	t.registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %s", nodeID)
	}

	peer.mu.RLock()
	h := peer.handlers[env.Type]
	peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("transport: %s has no handler for type %d", nodeID, env.Type)
	}

	env.SenderID = t.nodeID
	return h(ctx, t.nodeID, env)
}

func (t *MemoryTransport) Broadcast(ctx context.Context, peers []string, env *Envelope) map[string]*Envelope {
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

func (t *MemoryTransport) Listen() error { return nil }

func (t *MemoryTransport) Close() error {
	t.registry.mu.Lock()
	delete(t.registry.nodes, t.nodeID)
	t.registry.mu.Unlock()
	return nil
}
