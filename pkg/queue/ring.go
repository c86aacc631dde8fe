package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultVirtualNodes = 150

// ConsistentHash assigns keys to nodes on a hash ring with virtual nodes,
// the same structure original_source's ConsistentHash uses, but hashed
// with xxhash rather than md5.
type ConsistentHash struct {
	mu           sync.RWMutex
	virtualNodes int
	ring         map[uint64]string
	sortedKeys   []uint64
}

func NewConsistentHash(nodes []string, virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	ch := &ConsistentHash{
		virtualNodes: virtualNodes,
		ring:         make(map[uint64]string),
	}
	for _, n := range nodes {
		ch.AddNode(n)
	}
	return ch
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (ch *ConsistentHash) AddNode(node string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i := 0; i < ch.virtualNodes; i++ {
		ch.ring[hashKey(fmt.Sprintf("%s:%d", node, i))] = node
	}
	ch.rebuildLocked()
}

func (ch *ConsistentHash) RemoveNode(node string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i := 0; i < ch.virtualNodes; i++ {
		delete(ch.ring, hashKey(fmt.Sprintf("%s:%d", node, i)))
	}
	ch.rebuildLocked()
}

func (ch *ConsistentHash) rebuildLocked() {
	keys := make([]uint64, 0, len(ch.ring))
	for k := range ch.ring {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	ch.sortedKeys = keys
}

// GetNode returns the node owning key, or "" if the ring is empty.
func (ch *ConsistentHash) GetNode(key string) string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if len(ch.sortedKeys) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(ch.sortedKeys), func(i int) bool { return ch.sortedKeys[i] >= h })
	if idx == len(ch.sortedKeys) {
		idx = 0
	}
	return ch.ring[ch.sortedKeys[idx]]
}
