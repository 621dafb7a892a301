package transport

import (
	"bytes"
	"sync"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

// Memory is an in-process Broadcaster backed by a mutex-protected bundle
// queue, reduced to the three-method Broadcaster contract. It deduplicates
// byte-identical broadcasts so repeated self-feeds and retries do not
// balloon the queue — the wire format guarantees the same message encodes
// to the same bytes twice, so identity comparison is enough.
type Memory struct {
	mu      sync.Mutex
	bundles []mvba.Bundle
	seen    map[string]struct{}
}

// NewMemory constructs an empty in-process broadcaster.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

func dedupKey(moduleTag string, to *mvba.NodeID, payload []byte) string {
	var buf bytes.Buffer
	buf.WriteString(moduleTag)
	buf.WriteByte(0)
	if to != nil {
		buf.WriteByte(1)
		var idBytes [8]byte
		id := uint64(*to)
		for i := range idBytes {
			idBytes[i] = byte(id >> (8 * i))
		}
		buf.Write(idBytes[:])
	}
	buf.WriteByte(0)
	buf.Write(payload)
	return buf.String()
}

func (m *Memory) enqueue(b mvba.Bundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dedupKey(b.ModuleTag, b.To, b.Payload)
	if _, ok := m.seen[key]; ok {
		return
	}
	m.seen[key] = struct{}{}
	m.bundles = append(m.bundles, b)
}

// Broadcast implements mvba.Broadcaster.
func (m *Memory) Broadcast(moduleTag string, payload []byte) {
	m.enqueue(mvba.Bundle{ModuleTag: moduleTag, Payload: payload})
}

// SendTo implements mvba.Broadcaster.
func (m *Memory) SendTo(to mvba.NodeID, moduleTag string, payload []byte) {
	m.enqueue(mvba.Bundle{To: &to, ModuleTag: moduleTag, Payload: payload})
}

// TakeBundles implements mvba.Broadcaster, draining the queue.
func (m *Memory) TakeBundles() []mvba.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.bundles
	m.bundles = nil
	return out
}
