// Package transport provides Broadcaster implementations for the VCBC and
// ABBA engines: an in-process bundle queue for tests and local demos
// (Memory), a libp2p gossip-pubsub adapter for the networked demo binary
// (Libp2p), and an optional pebble-backed durability decorator
// (PersistentOutbox). None of these know anything about VCBC/ABBA message
// shapes — they move opaque, already-encoded bytes.
package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

func init() {
	gob.Register(wireBundle{})
}

// wireBundle is the gob-encoded shape a Bundle is persisted as. It
// mirrors mvba.Bundle but uses a concrete *uint64 rather than *mvba.NodeID
// to keep the wire shape independent of that type's width.
type wireBundle struct {
	To        *uint64
	ModuleTag string
	Payload   []byte
}

func toWireBundle(b mvba.Bundle) wireBundle {
	w := wireBundle{ModuleTag: b.ModuleTag, Payload: b.Payload}
	if b.To != nil {
		id := uint64(*b.To)
		w.To = &id
	}
	return w
}

func (w wireBundle) toBundle() mvba.Bundle {
	b := mvba.Bundle{ModuleTag: w.ModuleTag, Payload: w.Payload}
	if w.To != nil {
		id := mvba.NodeID(*w.To)
		b.To = &id
	}
	return b
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// topicName derives a gossip-pubsub topic from a module tag and the
// instance Tag it carries messages for, so every VCBC/ABBA instance gets
// its own topic rather than sharing one firehose.
func topicName(moduleTag string, tag mvba.Tag) string {
	return fmt.Sprintf("%s:%s:%d:%d", moduleTag, tag.DomainLabel, tag.DomainID, tag.Proposer)
}
