package transport

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

// PersistentOutbox decorates another Broadcaster, durably recording every
// outbound bundle in a pebble instance before handing it to the wrapped
// transport. This is durability for bytes an engine has already produced,
// not persistence of VCBC/ABBA protocol state (mBar, round buckets,
// decidedValue) — a crashed-and-restarted host replays every bundle still
// persisted (everything not yet dropped by Truncate), whether or not it was
// sent before the crash; it does not resurrect engine state.
type PersistentOutbox struct {
	inner mvba.Broadcaster
	db    *pebble.DB

	mu      sync.Mutex
	nextSeq uint64
}

const outboxKeyPrefix = "out:"

func outboxKey(seq uint64) []byte {
	key := make([]byte, len(outboxKeyPrefix)+8)
	copy(key, outboxKeyPrefix)
	binary.BigEndian.PutUint64(key[len(outboxKeyPrefix):], seq)
	return key
}

// NewPersistentOutbox opens (or creates) a pebble store at path, decorating
// inner.
func NewPersistentOutbox(path string, inner mvba.Broadcaster) (*PersistentOutbox, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("transport: open outbox store: %w", err)
	}
	o := &PersistentOutbox{inner: inner, db: db}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte(outboxKeyPrefix), UpperBound: keyUpperBound([]byte(outboxKeyPrefix))})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transport: scan outbox store: %w", err)
	}
	defer iter.Close()
	for iter.Last(); iter.Valid(); iter.Prev() {
		o.nextSeq = binary.BigEndian.Uint64(iter.Key()[len(outboxKeyPrefix):]) + 1
		break
	}
	return o, nil
}

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix was all 0xff; unbounded
}

func (o *PersistentOutbox) persist(b mvba.Bundle) error {
	o.mu.Lock()
	seq := o.nextSeq
	o.nextSeq++
	o.mu.Unlock()

	val, err := gobEncode(toWireBundle(b))
	if err != nil {
		return fmt.Errorf("transport: encode outbox entry: %w", err)
	}
	return o.db.Set(outboxKey(seq), val, pebble.Sync)
}

// Broadcast persists then forwards to the wrapped Broadcaster.
func (o *PersistentOutbox) Broadcast(moduleTag string, payload []byte) {
	if err := o.persist(mvba.Bundle{ModuleTag: moduleTag, Payload: payload}); err != nil {
		// the wrapped transport still gets the bytes; only durability is lost
		_ = err
	}
	o.inner.Broadcast(moduleTag, payload)
}

// SendTo persists then forwards to the wrapped Broadcaster.
func (o *PersistentOutbox) SendTo(to mvba.NodeID, moduleTag string, payload []byte) {
	if err := o.persist(mvba.Bundle{To: &to, ModuleTag: moduleTag, Payload: payload}); err != nil {
		_ = err
	}
	o.inner.SendTo(to, moduleTag, payload)
}

// TakeBundles delegates to the wrapped Broadcaster.
func (o *PersistentOutbox) TakeBundles() []mvba.Bundle { return o.inner.TakeBundles() }

// Replay re-delivers every persisted bundle to the wrapped Broadcaster, in
// the order it was originally queued. Call this once at startup, before any
// new traffic, to resume a host that crashed mid-delivery.
func (o *PersistentOutbox) Replay() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{LowerBound: []byte(outboxKeyPrefix), UpperBound: keyUpperBound([]byte(outboxKeyPrefix))})
	if err != nil {
		return fmt.Errorf("transport: replay outbox: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var w wireBundle
		if err := gobDecode(iter.Value(), &w); err != nil {
			return fmt.Errorf("transport: decode outbox entry: %w", err)
		}
		b := w.toBundle()
		if b.To != nil {
			o.inner.SendTo(*b.To, b.ModuleTag, b.Payload)
		} else {
			o.inner.Broadcast(b.ModuleTag, b.Payload)
		}
	}
	return nil
}

// Truncate drops every persisted entry with seq < upTo, reclaiming space for
// bundles a restart has confirmed were already relayed.
func (o *PersistentOutbox) Truncate(upTo uint64) error {
	return o.db.DeleteRange(outboxKey(0), outboxKey(upTo), pebble.Sync)
}

// Seq returns the sequence number the next persisted bundle will use, handy
// for a caller wanting to pass it to Truncate after an external ack.
func (o *PersistentOutbox) Seq() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextSeq
}

// Close closes the underlying pebble store.
func (o *PersistentOutbox) Close() error { return o.db.Close() }
