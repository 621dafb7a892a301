package transport

import "testing"

func TestMemoryDedupesIdenticalBroadcasts(t *testing.T) {
	m := NewMemory()
	m.Broadcast("vcbc", []byte("same payload"))
	m.Broadcast("vcbc", []byte("same payload"))
	m.Broadcast("vcbc", []byte("different payload"))

	bundles := m.TakeBundles()
	if len(bundles) != 2 {
		t.Fatalf("expected 2 deduplicated bundles, got %d", len(bundles))
	}
}

func TestMemoryDistinguishesBroadcastFromSendTo(t *testing.T) {
	m := NewMemory()
	m.Broadcast("abba", []byte("payload"))
	m.SendTo(7, "abba", []byte("payload"))

	bundles := m.TakeBundles()
	if len(bundles) != 2 {
		t.Fatalf("expected broadcast and send-to to be distinct bundles, got %d", len(bundles))
	}
}

func TestMemoryTakeBundlesDrains(t *testing.T) {
	m := NewMemory()
	m.Broadcast("vcbc", []byte("x"))
	if got := len(m.TakeBundles()); got != 1 {
		t.Fatalf("expected 1 bundle, got %d", got)
	}
	if got := len(m.TakeBundles()); got != 0 {
		t.Fatalf("expected queue to be drained, got %d", got)
	}
}
