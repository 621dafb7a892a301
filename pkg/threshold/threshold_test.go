package threshold

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

func TestSignVerifyShareAndCombine(t *testing.T) {
	const n, threshold = 4, 3
	pub, shares, err := GenerateKeys(n, threshold)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	msg := []byte("c-ready test message")

	sigShares := make(map[mvba.NodeID]SignatureShare)
	for i, sh := range shares {
		share, err := sh.Sign(msg)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if !pub.VerifyShare(mvba.NodeID(i), share, msg) {
			t.Fatalf("VerifyShare rejected a valid share from %d", i)
		}
		sigShares[mvba.NodeID(i)] = share
	}

	// any threshold-sized subset must combine to the same signature
	subsetA := map[mvba.NodeID]SignatureShare{0: sigShares[0], 1: sigShares[1], 2: sigShares[2]}
	subsetB := map[mvba.NodeID]SignatureShare{1: sigShares[1], 2: sigShares[2], 3: sigShares[3]}

	sigA, err := pub.Combine(subsetA, msg)
	if err != nil {
		t.Fatalf("Combine subsetA: %v", err)
	}
	sigB, err := pub.Combine(subsetB, msg)
	if err != nil {
		t.Fatalf("Combine subsetB: %v", err)
	}
	if !sigA.Equal(sigB) {
		t.Fatalf("combined signatures from different threshold subsets disagree")
	}
	if !pub.Verify(sigA, msg) {
		t.Fatalf("Verify rejected a validly combined signature")
	}
	if pub.Verify(sigA, []byte("wrong message")) {
		t.Fatalf("Verify accepted a signature over the wrong message")
	}
}

func TestCombineBelowThresholdFails(t *testing.T) {
	const n, threshold = 4, 3
	pub, shares, err := GenerateKeys(n, threshold)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}
	msg := []byte("below threshold")

	s0, _ := shares[0].Sign(msg)
	s1, _ := shares[1].Sign(msg)
	_, err = pub.Combine(map[mvba.NodeID]SignatureShare{0: s0, 1: s1}, msg)
	if err == nil {
		t.Fatalf("Combine succeeded with fewer than Threshold() shares")
	}
}

func TestPublicKeySetGobRoundTrip(t *testing.T) {
	const n, threshold = 5, 3
	pub, shares, err := GenerateKeys(n, threshold)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pub); err != nil {
		t.Fatalf("encode public key set: %v", err)
	}
	var decoded PublicKeySet
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decode public key set: %v", err)
	}

	msg := []byte("round trip")
	shareMap := make(map[mvba.NodeID]SignatureShare)
	for i, sh := range shares {
		s, _ := sh.Sign(msg)
		shareMap[mvba.NodeID(i)] = s
	}
	sig, err := decoded.Combine(shareMap, msg)
	if err != nil {
		t.Fatalf("Combine after gob round trip: %v", err)
	}
	if !decoded.Verify(sig, msg) {
		t.Fatalf("decoded public key set rejected a signature combined under it")
	}
	if !pub.Verify(sig, msg) {
		t.Fatalf("original and decoded public key set disagree")
	}
}

func TestSecretKeyShareGobRoundTrip(t *testing.T) {
	_, shares, err := GenerateKeys(4, 3)
	if err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(shares[1]); err != nil {
		t.Fatalf("encode secret key share: %v", err)
	}
	var decoded SecretKeyShare
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decode secret key share: %v", err)
	}
	if decoded.Index() != shares[1].Index() {
		t.Fatalf("index mismatch after round trip: got %d want %d", decoded.Index(), shares[1].Index())
	}
}
