// Package threshold wraps a pairing-based threshold BLS scheme in the four
// primitives VCBC and ABBA need: share signing, share verification, share
// combination, and verification of the combined signature against one fixed
// group public key. Any Threshold()-sized subset of shares combines to the
// same signature, verifiable under the same key regardless of which subset
// contributed — a property plain signature aggregation does not have.
package threshold

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/drand/kyber/pairing/bls12381"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/sign/tbls"
	"github.com/drand/kyber/util/random"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

var suite = bls12381.NewBLS12381Suite()

// SignatureShare is one party's partial signature over a message.
type SignatureShare struct {
	Index int
	Bytes []byte
}

// Equal reports whether two shares carry the same index and bytes.
func (s SignatureShare) Equal(o SignatureShare) bool {
	return s.Index == o.Index && bytes.Equal(s.Bytes, o.Bytes)
}

// Signature is a combined, group-verifiable threshold signature.
type Signature []byte

// Equal reports whether two signatures hold the same bytes.
func (s Signature) Equal(o Signature) bool { return bytes.Equal(s, o) }

// SecretKeyShare is a single party's share of the group secret.
type SecretKeyShare struct {
	priShare *share.PriShare
}

// Sign produces sh's partial signature over msg.
func (sh SecretKeyShare) Sign(msg []byte) (SignatureShare, error) {
	if sh.priShare == nil {
		return SignatureShare{}, fmt.Errorf("threshold: sign with zero-value secret key share")
	}
	sig, err := tbls.Sign(suite, sh.priShare, msg)
	if err != nil {
		return SignatureShare{}, fmt.Errorf("threshold: sign share: %w", err)
	}
	return SignatureShare{Index: sh.priShare.I, Bytes: sig}, nil
}

// Index returns the 0-based share index, which doubles as the holder's
// mvba.NodeID.
func (sh SecretKeyShare) Index() int { return sh.priShare.I }

// PublicKeySet is the group's public commitment polynomial: it can verify
// any individual share and any combined signature.
type PublicKeySet struct {
	pubPoly   *share.PubPoly
	threshold int
	n         int
}

// Threshold returns n − f, the number of shares a combination requires.
func (pks PublicKeySet) Threshold() int { return pks.threshold }

// N returns the total number of participants.
func (pks PublicKeySet) N() int { return pks.n }

// VerifyShare verifies that share was produced by id's secret key share over
// msg.
func (pks PublicKeySet) VerifyShare(id mvba.NodeID, sh SignatureShare, msg []byte) bool {
	if int(id) != sh.Index {
		return false
	}
	pub := pks.pubPoly.Eval(sh.Index)
	return bls.Verify(suite, pub.V, msg, sh.Bytes) == nil
}

// Combine Lagrange-interpolates shares into a single signature verifiable
// under the fixed group key. It requires at least Threshold() shares, each
// indexed consistently with its map key.
func (pks PublicKeySet) Combine(shares map[mvba.NodeID]SignatureShare, msg []byte) (Signature, error) {
	if len(shares) < pks.threshold {
		return nil, fmt.Errorf("threshold: combine requires at least %d shares, got %d", pks.threshold, len(shares))
	}
	sigs := make([][]byte, 0, len(shares))
	for id, sh := range shares {
		if int(id) != sh.Index {
			return nil, fmt.Errorf("threshold: share index %d does not match node id %d", sh.Index, id)
		}
		sigs = append(sigs, sh.Bytes)
	}
	sig, err := tbls.Recover(suite, pks.pubPoly, msg, sigs, pks.threshold, pks.n)
	if err != nil {
		return nil, fmt.Errorf("threshold: combine shares: %w", err)
	}
	return Signature(sig), nil
}

// Verify checks sig against the fixed group public key.
func (pks PublicKeySet) Verify(sig Signature, msg []byte) bool {
	return bls.Verify(suite, pks.pubPoly.Commit(), msg, sig) == nil
}

// GenerateKeys Shamir-shares a fresh random secret over n participants with
// the given threshold. This is test/demo key generation only — a real
// deployment derives these shares from a DKG.
func GenerateKeys(n, threshold int) (PublicKeySet, []SecretKeyShare, error) {
	if n < 1 {
		return PublicKeySet{}, nil, fmt.Errorf("threshold: n must be positive, got %d", n)
	}
	if threshold < 1 || threshold > n {
		return PublicKeySet{}, nil, fmt.Errorf("threshold: invalid threshold %d for n=%d", threshold, n)
	}
	secret := suite.G2().Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(suite.G2(), threshold, secret, random.New())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())

	priShares := priPoly.Shares(n)
	shares := make([]SecretKeyShare, n)
	for i, ps := range priShares {
		shares[i] = SecretKeyShare{priShare: ps}
	}
	return PublicKeySet{pubPoly: pubPoly, threshold: threshold, n: n}, shares, nil
}

// wire shapes used only for Gob (de)serialization of the types above, which
// hold kyber values with their own MarshalBinary/UnmarshalBinary rather than
// native gob support.

type publicKeySetWire struct {
	N         int
	Threshold int
	Shares    [][]byte
}

// GobEncode serializes pks as Threshold() public share points, from which
// the full commitment polynomial can be recovered on decode.
func (pks PublicKeySet) GobEncode() ([]byte, error) {
	w := publicKeySetWire{N: pks.n, Threshold: pks.threshold}
	for i := 0; i < pks.threshold; i++ {
		b, err := pks.pubPoly.Eval(i).V.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("threshold: marshal public share %d: %w", i, err)
		}
		w.Shares = append(w.Shares, b)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("threshold: encode public key set: %w", err)
	}
	return buf.Bytes(), nil
}

func (pks *PublicKeySet) GobDecode(data []byte) error {
	var w publicKeySetWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("threshold: decode public key set: %w", err)
	}
	pubShares := make([]*share.PubShare, len(w.Shares))
	for i, b := range w.Shares {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("threshold: unmarshal public share %d: %w", i, err)
		}
		pubShares[i] = &share.PubShare{I: i, V: p}
	}
	poly, err := share.RecoverPubPoly(suite.G2(), pubShares, w.Threshold, w.N)
	if err != nil {
		return fmt.Errorf("threshold: recover public key set: %w", err)
	}
	pks.pubPoly = poly
	pks.threshold = w.Threshold
	pks.n = w.N
	return nil
}

type secretKeyShareWire struct {
	Index int
	Value []byte
}

func (sh SecretKeyShare) GobEncode() ([]byte, error) {
	v, err := sh.priShare.V.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("threshold: marshal secret share: %w", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(secretKeyShareWire{Index: sh.priShare.I, Value: v}); err != nil {
		return nil, fmt.Errorf("threshold: encode secret share: %w", err)
	}
	return buf.Bytes(), nil
}

func (sh *SecretKeyShare) GobDecode(data []byte) error {
	var w secretKeyShareWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("threshold: decode secret share: %w", err)
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(w.Value); err != nil {
		return fmt.Errorf("threshold: unmarshal secret share: %w", err)
	}
	sh.priShare = &share.PriShare{I: w.Index, V: v}
	return nil
}
