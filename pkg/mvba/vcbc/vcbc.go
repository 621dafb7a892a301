package vcbc

import (
	"bytes"
	"fmt"

	"github.com/quorumlabs/mvba/pkg/mvba"
	"github.com/quorumlabs/mvba/pkg/threshold"
)

// ValidityPredicate decides whether a proposal c-broadcast by proposer is
// acceptable. VCBC never interprets a proposal beyond hashing it and
// forwarding it through this predicate.
type ValidityPredicate func(proposer mvba.NodeID, proposal []byte) bool

type engineState uint8

const (
	stateInit          engineState = iota
	stateBroadcastSent             // proposer: sent Send, collecting Ready shares
	stateEchoed                    // non-proposer: sent Ready, waiting on Final
	stateRequestSent               // recovery: sent Request, waiting on Answer
	stateDelivered
)

// VCBC is one proposer-keyed instance of Verifiable Consistent Broadcast. It
// is single-threaded and event-driven: ReceiveMessage runs to completion,
// including any cascaded self-feed reactions, before returning.
type VCBC struct {
	tag      mvba.Tag
	selfID   mvba.NodeID
	proposer mvba.NodeID

	pubKeys     threshold.PublicKeySet
	secretShare threshold.SecretKeyShare
	validity    ValidityPredicate
	bc          mvba.Broadcaster

	state engineState

	mBar *[]byte
	uBar *threshold.Signature
	d    *mvba.Hash32

	// readySent tracks whether this party has already signed and sent its
	// own Ready share for mBar, independent of whether mBar was learned via
	// the proposer's own CBroadcast (which sets mBar before self-feeding
	// Send) or a peer's Send. Without this, a proposer's self-fed Send
	// would short-circuit on the "already equal to mBar" branch and never
	// emit the proposer's own Ready share.
	readySent bool

	// wd accumulates Ready shares; meaningful only when selfID == proposer.
	wd map[mvba.NodeID]threshold.SignatureShare

	requested map[mvba.NodeID]bool
}

// New constructs a VCBC instance for tag. validity is consulted on every
// inbound Send from the proposer.
func New(tag mvba.Tag, selfID mvba.NodeID, pubKeys threshold.PublicKeySet, secretShare threshold.SecretKeyShare, validity ValidityPredicate, bc mvba.Broadcaster) *VCBC {
	return &VCBC{
		tag:         tag,
		selfID:      selfID,
		proposer:    tag.Proposer,
		pubKeys:     pubKeys,
		secretShare: secretShare,
		validity:    validity,
		bc:          bc,
		state:       stateInit,
		wd:          make(map[mvba.NodeID]threshold.SignatureShare),
		requested:   make(map[mvba.NodeID]bool),
	}
}

// CBroadcast starts the instance: only meaningful when selfID == tag.Proposer.
// It is idempotent — calling it twice with any proposal after the first has
// taken effect is a no-op, matching invariant I3 (mBar never overwritten).
func (v *VCBC) CBroadcast(proposal []byte) error {
	if v.selfID != v.proposer {
		return mvba.Generic("c_broadcast called on a non-proposer instance")
	}
	if v.mBar != nil {
		return nil
	}
	m := append([]byte(nil), proposal...)
	d := mvba.Digest(m)
	v.mBar = &m
	v.d = &d
	v.state = stateBroadcastSent
	return v.broadcast(Message{Tag: v.tag, Kind: ActionSend, Send: &SendAction{Proposal: m}})
}

// ReceiveMessage processes one inbound message from sender. It validates,
// accumulates, and produces any resulting outbound messages before
// returning.
func (v *VCBC) ReceiveMessage(sender mvba.NodeID, msg Message) error {
	if !msg.Tag.Equal(v.tag) {
		return mvba.InvalidMessage("vcbc: invalid tag %s for instance %s", msg.Tag, v.tag)
	}
	switch msg.Kind {
	case ActionSend:
		return v.onSend(sender, msg.Send)
	case ActionReady:
		return v.onReady(sender, msg.Ready)
	case ActionFinal:
		return v.onFinal(sender, msg.Final)
	case ActionRequest:
		return v.onRequest(sender)
	case ActionAnswer:
		return v.onAnswer(sender, msg.Answer)
	default:
		return mvba.InvalidMessage("vcbc: unknown action kind %d", msg.Kind)
	}
}

// ReadDelivered returns the delivered proposal and its certificate, if any.
func (v *VCBC) ReadDelivered() ([]byte, threshold.Signature, bool) {
	if v.mBar == nil || v.uBar == nil {
		return nil, nil, false
	}
	return append([]byte(nil), *v.mBar...), *v.uBar, true
}

// IsDelivered reports whether this instance has delivered.
func (v *VCBC) IsDelivered() bool { return v.mBar != nil && v.uBar != nil }

func (v *VCBC) onSend(sender mvba.NodeID, a *SendAction) error {
	if a == nil {
		return mvba.InvalidMessage("vcbc: send with no payload")
	}
	if sender != v.proposer {
		return mvba.InvalidMessage("vcbc: send from non-proposer %d", sender)
	}
	if !v.validity(v.proposer, a.Proposal) {
		return mvba.InvalidProposal("validity predicate rejected proposal")
	}
	if v.mBar != nil {
		if !bytes.Equal(*v.mBar, a.Proposal) {
			return mvba.InvalidMessage("vcbc: equivocating send from proposer %d", sender)
		}
		if v.readySent {
			return nil
		}
	} else {
		m := append([]byte(nil), a.Proposal...)
		d := mvba.Digest(m)
		v.mBar = &m
		v.d = &d
		if v.state == stateInit {
			v.state = stateEchoed
		}
	}

	signBytes, err := mvba.CReadySigningBytes(v.tag, *v.d)
	if err != nil {
		return err
	}
	share, err := v.secretShare.Sign(signBytes)
	if err != nil {
		return mvba.Encoding(fmt.Errorf("sign c-ready share: %w", err))
	}
	v.readySent = true
	return v.sendTo(v.proposer, Message{Tag: v.tag, Kind: ActionReady, Ready: &ReadyAction{Digest: *v.d, Share: share}})
}

func (v *VCBC) onReady(sender mvba.NodeID, a *ReadyAction) error {
	if v.selfID != v.proposer {
		// Ready is meaningful only to the proposer; silently ignored
		// elsewhere (including via self-feed from non-proposer hosts).
		return nil
	}
	if a == nil {
		return mvba.InvalidMessage("vcbc: ready with no payload")
	}
	if v.d == nil || *v.d != a.Digest {
		return mvba.InvalidMessage("vcbc: ready digest mismatch from %d", sender)
	}
	if existing, ok := v.wd[sender]; ok {
		if existing.Equal(a.Share) {
			return nil
		}
		return mvba.InvalidMessage("vcbc: double ready detected from %d", sender)
	}
	if int(sender) >= v.pubKeys.N() {
		return mvba.UnknownNodeID(sender)
	}

	signBytes, err := mvba.CReadySigningBytes(v.tag, a.Digest)
	if err != nil {
		return err
	}
	if !v.pubKeys.VerifyShare(sender, a.Share, signBytes) {
		return nil
	}
	v.wd[sender] = a.Share

	if len(v.wd) != v.pubKeys.Threshold() {
		return nil
	}
	sig, err := v.pubKeys.Combine(v.wd, signBytes)
	if err != nil {
		return mvba.Generic(fmt.Sprintf("combine c-ready shares: %v", err))
	}
	v.uBar = &sig
	v.state = stateDelivered
	return v.broadcast(Message{Tag: v.tag, Kind: ActionFinal, Final: &FinalAction{Digest: a.Digest, Sig: sig}})
}

func (v *VCBC) onFinal(sender mvba.NodeID, a *FinalAction) error {
	if a == nil {
		return mvba.InvalidMessage("vcbc: final with no payload")
	}
	signBytes, err := mvba.CReadySigningBytes(v.tag, a.Digest)
	if err != nil {
		return err
	}
	if !v.pubKeys.Verify(a.Sig, signBytes) {
		return mvba.InvalidMessage("vcbc: invalid final signature from %d", sender)
	}

	if v.uBar != nil {
		if v.d != nil && *v.d == a.Digest {
			return nil
		}
		return mvba.Generic("conflicting vcbc final certificate observed")
	}

	if v.mBar != nil {
		if v.d != nil && *v.d != a.Digest {
			return mvba.InvalidMessage("vcbc: final digest does not match known proposal")
		}
		sig := a.Sig
		v.uBar = &sig
		v.state = stateDelivered
		return nil
	}

	if v.requested[sender] {
		return nil
	}
	v.requested[sender] = true
	d := a.Digest
	v.d = &d
	v.state = stateRequestSent
	return v.sendTo(sender, Message{Tag: v.tag, Kind: ActionRequest})
}

func (v *VCBC) onRequest(sender mvba.NodeID) error {
	if v.mBar == nil || v.uBar == nil {
		return nil
	}
	return v.sendTo(sender, Message{Tag: v.tag, Kind: ActionAnswer, Answer: &AnswerAction{
		Proposal: append([]byte(nil), *v.mBar...),
		Sig:      *v.uBar,
	}})
}

func (v *VCBC) onAnswer(sender mvba.NodeID, a *AnswerAction) error {
	if a == nil {
		return mvba.InvalidMessage("vcbc: answer with no payload")
	}
	d := mvba.Digest(a.Proposal)
	signBytes, err := mvba.CReadySigningBytes(v.tag, d)
	if err != nil {
		return err
	}
	if !v.pubKeys.Verify(a.Sig, signBytes) {
		return mvba.InvalidMessage("vcbc: invalid answer signature from %d", sender)
	}

	if v.uBar != nil {
		if v.d != nil && *v.d == d {
			return nil
		}
		return mvba.Generic("conflicting vcbc certificate observed via answer")
	}

	m := append([]byte(nil), a.Proposal...)
	sig := a.Sig
	v.mBar = &m
	v.d = &d
	v.uBar = &sig
	v.state = stateDelivered
	return nil
}

// broadcast queues a message for every peer, then self-feeds it so this
// node's own contribution accumulates identically to a peer's.
func (v *VCBC) broadcast(msg Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	v.bc.Broadcast(moduleTag, payload)
	return v.ReceiveMessage(v.selfID, msg)
}

// sendTo queues a message for a single peer, then self-feeds it.
func (v *VCBC) sendTo(to mvba.NodeID, msg Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	v.bc.SendTo(to, moduleTag, payload)
	return v.ReceiveMessage(v.selfID, msg)
}
