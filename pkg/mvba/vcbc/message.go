// Package vcbc implements Verifiable Consistent Broadcast: a single
// designated proposer c-broadcasts a proposal, and every honest party that
// delivers obtains the same proposal together with a threshold signature
// certifying it was c-broadcast under this instance's tag.
package vcbc

import (
	"github.com/quorumlabs/mvba/pkg/mvba"
	"github.com/quorumlabs/mvba/pkg/threshold"
)

// ActionKind is the closed set of VCBC message variants.
type ActionKind uint8

const (
	ActionSend ActionKind = iota
	ActionReady
	ActionFinal
	ActionRequest
	ActionAnswer
)

func (k ActionKind) String() string {
	switch k {
	case ActionSend:
		return "send"
	case ActionReady:
		return "ready"
	case ActionFinal:
		return "final"
	case ActionRequest:
		return "request"
	case ActionAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// SendAction announces the proposer's proposal.
type SendAction struct {
	Proposal []byte
}

// ReadyAction is a witness share, sent only to the instance's proposer.
type ReadyAction struct {
	Digest mvba.Hash32
	Share  threshold.SignatureShare
}

// FinalAction is the proposer's combined c-ready certificate, broadcast to
// everyone.
type FinalAction struct {
	Digest mvba.Hash32
	Sig    threshold.Signature
}

// AnswerAction replies to a Request with both the proposal and its
// certificate.
type AnswerAction struct {
	Proposal []byte
	Sig      threshold.Signature
}

// Message is the on-wire VCBC envelope: a tagged union over the five action
// kinds. Exactly one of the pointer fields is set, matching Kind; Request
// carries no payload.
type Message struct {
	Tag    mvba.Tag
	Kind   ActionKind
	Send   *SendAction
	Ready  *ReadyAction
	Final  *FinalAction
	Answer *AnswerAction
}
