// Package abba implements Asynchronous Binary Byzantine Agreement with
// external validity: every honest party inputs Zero or One (with an
// optional VCBC certificate proving One's validity) and all honest parties
// decide the same bit. One may only be decided if some honest party
// presented a valid VCBC certificate for the instance's proposer.
package abba

import (
	"github.com/quorumlabs/mvba/pkg/mvba"
	"github.com/quorumlabs/mvba/pkg/threshold"
)

// MessageKind is the closed set of ABBA message variants.
type MessageKind uint8

const (
	KindPreVote MessageKind = iota
	KindMainVote
	KindDecision
)

func (k MessageKind) String() string {
	switch k {
	case KindPreVote:
		return "pre-vote"
	case KindMainVote:
		return "main-vote"
	case KindDecision:
		return "decision"
	default:
		return "unknown"
	}
}

// PreVoteJustificationKind is the closed set of reasons a pre-vote is
// admissible.
type PreVoteJustificationKind uint8

const (
	// JustFirstRoundZero is valid only for round 1, value Zero.
	JustFirstRoundZero PreVoteJustificationKind = iota
	// JustWithValidity is valid only for round 1, value One; it carries the
	// VCBC certificate proving the instance's proposer actually c-broadcast.
	JustWithValidity
	// JustHard carries an aggregate over a previous round's pre-votes for
	// the same value, meaning that round had Threshold() pre-votes for it.
	JustHard
	// JustSoft carries an aggregate over a previous round's main-votes, all
	// Abstain.
	JustSoft
)

func (k PreVoteJustificationKind) String() string {
	switch k {
	case JustFirstRoundZero:
		return "first-round-zero"
	case JustWithValidity:
		return "with-validity"
	case JustHard:
		return "hard"
	case JustSoft:
		return "soft"
	default:
		return "unknown"
	}
}

// PreVoteJustification justifies a pre-vote. Exactly the fields relevant to
// Kind are populated by the sender; others are zero.
type PreVoteJustification struct {
	Kind PreVoteJustificationKind
	// Round is the round the embedded Sig was produced for: round-1 for
	// WithValidity (it's the instance's c-ready round, not an ABBA round),
	// and the *justification's own* round (not necessarily the engine's
	// current round) for Hard/Soft, so the embedded signature remains
	// verifiable even if this justification is relayed after reordering.
	Round  uint64
	Digest mvba.Hash32
	Sig    threshold.Signature
}

// PreVoteMsg is one party's vote for round Round.
type PreVoteMsg struct {
	Round         uint64
	Value         mvba.BinaryValue
	Justification PreVoteJustification
	Share         threshold.SignatureShare
}

// MainVoteJustificationKind is the closed set of reasons a main-vote is
// admissible.
type MainVoteJustificationKind uint8

const (
	// JustNoAbstain carries an aggregate over this round's pre-votes, all
	// for the same value.
	JustNoAbstain MainVoteJustificationKind = iota
	// JustAbstain carries two independently-verified pre-vote
	// justifications, one for each bit, proving the round's pre-vote bucket
	// was genuinely split.
	JustAbstain
)

func (k MainVoteJustificationKind) String() string {
	if k == JustNoAbstain {
		return "no-abstain"
	}
	return "abstain"
}

// MainVoteJustification justifies a main-vote.
type MainVoteJustification struct {
	Kind MainVoteJustificationKind
	// Round is the round NoAbstainSig was produced for (meaningful only
	// when Kind == JustNoAbstain).
	Round        uint64
	NoAbstainSig threshold.Signature
	// AbstainZero and AbstainOne are populated only when Kind ==
	// JustAbstain: independently valid justifications for Zero and One
	// respectively, proving both bits were pre-voted in the cited round.
	AbstainZero *PreVoteJustification
	AbstainOne  *PreVoteJustification
}

// MainVoteMsg is one party's main-vote for round Round.
type MainVoteMsg struct {
	Round         uint64
	Value         mvba.MainValue
	Justification MainVoteJustification
	Share         threshold.SignatureShare
}

// DecisionMsg announces a decided value with its certificate.
type DecisionMsg struct {
	Round uint64
	Value mvba.BinaryValue
	Sig   threshold.Signature
}

// Message is the on-wire ABBA envelope: a tagged union over the three
// message kinds. Exactly one of the pointer fields is set, matching Kind.
type Message struct {
	Tag      mvba.Tag
	Kind     MessageKind
	PreVote  *PreVoteMsg
	MainVote *MainVoteMsg
	Decision *DecisionMsg
}
