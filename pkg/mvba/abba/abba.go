package abba

import (
	"fmt"
	"sort"

	"github.com/quorumlabs/mvba/pkg/mvba"
	"github.com/quorumlabs/mvba/pkg/threshold"
)

// PreVoteAction is what's stored per (round, sender) once a pre-vote has
// been admitted.
type PreVoteAction struct {
	Value         mvba.BinaryValue
	Justification PreVoteJustification
	Share         threshold.SignatureShare
}

// Equal reports whether two admitted pre-vote actions are identical,
// distinguishing a duplicate delivery from an equivocation.
func (p PreVoteAction) Equal(o PreVoteAction) bool {
	return p.Value == o.Value && p.Justification.Equal(o.Justification) && p.Share.Equal(o.Share)
}

// Equal reports whether two pre-vote justifications are identical.
func (j PreVoteJustification) Equal(o PreVoteJustification) bool {
	return j.Kind == o.Kind && j.Round == o.Round && j.Digest == o.Digest && j.Sig.Equal(o.Sig)
}

// MainVoteAction is what's stored per (round, sender) once a main-vote has
// been admitted.
type MainVoteAction struct {
	Value         mvba.MainValue
	Justification MainVoteJustification
	Share         threshold.SignatureShare
}

// Equal reports whether two admitted main-vote actions are identical.
func (m MainVoteAction) Equal(o MainVoteAction) bool {
	return m.Value.Equal(o.Value) && m.Justification.Equal(o.Justification) && m.Share.Equal(o.Share)
}

// Equal reports whether two main-vote justifications are identical.
func (j MainVoteJustification) Equal(o MainVoteJustification) bool {
	if j.Kind != o.Kind || j.Round != o.Round {
		return false
	}
	if j.Kind == JustNoAbstain {
		return j.NoAbstainSig.Equal(o.NoAbstainSig)
	}
	if (j.AbstainZero == nil) != (o.AbstainZero == nil) || (j.AbstainOne == nil) != (o.AbstainOne == nil) {
		return false
	}
	if j.AbstainZero != nil && !j.AbstainZero.Equal(*o.AbstainZero) {
		return false
	}
	if j.AbstainOne != nil && !j.AbstainOne.Equal(*o.AbstainOne) {
		return false
	}
	return true
}

// Decision is the terminal, latched outcome of an ABBA instance.
type Decision struct {
	Round uint64
	Value mvba.BinaryValue
	Sig   threshold.Signature
}

// WeakValidity is the first VCBC certificate this instance has observed
// proving its proposer actually c-broadcast something. Once set it is never
// cleared.
type WeakValidity struct {
	Digest mvba.Hash32
	Sig    threshold.Signature
}

// ABBA is one proposer-keyed instance of Asynchronous Binary Byzantine
// Agreement. Like VCBC, it is single-threaded and event-driven.
type ABBA struct {
	tag      mvba.Tag
	selfID   mvba.NodeID
	proposer mvba.NodeID
	r        uint64

	pubKeys     threshold.PublicKeySet
	secretShare threshold.SecretKeyShare
	bc          mvba.Broadcaster

	decided      *Decision
	weakValidity *WeakValidity

	// roundPreVotes[i] and roundMainVotes[i] hold round (i+1)'s buckets,
	// grown on demand as rounds are reached.
	roundPreVotes  []map[mvba.NodeID]PreVoteAction
	roundMainVotes []map[mvba.NodeID]MainVoteAction
}

// New constructs an ABBA instance for tag, starting at round 1.
func New(tag mvba.Tag, selfID mvba.NodeID, pubKeys threshold.PublicKeySet, secretShare threshold.SecretKeyShare, bc mvba.Broadcaster) *ABBA {
	return &ABBA{
		tag:         tag,
		selfID:      selfID,
		proposer:    tag.Proposer,
		r:           1,
		pubKeys:     pubKeys,
		secretShare: secretShare,
		bc:          bc,
	}
}

func (a *ABBA) threshold() int { return a.pubKeys.Threshold() }

func (a *ABBA) preVoteBucket(round uint64) map[mvba.NodeID]PreVoteAction {
	idx := int(round) - 1
	for len(a.roundPreVotes) <= idx {
		a.roundPreVotes = append(a.roundPreVotes, make(map[mvba.NodeID]PreVoteAction))
	}
	return a.roundPreVotes[idx]
}

func (a *ABBA) mainVoteBucket(round uint64) map[mvba.NodeID]MainVoteAction {
	idx := int(round) - 1
	for len(a.roundMainVotes) <= idx {
		a.roundMainVotes = append(a.roundMainVotes, make(map[mvba.NodeID]MainVoteAction))
	}
	return a.roundMainVotes[idx]
}

func (a *ABBA) latchWeakValidity(d mvba.Hash32, sig threshold.Signature) {
	if a.weakValidity == nil {
		a.weakValidity = &WeakValidity{Digest: d, Sig: sig}
	}
}

// PreVoteZero casts this party's round-1 pre-vote for Zero.
func (a *ABBA) PreVoteZero() error {
	signBytes, err := mvba.PreVoteSigningBytes(a.tag, 1, mvba.Zero)
	if err != nil {
		return err
	}
	share, err := a.secretShare.Sign(signBytes)
	if err != nil {
		return mvba.Encoding(fmt.Errorf("sign pre-vote share: %w", err))
	}
	msg := Message{Tag: a.tag, Kind: KindPreVote, PreVote: &PreVoteMsg{
		Round:         1,
		Value:         mvba.Zero,
		Justification: PreVoteJustification{Kind: JustFirstRoundZero},
		Share:         share,
	}}
	return a.broadcast(msg)
}

// PreVoteOne casts this party's round-1 pre-vote for One, justified by a
// VCBC certificate over digest. This also latches weak validity if it is
// not already set.
func (a *ABBA) PreVoteOne(digest mvba.Hash32, cert threshold.Signature) error {
	creadyBytes, err := mvba.CReadySigningBytes(a.tag, digest)
	if err != nil {
		return err
	}
	if !a.pubKeys.Verify(cert, creadyBytes) {
		return mvba.InvalidMessage("abba: invalid signature for the vcbc proposal")
	}
	a.latchWeakValidity(digest, cert)

	signBytes, err := mvba.PreVoteSigningBytes(a.tag, 1, mvba.One)
	if err != nil {
		return err
	}
	share, err := a.secretShare.Sign(signBytes)
	if err != nil {
		return mvba.Encoding(fmt.Errorf("sign pre-vote share: %w", err))
	}
	msg := Message{Tag: a.tag, Kind: KindPreVote, PreVote: &PreVoteMsg{
		Round:         1,
		Value:         mvba.One,
		Justification: PreVoteJustification{Kind: JustWithValidity, Round: 1, Digest: digest, Sig: cert},
		Share:         share,
	}}
	return a.broadcast(msg)
}

// ReceiveMessage processes one inbound message from sender, fully resolving
// any resulting outbound messages (including cascaded self-feed reactions)
// before returning.
func (a *ABBA) ReceiveMessage(sender mvba.NodeID, msg Message) error {
	if !msg.Tag.Equal(a.tag) {
		return mvba.InvalidMessage("abba: invalid tag %s for instance %s", msg.Tag, a.tag)
	}
	switch msg.Kind {
	case KindPreVote:
		return a.onPreVote(sender, msg.PreVote)
	case KindMainVote:
		return a.onMainVote(sender, msg.MainVote)
	case KindDecision:
		return a.onDecision(sender, msg.Decision)
	default:
		return mvba.InvalidMessage("abba: unknown message kind %d", msg.Kind)
	}
}

// IsDecided reports whether this instance has decided.
func (a *ABBA) IsDecided() bool { return a.decided != nil }

// DecidedValue returns the latched decision, if any.
func (a *ABBA) DecidedValue() (Decision, bool) {
	if a.decided == nil {
		return Decision{}, false
	}
	return *a.decided, true
}

func (a *ABBA) checkPreVoteJustification(round uint64, value mvba.BinaryValue, just PreVoteJustification) error {
	switch just.Kind {
	case JustFirstRoundZero:
		if round != 1 || value != mvba.Zero {
			return mvba.InvalidMessage("abba: initial value should be zero")
		}
		return nil
	case JustWithValidity:
		if round != 1 || value != mvba.One {
			return mvba.InvalidMessage("abba: initial value should be one")
		}
		signBytes, err := mvba.CReadySigningBytes(a.tag, just.Digest)
		if err != nil {
			return err
		}
		if !a.pubKeys.Verify(just.Sig, signBytes) {
			return mvba.InvalidMessage("abba: invalid signature for the vcbc proposal")
		}
		a.latchWeakValidity(just.Digest, just.Sig)
		return nil
	case JustHard:
		if round < 2 || just.Round != round-1 {
			return mvba.InvalidMessage("abba: invalid round for hard justification")
		}
		signBytes, err := mvba.PreVoteSigningBytes(a.tag, just.Round, value)
		if err != nil {
			return err
		}
		if !a.pubKeys.Verify(just.Sig, signBytes) {
			return mvba.InvalidMessage("abba: invalid hard justification signature")
		}
		return nil
	case JustSoft:
		if round < 2 || just.Round != round-1 {
			return mvba.InvalidMessage("abba: invalid round for soft justification")
		}
		signBytes, err := mvba.MainVoteSigningBytes(a.tag, just.Round, mvba.MainAbstain)
		if err != nil {
			return err
		}
		if !a.pubKeys.Verify(just.Sig, signBytes) {
			return mvba.InvalidMessage("abba: invalid soft justification signature")
		}
		return nil
	default:
		return mvba.InvalidMessage("abba: unknown pre-vote justification kind %d", just.Kind)
	}
}

func (a *ABBA) checkMainVoteJustification(round uint64, value mvba.MainValue, just MainVoteJustification) error {
	switch just.Kind {
	case JustNoAbstain:
		if value.Kind == mvba.MainValueAbstain {
			return mvba.InvalidMessage("abba: no-abstain justification on an abstain main-vote")
		}
		if just.Round != round {
			return mvba.InvalidMessage("abba: invalid round for no-abstain justification")
		}
		bit := mvba.Zero
		if value.Kind == mvba.MainValueOne {
			bit = mvba.One
		}
		signBytes, err := mvba.PreVoteSigningBytes(a.tag, round, bit)
		if err != nil {
			return err
		}
		if !a.pubKeys.Verify(just.NoAbstainSig, signBytes) {
			return mvba.InvalidMessage("abba: invalid no-abstain justification signature")
		}
		return nil
	case JustAbstain:
		if value.Kind != mvba.MainValueAbstain {
			return mvba.InvalidMessage("abba: abstain justification on a non-abstain main-vote")
		}
		if just.AbstainZero == nil || just.AbstainOne == nil {
			return mvba.InvalidMessage("abba: abstain justification missing a branch")
		}
		if round == 1 {
			if just.AbstainZero.Kind != JustFirstRoundZero {
				return mvba.InvalidMessage("abba: round-1 abstain justification must cite first-round-zero")
			}
			if just.AbstainOne.Kind != JustWithValidity {
				return mvba.InvalidMessage("abba: round-1 abstain justification must cite with-validity")
			}
		} else {
			if just.AbstainZero.Kind != JustHard && just.AbstainZero.Kind != JustSoft {
				return mvba.InvalidMessage("abba: abstain zero branch must be hard or soft")
			}
			if just.AbstainOne.Kind != JustHard && just.AbstainOne.Kind != JustSoft && just.AbstainOne.Kind != JustWithValidity {
				return mvba.InvalidMessage("abba: abstain one branch must be hard, soft, or with-validity")
			}
		}
		if err := a.checkPreVoteJustification(round, mvba.Zero, *just.AbstainZero); err != nil {
			return err
		}
		oneRound := round
		if just.AbstainOne.Kind == JustWithValidity {
			// a with-validity certificate is always checked as a round-1 justification
			oneRound = 1
		}
		if err := a.checkPreVoteJustification(oneRound, mvba.One, *just.AbstainOne); err != nil {
			return err
		}
		return nil
	default:
		return mvba.InvalidMessage("abba: unknown main-vote justification kind %d", just.Kind)
	}
}

func (a *ABBA) addPreVote(round uint64, sender mvba.NodeID, action PreVoteAction) (bool, error) {
	bucket := a.preVoteBucket(round)
	if existing, ok := bucket[sender]; ok {
		if existing.Equal(action) {
			return false, nil
		}
		return false, mvba.InvalidMessage("abba: double pre-vote detected from %d", sender)
	}
	bucket[sender] = action
	return true, nil
}

func (a *ABBA) addMainVote(round uint64, sender mvba.NodeID, action MainVoteAction) (bool, error) {
	bucket := a.mainVoteBucket(round)
	if existing, ok := bucket[sender]; ok {
		if existing.Equal(action) {
			return false, nil
		}
		return false, mvba.InvalidMessage("abba: double main-vote detected from %d", sender)
	}
	bucket[sender] = action
	return true, nil
}

func (a *ABBA) onPreVote(sender mvba.NodeID, m *PreVoteMsg) error {
	if m == nil {
		return mvba.InvalidMessage("abba: pre-vote with no payload")
	}
	if err := a.checkPreVoteJustification(m.Round, m.Value, m.Justification); err != nil {
		return err
	}
	if int(sender) >= a.pubKeys.N() {
		return mvba.UnknownNodeID(sender)
	}
	signBytes, err := mvba.PreVoteSigningBytes(a.tag, m.Round, m.Value)
	if err != nil {
		return err
	}
	if !a.pubKeys.VerifyShare(sender, m.Share, signBytes) {
		return nil
	}
	added, err := a.addPreVote(m.Round, sender, PreVoteAction{Value: m.Value, Justification: m.Justification, Share: m.Share})
	if err != nil {
		return err
	}
	if !added || m.Round != a.r {
		return nil
	}
	return a.maybeEmitMainVote(m.Round)
}

func (a *ABBA) onMainVote(sender mvba.NodeID, m *MainVoteMsg) error {
	if m == nil {
		return mvba.InvalidMessage("abba: main-vote with no payload")
	}
	if err := a.checkMainVoteJustification(m.Round, m.Value, m.Justification); err != nil {
		return err
	}
	if int(sender) >= a.pubKeys.N() {
		return mvba.UnknownNodeID(sender)
	}
	signBytes, err := mvba.MainVoteSigningBytes(a.tag, m.Round, m.Value)
	if err != nil {
		return err
	}
	if !a.pubKeys.VerifyShare(sender, m.Share, signBytes) {
		return nil
	}
	added, err := a.addMainVote(m.Round, sender, MainVoteAction{Value: m.Value, Justification: m.Justification, Share: m.Share})
	if err != nil {
		return err
	}
	if !added || m.Round+1 != a.r {
		return nil
	}
	return a.maybeDecideOrAdvance(m.Round)
}

func (a *ABBA) onDecision(sender mvba.NodeID, m *DecisionMsg) error {
	if m == nil {
		return mvba.InvalidMessage("abba: decision with no payload")
	}
	signBytes, err := mvba.MainVoteSigningBytes(a.tag, m.Round, mvba.MainValueOf(m.Value))
	if err != nil {
		return err
	}
	if !a.pubKeys.Verify(m.Sig, signBytes) {
		return mvba.InvalidMessage("abba: invalid decision signature from %d", sender)
	}
	if a.decided != nil {
		if a.decided.Value != m.Value {
			return mvba.Generic("conflicting abba decision observed")
		}
		return nil
	}
	a.decided = &Decision{Round: m.Round, Value: m.Value, Sig: m.Sig}
	return a.broadcast(Message{Tag: a.tag, Kind: KindDecision, Decision: &DecisionMsg{Round: m.Round, Value: m.Value, Sig: m.Sig}})
}

// maybeEmitMainVote checks whether round's pre-vote bucket has reached
// exactly Threshold() entries and, if so, emits the corresponding
// round-`round` main-vote and advances to round+1.
func (a *ABBA) maybeEmitMainVote(round uint64) error {
	bucket := a.preVoteBucket(round)
	if len(bucket) != a.threshold() {
		return nil
	}
	ids := sortedIDs(bucket)

	zeroShares := make(map[mvba.NodeID]threshold.SignatureShare)
	oneShares := make(map[mvba.NodeID]threshold.SignatureShare)
	var zeroJust, oneJust *PreVoteJustification
	for _, id := range ids {
		act := bucket[id]
		if act.Value == mvba.Zero {
			zeroShares[id] = act.Share
			if zeroJust == nil {
				j := act.Justification
				zeroJust = &j
			}
		} else {
			oneShares[id] = act.Share
			if oneJust == nil {
				j := act.Justification
				oneJust = &j
			}
		}
	}

	switch {
	case len(zeroShares) == a.threshold():
		signBytes, err := mvba.PreVoteSigningBytes(a.tag, round, mvba.Zero)
		if err != nil {
			return err
		}
		sig, err := a.pubKeys.Combine(zeroShares, signBytes)
		if err != nil {
			return mvba.Generic(fmt.Sprintf("combine zero pre-votes at round %d: %v", round, err))
		}
		return a.emitMainVote(round, mvba.MainValueOf(mvba.Zero), MainVoteJustification{Kind: JustNoAbstain, Round: round, NoAbstainSig: sig})
	case len(oneShares) == a.threshold():
		signBytes, err := mvba.PreVoteSigningBytes(a.tag, round, mvba.One)
		if err != nil {
			return err
		}
		sig, err := a.pubKeys.Combine(oneShares, signBytes)
		if err != nil {
			return mvba.Generic(fmt.Sprintf("combine one pre-votes at round %d: %v", round, err))
		}
		return a.emitMainVote(round, mvba.MainValueOf(mvba.One), MainVoteJustification{Kind: JustNoAbstain, Round: round, NoAbstainSig: sig})
	case len(zeroShares) > 0 && len(oneShares) > 0:
		return a.emitMainVote(round, mvba.MainAbstain, MainVoteJustification{Kind: JustAbstain, AbstainZero: zeroJust, AbstainOne: oneJust})
	default:
		return mvba.Generic("unreachable pre-vote bucket composition")
	}
}

func (a *ABBA) emitMainVote(round uint64, value mvba.MainValue, just MainVoteJustification) error {
	signBytes, err := mvba.MainVoteSigningBytes(a.tag, round, value)
	if err != nil {
		return err
	}
	share, err := a.secretShare.Sign(signBytes)
	if err != nil {
		return mvba.Encoding(fmt.Errorf("sign main-vote share: %w", err))
	}
	if round+1 > a.r {
		a.r = round + 1
	}
	msg := Message{Tag: a.tag, Kind: KindMainVote, MainVote: &MainVoteMsg{Round: round, Value: value, Justification: just, Share: share}}
	return a.broadcast(msg)
}

// maybeDecideOrAdvance checks whether round's main-vote bucket has reached
// exactly Threshold() entries and, if so, either decides or pre-votes for
// round+1.
func (a *ABBA) maybeDecideOrAdvance(round uint64) error {
	bucket := a.mainVoteBucket(round)
	if len(bucket) != a.threshold() {
		return nil
	}
	ids := sortedMainIDs(bucket)

	zeroShares := make(map[mvba.NodeID]threshold.SignatureShare)
	oneShares := make(map[mvba.NodeID]threshold.SignatureShare)
	abstainShares := make(map[mvba.NodeID]threshold.SignatureShare)
	var zeroNoAbstainSig, oneNoAbstainSig threshold.Signature
	for _, id := range ids {
		act := bucket[id]
		switch act.Value.Kind {
		case mvba.MainValueZero:
			zeroShares[id] = act.Share
			if zeroNoAbstainSig == nil {
				zeroNoAbstainSig = act.Justification.NoAbstainSig
			}
		case mvba.MainValueOne:
			oneShares[id] = act.Share
			if oneNoAbstainSig == nil {
				oneNoAbstainSig = act.Justification.NoAbstainSig
			}
		default:
			abstainShares[id] = act.Share
		}
	}

	switch {
	case len(zeroShares) == a.threshold():
		return a.decide(round, mvba.Zero, zeroShares)
	case len(oneShares) == a.threshold():
		return a.decide(round, mvba.One, oneShares)
	case len(zeroShares) > 0:
		return a.advance(round, mvba.Zero, JustHard, zeroNoAbstainSig)
	case len(oneShares) > 0:
		return a.advance(round, mvba.One, JustHard, oneNoAbstainSig)
	case len(abstainShares) == a.threshold():
		signBytes, err := mvba.MainVoteSigningBytes(a.tag, round, mvba.MainAbstain)
		if err != nil {
			return err
		}
		sig, err := a.pubKeys.Combine(abstainShares, signBytes)
		if err != nil {
			return mvba.Generic(fmt.Sprintf("combine abstain main-votes at round %d: %v", round, err))
		}
		return a.advance(round, mvba.One, JustSoft, sig)
	default:
		return mvba.Generic("unreachable main-vote bucket composition")
	}
}

func (a *ABBA) decide(round uint64, value mvba.BinaryValue, shares map[mvba.NodeID]threshold.SignatureShare) error {
	signBytes, err := mvba.MainVoteSigningBytes(a.tag, round, mvba.MainValueOf(value))
	if err != nil {
		return err
	}
	sig, err := a.pubKeys.Combine(shares, signBytes)
	if err != nil {
		return mvba.Generic(fmt.Sprintf("combine main-votes at round %d: %v", round, err))
	}
	return a.broadcast(Message{Tag: a.tag, Kind: KindDecision, Decision: &DecisionMsg{Round: round, Value: value, Sig: sig}})
}

// advance casts the round+1 pre-vote justified by a signature obtained while
// resolving round: a Hard justification carries a prior pre-vote aggregate,
// a Soft justification carries a prior all-abstain main-vote aggregate.
// Both are signed/verified at round (the justification's own round), not
// round+1, so the justification remains valid under message reordering.
func (a *ABBA) advance(round uint64, value mvba.BinaryValue, kind PreVoteJustificationKind, sig threshold.Signature) error {
	next := round + 1
	signBytes, err := mvba.PreVoteSigningBytes(a.tag, next, value)
	if err != nil {
		return err
	}
	share, err := a.secretShare.Sign(signBytes)
	if err != nil {
		return mvba.Encoding(fmt.Errorf("sign pre-vote share: %w", err))
	}
	if next > a.r {
		a.r = next
	}
	just := PreVoteJustification{Kind: kind, Round: round, Sig: sig}
	return a.broadcast(Message{Tag: a.tag, Kind: KindPreVote, PreVote: &PreVoteMsg{Round: next, Value: value, Justification: just, Share: share}})
}

func (a *ABBA) broadcast(msg Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	a.bc.Broadcast(moduleTag, payload)
	return a.ReceiveMessage(a.selfID, msg)
}

func sortedIDs(bucket map[mvba.NodeID]PreVoteAction) []mvba.NodeID {
	ids := make([]mvba.NodeID, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedMainIDs(bucket map[mvba.NodeID]MainVoteAction) []mvba.NodeID {
	ids := make([]mvba.NodeID, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
