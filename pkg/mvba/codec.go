package mvba

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// BinaryValue is the bit an ABBA pre-vote carries.
type BinaryValue uint8

const (
	Zero BinaryValue = iota
	One
)

func (b BinaryValue) String() string {
	if b == One {
		return "one"
	}
	return "zero"
}

// MainValueKind distinguishes a main-vote's three possible shapes.
type MainValueKind uint8

const (
	MainValueZero MainValueKind = iota
	MainValueOne
	MainValueAbstain
)

// MainValue is the value ∈ {Value(Zero), Value(One), Abstain} an ABBA
// main-vote carries.
type MainValue struct {
	Kind MainValueKind
}

// MainValueOf converts a pre-vote bit into the corresponding non-abstaining
// main value.
func MainValueOf(b BinaryValue) MainValue {
	if b == One {
		return MainValue{Kind: MainValueOne}
	}
	return MainValue{Kind: MainValueZero}
}

// MainAbstain is the Abstain main value.
var MainAbstain = MainValue{Kind: MainValueAbstain}

func (v MainValue) String() string {
	switch v.Kind {
	case MainValueZero:
		return "zero"
	case MainValueOne:
		return "one"
	default:
		return "abstain"
	}
}

// Equal reports whether two main values denote the same vote.
func (v MainValue) Equal(o MainValue) bool { return v.Kind == o.Kind }

// the three tuple shapes canonical signing bytes are built from. None of
// these contain maps, so gob's field-order encoding is deterministic and
// the same value always serializes to the same bytes.
type creadyTuple struct {
	Label  string
	Tag    Tag
	Digest Hash32
}

type preVoteTuple struct {
	Label string
	Tag   Tag
	Round uint64
	Value BinaryValue
}

type mainVoteTuple struct {
	Label string
	Tag   Tag
	Round uint64
	Value MainValue
}

func encodeTuple(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, Encoding(fmt.Errorf("encode signing bytes: %w", err))
	}
	return buf.Bytes(), nil
}

// CReadySigningBytes is the canonical byte string a VCBC c-ready share (and
// its combined certificate) is signed and verified against.
func CReadySigningBytes(tag Tag, digest Hash32) ([]byte, error) {
	return encodeTuple(creadyTuple{Label: "c-ready", Tag: tag, Digest: digest})
}

// PreVoteSigningBytes is the canonical byte string an ABBA pre-vote share is
// signed and verified against.
func PreVoteSigningBytes(tag Tag, round uint64, value BinaryValue) ([]byte, error) {
	return encodeTuple(preVoteTuple{Label: "pre-vote", Tag: tag, Round: round, Value: value})
}

// MainVoteSigningBytes is the canonical byte string an ABBA main-vote share
// is signed and verified against.
func MainVoteSigningBytes(tag Tag, round uint64, value MainValue) ([]byte, error) {
	return encodeTuple(mainVoteTuple{Label: "main-vote", Tag: tag, Round: round, Value: value})
}
