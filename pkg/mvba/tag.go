package mvba

import "fmt"

// NodeID identifies a participant. It doubles as the 0-based index of that
// participant's threshold key share (see pkg/threshold).
type NodeID uint64

// Tag binds a VCBC or ABBA instance to a proposer within a domain. Two
// messages belong to the same instance iff their Tags are equal
// component-wise. Tag is immutable for the life of an instance.
type Tag struct {
	DomainLabel string
	DomainID    uint64
	Proposer    NodeID
}

// Equal reports whether two tags identify the same instance.
func (t Tag) Equal(o Tag) bool {
	return t.DomainLabel == o.DomainLabel && t.DomainID == o.DomainID && t.Proposer == o.Proposer
}

func (t Tag) String() string {
	return fmt.Sprintf("%s/%d/%d", t.DomainLabel, t.DomainID, t.Proposer)
}
