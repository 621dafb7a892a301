package mvba

// Bundle is one queued outbound delivery: either destined for every peer
// (To == nil) or for a single recipient.
type Bundle struct {
	To        *NodeID
	ModuleTag string
	Payload   []byte
}

// Broadcaster is the outbound sink both VCBC and ABBA depend on. It owns any
// queueing or I/O; the engines never block on it and never inspect what it
// does with a payload beyond handing it over.
type Broadcaster interface {
	// Broadcast queues payload for delivery to every peer, tagged with
	// moduleTag so a host driving several instances can route on receipt.
	Broadcast(moduleTag string, payload []byte)
	// SendTo queues payload for delivery to a single peer.
	SendTo(to NodeID, moduleTag string, payload []byte)
	// TakeBundles drains and returns everything queued so far. Consumed by
	// the host, never by the engines themselves.
	TakeBundles() []Bundle
}
