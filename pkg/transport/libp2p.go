package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/quorumlabs/mvba/pkg/mvba"
)

// Libp2p is a gossip-pubsub Broadcaster bound to one instance Tag: every
// VCBC or ABBA instance gets its own topic and, for unicast sends, its own
// stream protocol, rather than sharing one firehose across instances.
type Libp2p struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self mvba.NodeID

	moduleTag string
	protoID   protocol.ID
	topic     *pubsub.Topic
	sub       *pubsub.Subscription

	peerByID map[mvba.NodeID]peer.ID

	muHandler sync.Mutex
	handler   func(from mvba.NodeID, payload []byte)
}

// Libp2pConfig configures one Libp2p adapter.
type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     mvba.NodeID
	Tag        mvba.Tag
	ModuleTag  string
	// Peers maps every other participant's NodeID to a dialable multiaddr.
	Peers  map[mvba.NodeID]string
	Logger *zap.SugaredLogger
}

// NewLibp2p starts a libp2p host, joins the gossip topic derived from
// cfg.Tag and cfg.ModuleTag, dials cfg.Peers, and registers a stream
// handler for unicast sends on this instance's protocol ID.
func NewLibp2p(ctx context.Context, cfg Libp2pConfig) (*Libp2p, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("transport: parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: new libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("transport: new gossipsub: %w", err)
	}

	n := &Libp2p{
		h: h, ps: ps, log: cfg.Logger, self: cfg.SelfID,
		moduleTag: cfg.ModuleTag,
		protoID:   protocol.ID(fmt.Sprintf("/mvba/%s/1.0.0", topicName(cfg.ModuleTag, cfg.Tag))),
		peerByID:  make(map[mvba.NodeID]peer.ID),
	}

	for id, addr := range cfg.Peers {
		p, err := connectMultiaddr(ctx, h, addr)
		if err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warnw("transport_peer_connect_failed", "peer", id, "addr", addr, "err", err)
			}
			continue
		}
		n.peerByID[id] = p
	}

	topic, err := ps.Join(topicName(cfg.ModuleTag, cfg.Tag))
	if err != nil {
		return nil, fmt.Errorf("transport: join topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe topic: %w", err)
	}
	n.topic, n.sub = topic, sub

	h.SetStreamHandler(n.protoID, n.handleStream)
	go n.handleTopic(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("transport_ready", "peer", h.ID().String(), "topic", topicName(cfg.ModuleTag, cfg.Tag))
	}
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) (peer.ID, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return "", err
	}
	if err := h.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// SetHandler registers the callback invoked for every inbound message, once
// it is decoded off the wire. cmd/mvbanode wires this to the corresponding
// engine's ReceiveMessage.
func (n *Libp2p) SetHandler(handler func(from mvba.NodeID, payload []byte)) {
	n.muHandler.Lock()
	n.handler = handler
	n.muHandler.Unlock()
}

func (n *Libp2p) deliver(from mvba.NodeID, payload []byte) {
	n.muHandler.Lock()
	h := n.handler
	n.muHandler.Unlock()
	if h != nil {
		h(from, payload)
	}
}

// Broadcast implements mvba.Broadcaster by publishing to this instance's
// topic.
func (n *Libp2p) Broadcast(moduleTag string, payload []byte) {
	if err := n.topic.Publish(context.Background(), payload); err != nil && n.log != nil {
		n.log.Warnw("transport_publish_failed", "module", moduleTag, "err", err)
	}
}

// SendTo implements mvba.Broadcaster by opening a stream directly to to.
func (n *Libp2p) SendTo(to mvba.NodeID, moduleTag string, payload []byte) {
	pid, ok := n.peerByID[to]
	if !ok {
		if n.log != nil {
			n.log.Warnw("transport_send_to_unknown_peer", "to", to)
		}
		return
	}
	stream, err := n.h.NewStream(context.Background(), pid, n.protoID)
	if err != nil {
		if n.log != nil {
			n.log.Warnw("transport_stream_open_failed", "to", to, "err", err)
		}
		return
	}
	defer stream.Close()
	if _, err := stream.Write(payload); err != nil && n.log != nil {
		n.log.Warnw("transport_stream_write_failed", "to", to, "err", err)
	}
}

// TakeBundles implements mvba.Broadcaster. Libp2p delivers over real wire
// I/O as soon as Broadcast/SendTo are called, so there is nothing queued to
// drain; it always returns nil.
func (n *Libp2p) TakeBundles() []mvba.Bundle { return nil }

func (n *Libp2p) handleTopic(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		from, ok := n.nodeIDOf(msg.ReceivedFrom)
		if !ok {
			continue
		}
		n.deliver(from, msg.Data)
	}
}

func (n *Libp2p) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	from, ok := n.nodeIDOf(s.Conn().RemotePeer())
	if !ok {
		return
	}
	n.deliver(from, data)
}

func (n *Libp2p) nodeIDOf(p peer.ID) (mvba.NodeID, bool) {
	for id, pid := range n.peerByID {
		if pid == p {
			return id, true
		}
	}
	return 0, false
}

// Close tears down the host and its subscription.
func (n *Libp2p) Close() error {
	n.sub.Cancel()
	n.topic.Close()
	return n.h.Close()
}
