package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quorumlabs/mvba/pkg/config"
	"github.com/quorumlabs/mvba/pkg/mvba"
	"github.com/quorumlabs/mvba/pkg/mvba/abba"
	"github.com/quorumlabs/mvba/pkg/mvba/vcbc"
	"github.com/quorumlabs/mvba/pkg/statusapi"
	"github.com/quorumlabs/mvba/pkg/threshold"
	"github.com/quorumlabs/mvba/pkg/transport"
	"github.com/quorumlabs/mvba/pkg/util"
)

// maxProposalBytes bounds what the demo's validity predicate will accept
// from a VCBC Send; VCBC itself never interprets a proposal beyond this.
const maxProposalBytes = 1 << 20

// envelope is one decoded-off-the-wire delivery waiting for its engine's
// owning goroutine.
type envelope struct {
	from    mvba.NodeID
	payload []byte
}

// keyBundle is the demo's on-disk key share shape: the fixed group public
// key set plus this node's own secret share. Because DKG is out of scope,
// a fresh devnet generates all n shares in one process and persists only
// its own — a real deployment replaces this file with DKG output.
type keyBundle struct {
	Public threshold.PublicKeySet
	Secret threshold.SecretKeyShare
}

func loadOrGenerateKeys(path string, n, thresh int, selfID mvba.NodeID) (threshold.PublicKeySet, threshold.SecretKeyShare, error) {
	if data, err := os.ReadFile(path); err == nil {
		var kb keyBundle
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&kb); err != nil {
			return threshold.PublicKeySet{}, threshold.SecretKeyShare{}, fmt.Errorf("decode key share file: %w", err)
		}
		return kb.Public, kb.Secret, nil
	}

	pub, shares, err := threshold.GenerateKeys(n, thresh)
	if err != nil {
		return threshold.PublicKeySet{}, threshold.SecretKeyShare{}, fmt.Errorf("generate keys: %w", err)
	}
	if int(selfID) >= len(shares) {
		return threshold.PublicKeySet{}, threshold.SecretKeyShare{}, fmt.Errorf("self id %d out of range for %d shares", selfID, len(shares))
	}
	kb := keyBundle{Public: pub, Secret: shares[selfID]}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kb); err != nil {
		return threshold.PublicKeySet{}, threshold.SecretKeyShare{}, fmt.Errorf("encode key share file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return threshold.PublicKeySet{}, threshold.SecretKeyShare{}, fmt.Errorf("create key share dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return threshold.PublicKeySet{}, threshold.SecretKeyShare{}, fmt.Errorf("write key share file: %w", err)
	}
	return pub, shares[selfID], nil
}

func defaultValidity(_ mvba.NodeID, proposal []byte) bool {
	return len(proposal) > 0 && len(proposal) <= maxProposalBytes
}

func main() {
	cfg := config.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	selfID := mvba.NodeID(cfg.Node.SelfID)
	singleNode := cfg.Node.ListenAddr == ""

	n := len(cfg.Participants.Addresses)
	thresh := cfg.Participants.Threshold
	if singleNode {
		// No listen address means no real peers: fall back to a
		// one-validator devnet, mirroring single-node dev mode rather than
		// pretending an unreachable quorum exists.
		n, thresh, selfID = 1, 1, 0
		sugar.Info("single_node_mode: no LISTEN address configured, running a one-validator devnet")
	}

	pubKeys, secretShare, err := loadOrGenerateKeys(cfg.KeyShareFile, n, thresh, selfID)
	if err != nil {
		sugar.Fatalw("key_share_load_failed", "err", err)
	}

	proposer := mvba.NodeID(0)
	tag := mvba.Tag{DomainLabel: "demo", DomainID: 0, Proposer: proposer}

	vcbcTransport, abbaTransport, closeTransports := buildTransports(cfg, tag, selfID, sugar)
	defer closeTransports()

	vcbcEngine := vcbc.New(tag, selfID, pubKeys, secretShare, defaultValidity, vcbcTransport)
	abbaEngine := abba.New(tag, selfID, pubKeys, secretShare, abbaTransport)

	var statusMu sync.Mutex
	var latest statusapi.NodeStatus
	latest.NodeID = uint64(selfID)

	apiServer := statusapi.NewServer(func() statusapi.NodeStatus {
		statusMu.Lock()
		defer statusMu.Unlock()
		return latest
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		sugar.Infow("status_api_starting", "addr", cfg.APIAddr)
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			sugar.Fatalw("status_api_failed", "err", err)
		}
	}()

	vcbcInbox := make(chan envelope, 256)
	abbaInbox := make(chan envelope, 256)
	vcbcCmds := make(chan func(*vcbc.VCBC), 16)
	abbaCmds := make(chan func(*abba.ABBA), 16)

	if vn, ok := vcbcTransport.(*transport.Libp2p); ok {
		vn.SetHandler(func(from mvba.NodeID, payload []byte) { vcbcInbox <- envelope{from, payload} })
	}
	if an, ok := abbaTransport.(*transport.Libp2p); ok {
		an.SetHandler(func(from mvba.NodeID, payload []byte) { abbaInbox <- envelope{from, payload} })
	}

	// Each status publisher reads only its own engine and is called only
	// from that engine's owning goroutine.
	publishVCBCStatus := func() {
		inst := statusapi.InstanceStatus{Proposer: uint64(proposer)}
		if proposal, cert, ok := vcbcEngine.ReadDelivered(); ok {
			inst.Delivered = true
			inst.Digest = mvba.Digest(proposal).String()
			inst.Certificate = fmt.Sprintf("%x", []byte(cert))
		}
		statusMu.Lock()
		latest.VCBC = []statusapi.InstanceStatus{inst}
		statusMu.Unlock()
	}
	publishABBAStatus := func() {
		abbaInst := statusapi.ABBAInstanceStatus{Proposer: uint64(proposer)}
		if d, ok := abbaEngine.DecidedValue(); ok {
			abbaInst.Decided = true
			abbaInst.Round = d.Round
			abbaInst.Value = d.Value.String()
		}
		statusMu.Lock()
		latest.ABBA = []statusapi.ABBAInstanceStatus{abbaInst}
		statusMu.Unlock()
	}

	// VCBC owning goroutine: every touch of vcbcEngine happens here, whether
	// it is an inbound message, CBroadcast, or a status poll, so the
	// single-threaded engine never sees concurrent calls. abbaStarted is
	// also read from the pre-vote timeout below (a different goroutine),
	// so it is an atomic.Bool rather than a plain bool.
	var abbaStarted atomic.Bool
	go func() {
		for {
			select {
			case e := <-vcbcInbox:
				msg, err := vcbc.DecodeMessage(e.payload)
				if err != nil {
					sugar.Warnw("vcbc_decode_failed", "from", e.from, "err", err)
					continue
				}
				if err := vcbcEngine.ReceiveMessage(e.from, msg); err != nil {
					sugar.Warnw("vcbc_receive_failed", "from", e.from, "err", err)
				}
			case cmd := <-vcbcCmds:
				cmd(vcbcEngine)
			}
			if !abbaStarted.Load() {
				if proposal, cert, ok := vcbcEngine.ReadDelivered(); ok {
					abbaStarted.Store(true)
					digest := mvba.Digest(proposal)
					sugar.Infow("vcbc_delivered", "digest", digest.String())
					abbaCmds <- func(a *abba.ABBA) {
						if err := a.PreVoteOne(digest, cert); err != nil {
							sugar.Warnw("abba_pre_vote_one_failed", "err", err)
						}
					}
				}
			}
			publishVCBCStatus()
		}
	}()

	// ABBA owning goroutine, same discipline as above.
	go func() {
		for {
			select {
			case e := <-abbaInbox:
				msg, err := abba.DecodeMessage(e.payload)
				if err != nil {
					sugar.Warnw("abba_decode_failed", "from", e.from, "err", err)
					continue
				}
				if err := abbaEngine.ReceiveMessage(e.from, msg); err != nil {
					sugar.Warnw("abba_receive_failed", "from", e.from, "err", err)
				}
			case cmd := <-abbaCmds:
				cmd(abbaEngine)
			}
			if d, ok := abbaEngine.DecidedValue(); ok {
				apiServer.BroadcastDecision(statusapi.DecisionEvent{
					Proposer: uint64(proposer),
					Round:    d.Round,
					Value:    d.Value.String(),
				})
			}
			publishABBAStatus()
		}
	}()

	// A proposer timeout pre-votes Zero if VCBC has not delivered by then,
	// so the binary agreement can still terminate when the proposer is
	// slow, silent, or faulty. Routed through util.Clock rather than
	// time.AfterFunc directly so a test can substitute a fake clock.
	preVoteTimeout := 5 * time.Second
	go func(clk util.Clock) {
		select {
		case <-ctx.Done():
		case <-clk.After(preVoteTimeout):
			if !abbaStarted.Load() {
				sugar.Infow("pre_vote_timeout_fired", "timeout", preVoteTimeout)
				abbaCmds <- func(a *abba.ABBA) {
					if err := a.PreVoteZero(); err != nil {
						sugar.Warnw("abba_pre_vote_zero_failed", "err", err)
					}
				}
			}
		}
	}(util.RealClock{})

	if selfID == proposer {
		proposal := []byte(os.Getenv("PROPOSAL_VALUE"))
		if len(proposal) == 0 {
			proposal = []byte(fmt.Sprintf("demo-proposal-from-node-%d", selfID))
		}
		go func() {
			time.Sleep(1 * time.Second)
			vcbcCmds <- func(v *vcbc.VCBC) {
				if err := v.CBroadcast(proposal); err != nil {
					sugar.Warnw("c_broadcast_failed", "err", err)
				}
			}
		}()
	}

	sugar.Infow("node_starting",
		"self_id", selfID,
		"participants", n,
		"threshold", thresh,
		"single_node_mode", singleNode,
		"proposer", proposer)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sugar.Info("node_shutting_down")
			return
		case <-ticker.C:
			statusMu.Lock()
			s := latest
			statusMu.Unlock()
			sugar.Infow("node_progress", "vcbc", s.VCBC, "abba", s.ABBA)
		}
	}
}

// buildTransports wires up the VCBC and ABBA broadcasters for this node. In
// single-node mode (no LISTEN address) both engines share one in-process
// Memory transport; otherwise each gets its own libp2p topic, optionally
// wrapped in a durable outbox when OUTBOX_DIR is set.
func buildTransports(cfg config.Config, tag mvba.Tag, selfID mvba.NodeID, sugar *zap.SugaredLogger) (vcbcBC, abbaBC mvba.Broadcaster, closeFn func()) {
	if cfg.Node.ListenAddr == "" {
		m := transport.NewMemory()
		return m, m, func() {}
	}

	peers := make(map[mvba.NodeID]string)
	for i, addr := range cfg.Participants.Addresses {
		if mvba.NodeID(i) == selfID {
			continue
		}
		peers[mvba.NodeID(i)] = addr
	}

	ctx := context.Background()
	vn, err := transport.NewLibp2p(ctx, transport.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		SelfID:     selfID,
		Tag:        tag,
		ModuleTag:  "vcbc",
		Peers:      peers,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_vcbc_init_failed", "err", err)
	}
	an, err := transport.NewLibp2p(ctx, transport.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		SelfID:     selfID,
		Tag:        tag,
		ModuleTag:  "abba",
		Peers:      peers,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_abba_init_failed", "err", err)
	}

	closers := []func() error{vn.Close, an.Close}

	var vcbcBroadcaster, abbaBroadcaster mvba.Broadcaster = vn, an
	if dir := os.Getenv("OUTBOX_DIR"); dir != "" {
		vo, err := transport.NewPersistentOutbox(filepath.Join(dir, "vcbc"), vn)
		if err != nil {
			sugar.Fatalw("vcbc_outbox_init_failed", "err", err)
		}
		if err := vo.Replay(); err != nil {
			sugar.Fatalw("vcbc_outbox_replay_failed", "err", err)
		}
		ao, err := transport.NewPersistentOutbox(filepath.Join(dir, "abba"), an)
		if err != nil {
			sugar.Fatalw("abba_outbox_init_failed", "err", err)
		}
		if err := ao.Replay(); err != nil {
			sugar.Fatalw("abba_outbox_replay_failed", "err", err)
		}
		vcbcBroadcaster, abbaBroadcaster = vo, ao
		closers = append(closers, vo.Close, ao.Close)
	}

	return vcbcBroadcaster, abbaBroadcaster, func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
