package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marlin-relay/internal/abci"
	"marlin-relay/internal/attest"
	"marlin-relay/internal/config"
	"marlin-relay/internal/discovery"
	"marlin-relay/internal/eventloop"
	"marlin-relay/internal/fiber"
	"marlin-relay/internal/keystore"
	"marlin-relay/internal/netutil"
	"marlin-relay/internal/pubsub"
	"marlin-relay/internal/transport"
	"marlin-relay/internal/witness"
)

// Relay composes modules A-L into one running instance: the transport
// manager (C) owns Streams (E) built on DatagramTransports (D); each
// Stream's inbound bytes are fed through a Pipeline (F, G) before reaching
// the pub/sub Engine (H), which attests (I) and witnesses (J) forwarded
// messages; the discovery Client (K) feeds newly learned peers back into
// the dial path; the ABCI Adapter (L) receives delivered payloads.
type Relay struct {
	loop   *eventloop.Loop
	logger *zap.Logger
	cfg    *config.Config
	keys   keystore.KeyPair

	attester  attest.Attester
	witnesser witness.Witnesser
	adapter   abci.Adapter
	engine    *pubsub.Engine

	manager *transport.Manager[*Peer]
	// streamPeer is only ever touched from callbacks invoked on loop's
	// goroutine (HandleFrame/DidDial/DidDisconnect are always reached via
	// loop.Post from a Stream's RunRecvLoop), so it needs no lock of its
	// own per §5's single-writer model.
	streamPeer map[*transport.Stream]*Peer

	dgListener *transport.DatagramListener
	discovery  *discovery.Client

	// dialLimiter caps the rate of accepted inbound DIALs, the pub/sub
	// listener's counterpart to the teacher's go-cache-backed per-IP WAF
	// counter in controller/server.go — a token bucket instead of a fixed
	// per-window count, since spec.md's handshake has no natural "window".
	dialLimiter *rate.Limiter

	wg sync.WaitGroup
}

// Default inbound handshake rate limit: generous enough not to throttle a
// legitimately busy relay, low enough to blunt a dial flood.
const (
	dialRateLimit = 200 // DIALs/sec
	dialBurst     = 400
)

// New constructs a Relay from a loaded Config and KeyPair. The pub/sub
// engine's attester/witnesser are selected per cfg's configuration-driven
// plug-in names (spec.md §9).
func New(loop *eventloop.Loop, logger *zap.Logger, cfg *config.Config, keys keystore.KeyPair, adapter abci.Adapter) (*Relay, error) {
	attester, err := BuildAttester(cfg.AttesterKind)
	if err != nil {
		return nil, err
	}
	witnesser, err := BuildWitnesser(cfg.WitnesserKind, keys.PublicKey, keys.SecretKey)
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		adapter = abci.NewNull(keys.PublicKey)
	}

	r := &Relay{
		loop:        loop,
		logger:      logger,
		cfg:         cfg,
		keys:        keys,
		attester:    attester,
		witnesser:   witnesser,
		adapter:     adapter,
		manager:     transport.NewManager[*Peer](),
		streamPeer:  map[*transport.Stream]*Peer{},
		dialLimiter: rate.NewLimiter(rate.Limit(dialRateLimit), dialBurst),
	}
	encode := func(channel string, envelope []byte) []byte {
		p := &fiber.Pipeline{Version: cfg.ProtocolVer}
		return p.EncodeOutbound(encodeMessage(channel, envelope))
	}
	r.engine = pubsub.NewEngine(keys.PublicKey, attester, witnesser, adapter, encode)
	for _, ch := range cfg.Channels {
		r.engine.RegisterChannel(ch)
	}
	return r, nil
}

// Run starts the pub/sub listener and discovery client, and blocks until
// ctx is cancelled. Mirrors the teacher's run.go: one goroutine per
// listener, joined on shutdown, plus the single loop goroutine driving all
// callback dispatch.
func (r *Relay) Run(ctx context.Context) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop.Run()
	}()
	defer r.loop.Stop()

	pubsubAddr := fmt.Sprintf(":%d", r.cfg.PubsubPort)
	ln, err := transport.ListenDatagram(ctx, pubsubAddr, nil)
	if err != nil {
		return fmt.Errorf("node: listen pubsub at %s: %w", pubsubAddr, err)
	}
	r.dgListener = ln
	r.logger.Info("pubsub listener started", zap.String("addr", pubsubAddr))

	r.wg.Add(1)
	go r.acceptLoop(ctx)

	if r.cfg.BeaconAddr != "" {
		if err := r.startDiscovery(ctx); err != nil {
			r.logger.Warn("discovery client failed to start", zap.Error(err))
		}
	}

	<-ctx.Done()
	_ = r.dgListener.Close()
	r.wg.Wait()
	return nil
}

func (r *Relay) acceptLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		dg, err := r.dgListener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("pubsub accept failed", zap.Error(err))
			continue
		}
		r.adoptInbound(ctx, dg)
	}
}

func (r *Relay) adoptInbound(ctx context.Context, dg *transport.DatagramTransport) {
	stream := transport.NewListener(r.loop, dg, r, r.cfg.ProtocolVer)
	peer := newPeer(stream, r.cfg.ProtocolVer)
	r.loop.Post(func() { r.streamPeer[stream] = peer })
	_, _, _ = r.manager.GetOrCreate(dg.Peer(), func() *Peer { return peer })

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		stream.RunRecvLoop(ctx, r.shouldAccept)
	}()
}

// shouldAccept gates inbound DIALs (transport.ShouldAccept): a token-bucket
// rate limit stands in for the teacher's controller/server.go blacklist/WAF
// check, which this relay has no per-IP-request-count equivalent for since
// DIAL handshakes, not individual requests, are what's rate-sensitive here.
func (r *Relay) shouldAccept(addr netutil.SocketAddress) bool {
	return r.dialLimiter.Allow()
}

// DialPeer opens a new Stream to addr, used both for operator-configured
// static peers and for candidates the discovery client reports.
func (r *Relay) DialPeer(ctx context.Context, addr netutil.SocketAddress) error {
	dg, err := transport.DialDatagram(ctx, addr.UDPAddrString())
	if err != nil {
		return fmt.Errorf("node: dial %s: %w", addr, err)
	}
	stream := transport.Dial(r.loop, dg, r, r.cfg.ProtocolVer)
	peer := newPeer(stream, r.cfg.ProtocolVer)
	r.loop.Post(func() { r.streamPeer[stream] = peer })
	_, _, _ = r.manager.GetOrCreate(addr, func() *Peer { return peer })

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		stream.RunRecvLoop(ctx, nil)
	}()
	return nil
}

func (r *Relay) startDiscovery(ctx context.Context) error {
	dg, err := transport.DialDatagram(ctx, r.cfg.BeaconAddr)
	if err != nil {
		return fmt.Errorf("discovery dial %s: %w", r.cfg.BeaconAddr, err)
	}
	client := discovery.NewClient(r.loop, dg, r.keys.PublicKey, []uint32{uint32(r.cfg.ProtocolVer)}, r)
	r.discovery = client
	client.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		client.RunRecvLoop(ctx)
	}()
	r.logger.Info("discovery client started", zap.String("beacon", r.cfg.BeaconAddr))
	return r.DialPeer(ctx, dg.Peer())
}

// NewPeer implements discovery.Delegate: a candidate peer reported by the
// beacon for a protocol we speak is dialed directly.
func (r *Relay) NewPeer(addr netutil.SocketAddress, protocol uint32, port uint16) {
	if protocol != uint32(r.cfg.ProtocolVer) {
		return
	}
	go func() {
		if err := r.DialPeer(context.Background(), addr); err != nil {
			r.logger.Warn("failed to dial discovered peer", zap.String("addr", addr.String()), zap.Error(err))
		}
	}()
}

// --- transport.Delegate ---

// DidDial implements transport.Delegate: once our side of a handshake
// completes, announce interest in every statically configured channel by
// sending the peer a SUB control frame per channel.
func (r *Relay) DidDial(s *transport.Stream) {
	peer, ok := r.streamPeer[s]
	if !ok {
		return
	}
	for _, ch := range r.cfg.Channels {
		unit := peer.pipeline.EncodeOutbound(encodeControl(MsgSub, ch))
		_ = peer.Send(unit)
	}
}

// DidSend implements transport.Delegate; the pub/sub layer keeps no
// per-send bookkeeping (retransmission is the stream's job), so this is a
// no-op.
func (r *Relay) DidSend(s *transport.Stream) {}

// DidRecv implements transport.Delegate: feed the stream's reassembled
// bytes through the peer's Pipeline and dispatch each complete unit.
func (r *Relay) DidRecv(s *transport.Stream, data []byte) {
	peer, ok := r.streamPeer[s]
	if !ok {
		return
	}
	msgs, mismatch := peer.pipeline.Feed(data)
	if mismatch {
		// validation failure (§7): drop, keep the transport, no upward
		// signal beyond this log line.
		r.logger.Debug("version tag mismatch, dropping rest of stream", zap.String("peer", peer.addr))
	}
	for _, unit := range msgs {
		r.dispatchUnit(peer, unit)
	}
}

func (r *Relay) dispatchUnit(peer *Peer, unit []byte) {
	typ, channel, rest, ok := decodeUnit(unit)
	if !ok {
		return
	}
	switch typ {
	case MsgSub:
		r.engine.Subscribe(peer, channel)
	case MsgUnsub:
		r.engine.Unsubscribe(peer, channel)
	case MsgHeartbeat:
		// keepalive marker only; the stream transport's own KEEPALIVE
		// frame already maintains the idle timer.
	case MsgMessage:
		id, witnessBytes, attestBytes, payload, ok := pubsub.DecodeEnvelope(rest)
		if !ok {
			return
		}
		headers := pubsub.Headers{
			Witness:     witness.Header{Data: witnessBytes, Size: uint64(len(witnessBytes))},
			Attestation: attest.Header{Data: attestBytes, Size: uint64(len(attestBytes))},
		}
		r.engine.DidRecvMessage(peer, channel, id, payload, headers)
	}
}

// DidDisconnect implements transport.Delegate: drop every subscription the
// peer held and erase its transport-manager entry (§5 cancellation).
func (r *Relay) DidDisconnect(s *transport.Stream, reason transport.DisconnectReason) {
	peer, ok := r.streamPeer[s]
	if !ok {
		return
	}
	r.engine.RemovePeer(peer)
	r.manager.Erase(s.Peer())
	delete(r.streamPeer, s)
}

// Publish assigns a fresh message id and forwards payload to every local
// subscriber of channel, per spec.md §4.5 SendMessageOnChannel.
func (r *Relay) Publish(channel string, payload []byte) error {
	return r.engine.SendMessageOnChannel(channel, payload)
}
