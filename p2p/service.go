// Package p2p implements the connection layer of a lumenchain node: the
// peerset, the noise-encrypted multiplexed transport, the per-connection
// tasks and the front-end network service that ties them together.
package p2p

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"lumenchain/crypto"
	"lumenchain/p2p/protocol"
)

// Protocol names spoken on every connection. Block sync is request/response,
// block announces are a notification substream, ping is the keep-alive.
const (
	ProtocolBlockSync      = "/lumen/sync/1"
	ProtocolBlockAnnounces = "/lumen/block-announces/1"
	ProtocolPing           = "/ipfs/ping/1.0.0"
)

// overlayBootstrap is the single overlay network of the current protocol
// family. The peerset supports several; the service uses one.
const overlayBootstrap = 0

// BootstrapPeer is one entry of the initial peer list.
type BootstrapPeer struct {
	ID   crypto.PeerID
	Addr Multiaddr
}

// BlocksRequestHandler serves inbound block-sync requests. A nil handler
// answers every request with an empty block list.
type BlocksRequestHandler func(protocol.BlocksRequestConfig) ([]protocol.BlockData, error)

// Config carries the dependencies of a Service. NoiseKey is required;
// everything else has a usable default.
type Config struct {
	// ListenAddresses are the multiaddresses to accept connections on. An
	// empty list makes a dial-only node.
	ListenAddresses []Multiaddr
	// BootstrapPeers seed the peerset and the bootstrap overlay.
	BootstrapPeers []BootstrapPeer
	// NoiseKey is the node's handshake key material.
	NoiseKey *crypto.NoiseKey
	// Logger receives structured connection-lifecycle logs. Defaults to the
	// process logger.
	Logger *slog.Logger
	// Resolver resolves DNS multiaddresses. Defaults to the system resolver.
	Resolver Resolver
	// BlocksRequestHandler answers inbound block-sync requests.
	BlocksRequestHandler BlocksRequestHandler
	// PingInterval overrides the keep-alive period. Zero keeps the default,
	// a negative value disables keep-alive.
	PingInterval time.Duration
	// RandomnessSeed seeds peer selection. Zero draws from the clock.
	RandomnessSeed int64
	// Spawn runs background tasks. Defaults to the go statement; tests
	// substitute an instrumented runner.
	Spawn func(task func())
}

// Event is a front-end event returned by Service.NextEvent.
type Event interface{ isEvent() }

// EventConnected reports a newly established connection, inbound or
// outbound, after identity verification.
type EventConnected struct {
	Peer       crypto.PeerID
	Connection ConnectionID
}

func (EventConnected) isEvent() {}

// Service is the connection engine's front end. All peerset state lives
// behind one mutex; background tasks never touch it and communicate only
// through the results channel, which NextEvent drains.
type Service struct {
	cfg      Config
	key      *crypto.NoiseKey
	logger   *slog.Logger
	resolver Resolver
	spawn    func(task func())

	// guardedMu protects the peerset and is never held across blocking
	// channel operations other than bounded command enqueues.
	guardedMu sync.Mutex
	peerset   *Peerset

	// recvSem serializes results-channel consumers; a semaphore rather than
	// a mutex so a waiting caller can still honor its context.
	recvSem chan struct{}
	results chan backgroundEvent

	closed      chan struct{}
	closeOnce   sync.Once
	listeners   []net.Listener
	listenAddrs []Multiaddr

	metrics *networkMetrics
}

// NewService starts the network service: the peerset is seeded from the
// bootstrap list and one listener task is spawned per listen address.
// Listener failures are reported per address and do not prevent startup;
// dialing still works with every listener broken.
func NewService(cfg Config) (*Service, []*InitError) {
	if cfg.NoiseKey == nil {
		panic("p2p: Config.NoiseKey is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "p2p")
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = DefaultResolver()
	}
	spawn := cfg.Spawn
	if spawn == nil {
		spawn = func(task func()) { go task() }
	}
	seed := cfg.RandomnessSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Service{
		cfg:      cfg,
		key:      cfg.NoiseKey,
		logger:   logger,
		resolver: resolver,
		spawn:    spawn,
		peerset:  NewPeerset(PeersetConfig{RandomnessSeed: seed, NumOverlays: 1}),
		recvSem:  make(chan struct{}, 1),
		results:  make(chan backgroundEvent, resultsChannelSize),
		closed:   make(chan struct{}),
		metrics:  newNetworkMetrics(),
	}

	for _, boot := range cfg.BootstrapPeers {
		s.peerset.AddKnownAddress(boot.ID, boot.Addr)
		s.peerset.AddToOverlay(boot.ID, overlayBootstrap)
	}

	var initErrs []*InitError
	for _, addr := range cfg.ListenAddresses {
		target, err := addr.listenTarget()
		if err != nil {
			initErrs = append(initErrs, &InitError{Addr: addr, Cause: err})
			continue
		}
		ln, err := net.Listen("tcp", target)
		if err != nil {
			initErrs = append(initErrs, &InitError{Addr: addr, Bind: err})
			continue
		}
		s.listeners = append(s.listeners, ln)
		bound := boundMultiaddr(ln, addr)
		s.listenAddrs = append(s.listenAddrs, bound)
		s.spawn(func() { s.listenerTask(ln, bound) })
		logger.Info("listening", "addr", bound.String())
	}
	return s, initErrs
}

// boundMultiaddr rebuilds the listen multiaddress from the socket's actual
// address, so a port-zero request reports the assigned port.
func boundMultiaddr(ln net.Listener, requested Multiaddr) Multiaddr {
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return requested
	}
	requested.port = uint16(tcpAddr.Port)
	return requested
}

// ListenAddrs returns the multiaddresses the service is actually listening
// on, with assigned ports filled in.
func (s *Service) ListenAddrs() []Multiaddr {
	return append([]Multiaddr(nil), s.listenAddrs...)
}

// LocalPeerID returns the node's own identity.
func (s *Service) LocalPeerID() crypto.PeerID { return s.key.PeerID() }

// sendBackground delivers one event from a background task to the service,
// blocking when the results channel is full so a slow front end exerts
// backpressure on every task.
func (s *Service) sendBackground(ev backgroundEvent) {
	select {
	case s.results <- ev:
	case <-s.closed:
	}
}

// AddKnownPeer records a reachable address for a peer and makes it a dial
// candidate on the bootstrap overlay.
func (s *Service) AddKnownPeer(id crypto.PeerID, addr Multiaddr) {
	s.guardedMu.Lock()
	defer s.guardedMu.Unlock()
	s.peerset.AddKnownAddress(id, addr)
	s.peerset.AddToOverlay(id, overlayBootstrap)
}

// ConnectionCount returns the number of established connections, inbound and
// outbound alike. Attempts still in their handshake are not counted.
func (s *Service) ConnectionCount() int {
	s.guardedMu.Lock()
	defer s.guardedMu.Unlock()
	return s.peerset.NumEstablished()
}

// NextEvent returns the next front-end event, blocking until one happens or
// the context ends. Calling it is what drives the service: slot filling and
// all internal bookkeeping run on the caller's goroutine, so a node that
// stops calling NextEvent stops dialing.
func (s *Service) NextEvent(ctx context.Context) (Event, error) {
	select {
	case s.recvSem <- struct{}{}:
		defer func() { <-s.recvSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrServiceClosed
	}

	for {
		s.fillOutSlots()

		var ev backgroundEvent
		select {
		case ev = <-s.results:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closed:
			return nil, ErrServiceClosed
		}

		if front := s.processBackground(ev); front != nil {
			return front, nil
		}
	}
}

// processBackground applies one background event to the peerset and returns
// a front-end event when one results.
func (s *Service) processBackground(ev backgroundEvent) Event {
	switch ev := ev.(type) {
	case evNewConnection:
		handle := newConnHandle()
		s.guardedMu.Lock()
		pid := s.peerset.AddInboundAttempt(handle)
		s.guardedMu.Unlock()
		s.logger.Debug("inbound connection", "pending", uint64(pid), "remote", ev.conn.RemoteAddr().String())
		conn := ev.conn
		s.spawn(func() { s.connectionTask(pid, handle, false, Multiaddr{}, conn) })
		return nil

	case evHandshakeError:
		s.guardedMu.Lock()
		s.peerset.RemoveAndPurge(ev.pending)
		s.guardedMu.Unlock()
		s.logger.Debug("connection attempt failed", "pending", uint64(ev.pending), "kind", ev.err.Kind.String(), "error", ev.err)
		return nil

	case evHandshakeSuccess:
		s.guardedMu.Lock()
		cid, err := s.peerset.Promote(ev.pending, ev.peer)
		s.guardedMu.Unlock()
		if err != nil {
			close(ev.accept)
			return nil
		}
		ev.accept <- cid
		s.metrics.connectionOpened()
		return EventConnected{Peer: ev.peer, Connection: cid}

	case evDisconnected:
		s.guardedMu.Lock()
		_, removed := s.peerset.RemoveConnection(ev.conn)
		s.guardedMu.Unlock()
		if removed {
			s.metrics.connectionClosed()
			s.logger.Debug("disconnected", "conn", uint64(ev.conn))
		}
		return nil

	case evNotificationsOpenResult:
		s.logger.Debug("block announces open result", "conn", uint64(ev.conn), "error", ev.err)
		return nil
	case evNotificationsCloseResult:
		s.logger.Debug("block announces closed", "conn", uint64(ev.conn))
		return nil
	case evNotificationsOpenDesired:
		// The remote wants announces from us; oblige.
		s.enqueueByConn(ev.conn, cmdOpenNotifications{})
		return nil
	case evNotificationsCloseDesired:
		s.enqueueByConn(ev.conn, cmdCloseNotifications{})
		return nil
	}
	return nil
}

// fillOutSlots starts at most one outbound attempt per call, toward a random
// overlay member with no existing connection or attempt. Addresses that
// cannot be turned into a socket target are pruned from the peerset on the
// way.
func (s *Service) fillOutSlots() {
	s.guardedMu.Lock()
	defer s.guardedMu.Unlock()

	peer, ok := s.peerset.RandomNotConnected(overlayBootstrap)
	if !ok {
		return
	}
	// One attempt per dialable known address of the chosen peer;
	// undialable addresses are pruned instead of dialed.
	for _, addr := range s.peerset.KnownAddresses(peer) {
		if err := addr.socketTarget(); err != nil {
			s.logger.Debug("pruning undialable address", "peer", string(peer), "addr", addr.String(), "error", err)
			s.peerset.RemoveKnownAddress(peer, addr)
			continue
		}
		handle := newConnHandle()
		pid, err := s.peerset.AddOutboundAttempt(peer, addr, handle)
		if err != nil {
			continue
		}
		target := addr
		s.metrics.recordDial()
		s.logger.Debug("dialing", "peer", string(peer), "addr", target.String(), "pending", uint64(pid))
		s.spawn(func() { s.connectionTask(pid, handle, true, target, nil) })
	}
}

// connHandleFor locates the task handle of any established connection to the
// peer. Callers hold guardedMu.
func (s *Service) connHandleFor(peer crypto.PeerID) (*connHandle, error) {
	if !s.peerset.Known(peer) {
		return nil, ErrPeerUnknown
	}
	cid, ok := s.peerset.FirstConnection(peer)
	if !ok {
		return nil, ErrNotConnected
	}
	data, _ := s.peerset.ConnectionUserData(cid)
	handle, ok := data.(*connHandle)
	if !ok {
		return nil, ErrNotConnected
	}
	return handle, nil
}

// BlocksRequest sends a block-sync request to the peer and waits for the
// response. Failures of one request, a rejected or undecodable response
// included, never affect the connection carrying it.
func (s *Service) BlocksRequest(ctx context.Context, peer crypto.PeerID, cfg protocol.BlocksRequestConfig) ([]protocol.BlockData, error) {
	select {
	case <-s.closed:
		return nil, ErrServiceClosed
	default:
	}

	reply := make(chan blocksReply, 1)

	s.guardedMu.Lock()
	handle, err := s.connHandleFor(peer)
	if err != nil {
		s.guardedMu.Unlock()
		return nil, err
	}
	// Enqueue while holding the lock so commands from one front-end caller
	// reach the task in order.
	select {
	case handle.commands <- cmdBlocksRequest{config: cfg, reply: reply}:
	case <-handle.done:
		s.guardedMu.Unlock()
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		s.guardedMu.Unlock()
		return nil, ctx.Err()
	}
	s.guardedMu.Unlock()

	select {
	case res := <-reply:
		return res.blocks, res.err
	case <-handle.done:
		// The task resolves every accepted request before exiting; prefer
		// that answer when both are ready.
		select {
		case res := <-reply:
			return res.blocks, res.err
		default:
			return nil, ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue sends one fire-and-forget command to the peer's connection task.
func (s *Service) enqueue(peer crypto.PeerID, cmd connCommand) error {
	s.guardedMu.Lock()
	defer s.guardedMu.Unlock()
	handle, err := s.connHandleFor(peer)
	if err != nil {
		return err
	}
	select {
	case handle.commands <- cmd:
		return nil
	case <-handle.done:
		return ErrConnectionClosed
	}
}

// enqueueByConn is enqueue keyed by connection id, for internal replies to
// remote-initiated substream events. Commands to dead connections are
// dropped.
func (s *Service) enqueueByConn(cid ConnectionID, cmd connCommand) {
	s.guardedMu.Lock()
	data, ok := s.peerset.ConnectionUserData(cid)
	s.guardedMu.Unlock()
	if !ok {
		return
	}
	handle, ok := data.(*connHandle)
	if !ok {
		return
	}
	// Non-blocking: this runs on the event-drain path and must not wait on
	// a busy task. A dropped open/close reply is recovered by the remote
	// retrying.
	select {
	case handle.commands <- cmd:
	case <-handle.done:
	default:
	}
}

// OpenBlockAnnounces asks the peer's connection task to open the
// block-announce substream. The outcome is handled internally.
func (s *Service) OpenBlockAnnounces(peer crypto.PeerID) error {
	return s.enqueue(peer, cmdOpenNotifications{})
}

// CloseBlockAnnounces closes the block-announce substream toward the peer.
func (s *Service) CloseBlockAnnounces(peer crypto.PeerID) error {
	return s.enqueue(peer, cmdCloseNotifications{})
}

// SendBlockAnnounce queues one announce toward the peer. The payload is
// dropped if the substream is not open.
func (s *Service) SendBlockAnnounce(peer crypto.PeerID, payload []byte) error {
	return s.enqueue(peer, cmdSendNotification{payload: payload})
}

// Close shuts the service down: listeners stop, every connection task tears
// down, and all front-end operations return ErrServiceClosed. Close is
// idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, ln := range s.listeners {
			ln.Close()
		}
		s.logger.Info("service closed")
	})
	return nil
}
