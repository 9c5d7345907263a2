package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"lumenchain/crypto"
	"lumenchain/p2p/protocol"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	identity, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cfg.NoiseKey, err = crypto.NewNoiseKey(identity)
	if err != nil {
		t.Fatalf("new noise key: %v", err)
	}
	svc, initErrs := NewService(cfg)
	for _, initErr := range initErrs {
		t.Fatalf("init: %v", initErr)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

// drainEvents runs a service's event loop until the context ends, so a
// listening node keeps accepting and promoting inbound connections.
func drainEvents(ctx context.Context, svc *Service) {
	for {
		if _, err := svc.NextEvent(ctx); err != nil {
			return
		}
	}
}

func TestServiceConnectAndRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	served := []protocol.BlockData{
		{Hash: []byte{0xaa}, Header: []byte("header-1")},
		{Hash: []byte{0xbb}, Header: []byte("header-2")},
	}
	listener := newTestService(t, Config{
		ListenAddresses: []Multiaddr{MustMultiaddr("/ip4/127.0.0.1/tcp/0")},
		BlocksRequestHandler: func(cfg protocol.BlocksRequestConfig) ([]protocol.BlockData, error) {
			if cfg.Desired == 0 {
				return nil, errors.New("empty request")
			}
			return served, nil
		},
	})
	go drainEvents(ctx, listener)

	addrs := listener.ListenAddrs()
	if len(addrs) != 1 {
		t.Fatalf("listener addrs = %v", addrs)
	}

	dialer := newTestService(t, Config{
		BootstrapPeers: []BootstrapPeer{{ID: listener.LocalPeerID(), Addr: addrs[0]}},
	})

	event, err := dialer.NextEvent(ctx)
	if err != nil {
		t.Fatalf("next event: %v", err)
	}
	connected, ok := event.(EventConnected)
	if !ok {
		t.Fatalf("event = %T, want EventConnected", event)
	}
	if connected.Peer != listener.LocalPeerID() {
		t.Fatalf("connected to %q, want %q", connected.Peer, listener.LocalPeerID())
	}
	if got := dialer.ConnectionCount(); got != 1 {
		t.Fatalf("dialer connection count = %d, want 1", got)
	}

	blocks, err := dialer.BlocksRequest(ctx, listener.LocalPeerID(), protocol.BlocksRequestConfig{
		StartNumber: 1,
		Desired:     2,
		Direction:   protocol.Ascending,
		WithHeader:  true,
	})
	if err != nil {
		t.Fatalf("blocks request: %v", err)
	}
	if len(blocks) != 2 || string(blocks[0].Header) != "header-1" {
		t.Fatalf("blocks = %+v", blocks)
	}

	// A handler error yields an empty response, not a failed request or a
	// torn-down connection.
	blocks, err = dialer.BlocksRequest(ctx, listener.LocalPeerID(), protocol.BlocksRequestConfig{
		StartNumber: 1,
		Direction:   protocol.Ascending,
	})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("blocks after handler error = %+v", blocks)
	}
	if got := dialer.ConnectionCount(); got != 1 {
		t.Fatalf("connection count after failed request = %d, want 1", got)
	}
}

func TestServiceIdleWithoutPeers(t *testing.T) {
	svc := newTestService(t, Config{
		ListenAddresses: []Multiaddr{MustMultiaddr("/ip4/127.0.0.1/tcp/0")},
	})

	// With no peers in the overlay there is nothing to dial, so the
	// event loop has nothing to report and waits until the caller
	// gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := svc.NextEvent(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("NextEvent err = %v, want deadline exceeded", err)
	}
	if n := svc.ConnectionCount(); n != 0 {
		t.Fatalf("ConnectionCount() = %d, want 0", n)
	}
}

func TestServiceRequestErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := newTestService(t, Config{})

	unknown := testPeerID(t)
	if _, err := svc.BlocksRequest(ctx, unknown, protocol.BlocksRequestConfig{
		StartNumber: 1, Direction: protocol.Ascending,
	}); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("err = %v, want ErrPeerUnknown", err)
	}

	// A known but unconnected peer fails differently.
	svc.AddKnownPeer(unknown, MustMultiaddr("/ip4/10.255.0.1/tcp/1"))
	if _, err := svc.BlocksRequest(ctx, unknown, protocol.BlocksRequestConfig{
		StartNumber: 1, Direction: protocol.Ascending,
	}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestServicePrunesUndialableAddresses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	peer := testPeerID(t)
	svc := newTestService(t, Config{
		BootstrapPeers: []BootstrapPeer{
			{ID: peer, Addr: MustMultiaddr("/ip4/127.0.0.1/udp/30333")},
			{ID: peer, Addr: MustMultiaddr("/memory/4/tcp/1")},
		},
	})

	// The event itself never comes; slot filling runs on the way in.
	if _, err := svc.NextEvent(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	svc.guardedMu.Lock()
	remaining := svc.peerset.KnownAddresses(peer)
	svc.guardedMu.Unlock()
	if len(remaining) != 0 {
		t.Fatalf("undialable addresses survived: %v", remaining)
	}
}

func TestServiceDialsEveryKnownAddress(t *testing.T) {
	peer := testPeerID(t)
	svc := newTestService(t, Config{
		BootstrapPeers: []BootstrapPeer{
			{ID: peer, Addr: MustMultiaddr("/ip4/127.0.0.1/tcp/1")},
			{ID: peer, Addr: MustMultiaddr("/ip4/127.0.0.1/tcp/2")},
			{ID: peer, Addr: MustMultiaddr("/memory/4/tcp/1")},
		},
	})

	svc.fillOutSlots()

	svc.guardedMu.Lock()
	pendingCount := len(svc.peerset.pending)
	remaining := svc.peerset.KnownAddresses(peer)
	svc.guardedMu.Unlock()
	if pendingCount != 2 {
		t.Fatalf("pending attempts = %d, want one per dialable address", pendingCount)
	}
	if len(remaining) != 2 {
		t.Fatalf("known addresses = %v, want the undialable one pruned", remaining)
	}
}

func TestServiceFailedDialRemovesPending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing listens on the target port; the dial fails fast on loopback.
	peer := testPeerID(t)
	target := MustMultiaddr("/ip4/127.0.0.1/tcp/1")
	svc := newTestService(t, Config{
		BootstrapPeers: []BootstrapPeer{{ID: peer, Addr: target}},
	})

	shortCtx, shortCancel := context.WithTimeout(ctx, 2*time.Second)
	defer shortCancel()
	if _, err := svc.NextEvent(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	svc.guardedMu.Lock()
	pendingCount := len(svc.peerset.pending)
	remaining := svc.peerset.KnownAddresses(peer)
	svc.guardedMu.Unlock()
	if pendingCount != 0 {
		t.Fatalf("pending slots after failed dial = %d, want 0", pendingCount)
	}
	// The failed address was purged, so the peer is not redialed.
	if len(remaining) != 0 {
		t.Fatalf("failed address survived: %v", remaining)
	}
	if got := svc.ConnectionCount(); got != 0 {
		t.Fatalf("connection count = %d, want 0", got)
	}
}

// rawBlockResponder accepts one connection, completes the responder
// handshake, and answers each inbound block-sync request with the next canned
// payload byte-for-byte, so tests control the exact wire bytes a requester
// decodes.
func rawBlockResponder(t *testing.T, key *crypto.NoiseKey, ln net.Listener, replies [][]byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	hs, err := newHandshake(key, false)
	if err != nil {
		t.Errorf("new handshake: %v", err)
		return
	}
	leftover, hsErr := performHandshake(conn, hs)
	if hsErr != nil {
		t.Errorf("handshake: %v", hsErr)
		return
	}
	engine := newConnection(hs.connectionPrototype(), testConnConfig(false))

	out := make([]byte, 65536)
	buf := make([]byte, 4096)
	input := leftover
	if input == nil {
		input = []byte{}
	}
	for len(replies) > 0 {
		for {
			res, err := engine.ReadWrite(time.Now(), input, out)
			input = []byte{}
			if err != nil {
				return
			}
			if res.BytesWritten > 0 {
				if _, werr := conn.Write(out[:res.BytesWritten]); werr != nil {
					return
				}
			}
			if req, ok := res.Event.(EventRequestIn); ok {
				engine.RespondInbound(req.StreamID, replies[0])
				replies = replies[1:]
				continue
			}
			if res.BytesRead == 0 && res.BytesWritten == 0 && res.Event == nil {
				break
			}
		}
		if len(replies) == 0 {
			break
		}
		n, rerr := conn.Read(buf)
		if n > 0 {
			input = buf[:n]
		}
		if rerr != nil && n == 0 {
			return
		}
	}
	// Hold the connection open until the requester goes away.
	io.Copy(io.Discard, conn)
}

func TestServiceRequestDecodeFailureScoped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	responderKey := testNoiseKey(t)
	good, err := protocol.EncodeBlockResponse([]protocol.BlockData{
		{Hash: []byte{0x01}, Header: []byte("header-1")},
	})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	// First reply is undecodable, second is well-formed.
	go rawBlockResponder(t, responderKey, ln, [][]byte{[]byte("not a block response"), good})

	port := ln.Addr().(*net.TCPAddr).Port
	dialer := newTestService(t, Config{
		BootstrapPeers: []BootstrapPeer{{
			ID:   responderKey.PeerID(),
			Addr: MustMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port)),
		}},
	})

	ev, err := dialer.NextEvent(ctx)
	if err != nil {
		t.Fatalf("NextEvent: %v", err)
	}
	connected, ok := ev.(EventConnected)
	if !ok || connected.Peer != responderKey.PeerID() {
		t.Fatalf("event = %#v, want EventConnected from responder", ev)
	}
	go drainEvents(ctx, dialer)

	reqCfg := protocol.BlocksRequestConfig{StartNumber: 1, Desired: 1, Direction: protocol.Ascending}
	if _, err := dialer.BlocksRequest(ctx, connected.Peer, reqCfg); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}

	// The failure is scoped to the one request; the connection survives and
	// keeps serving.
	if n := dialer.ConnectionCount(); n != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", n)
	}
	blocks, err := dialer.BlocksRequest(ctx, connected.Peer, reqCfg)
	if err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
	if len(blocks) != 1 || string(blocks[0].Header) != "header-1" {
		t.Fatalf("blocks = %+v", blocks)
	}
}

func TestServiceBlockAnnounces(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	listener := newTestService(t, Config{
		ListenAddresses: []Multiaddr{MustMultiaddr("/ip4/127.0.0.1/tcp/0")},
	})
	go drainEvents(ctx, listener)

	dialer := newTestService(t, Config{
		BootstrapPeers: []BootstrapPeer{{ID: listener.LocalPeerID(), Addr: listener.ListenAddrs()[0]}},
	})
	go drainEvents(ctx, dialer)

	deadline := time.Now().Add(10 * time.Second)
	for dialer.ConnectionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never established")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := dialer.OpenBlockAnnounces(listener.LocalPeerID()); err != nil {
		t.Fatalf("open block announces: %v", err)
	}
	if err := dialer.SendBlockAnnounce(listener.LocalPeerID(), []byte("block-7")); err != nil {
		t.Fatalf("send block announce: %v", err)
	}
	if err := dialer.CloseBlockAnnounces(listener.LocalPeerID()); err != nil {
		t.Fatalf("close block announces: %v", err)
	}
}

func TestServiceClose(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Config{})
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := svc.NextEvent(ctx); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("NextEvent after close = %v, want ErrServiceClosed", err)
	}
	if _, err := svc.BlocksRequest(ctx, testPeerID(t), protocol.BlocksRequestConfig{
		StartNumber: 1, Direction: protocol.Ascending,
	}); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("BlocksRequest after close = %v, want ErrServiceClosed", err)
	}
}
