package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// registry maps public keys to auditor ids for Identify.
type registry map[string]uint8

func (r registry) add(key ed25519.PrivateKey, id uint8) {
	r[hex.EncodeToString(key.Public().(ed25519.PublicKey))] = id
}

func (r registry) identify(pub ed25519.PublicKey) (uint8, bool) {
	id, ok := r[hex.EncodeToString(pub)]
	return id, ok
}

// startNode creates and starts a node closed at test end.
func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	node, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("started node should report its address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

func TestNewNode_RequiresKeyAndAddress(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: "127.0.0.1:0"}); err == nil {
		t.Error("missing private key should be rejected")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("missing listen address should be rejected")
	}
}

func TestNodeConnect_IdentifiesAuditors(t *testing.T) {
	serverKey := generateTestKey(t)
	clientKey := generateTestKey(t)

	reg := registry{}
	reg.add(serverKey, 0)
	reg.add(clientKey, 3)

	server := startNode(t, Config{PrivateKey: serverKey, Identify: reg.identify})
	client := startNode(t, Config{PrivateKey: clientKey, Identify: reg.identify})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer public key mismatch")
	}

	if id, ok := peer.AuditorID(); !ok || id != 0 {
		t.Errorf("server identity = %d, %v, want 0, true", id, ok)
	}

	waitFor(t, "server to see the auditor", func() bool {
		return server.GetAuditor(3) != nil
	})

	auditors := server.Auditors()
	if len(auditors) != 1 {
		t.Fatalf("server auditors = %d, want 1", len(auditors))
	}

	if client.GetAuditor(0) != peer {
		t.Error("GetAuditor should return the connected peer")
	}

	if client.GetPeer(generateTestKey(t).Public().(ed25519.PublicKey)) != nil {
		t.Error("GetPeer should return nil for unknown key")
	}
}

func TestNodeSendMessage(t *testing.T) {
	server := startNode(t, Config{})

	received := make(chan []byte, 1)
	server.OnMessage(func(p *Peer, data []byte) {
		received <- data
	})

	client := startNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	msg := Frame(7, []byte("signature"))
	if err := peer.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		if !bytes.Equal(data, msg) {
			t.Errorf("received %q, want %q", data, msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not received")
	}
}

func TestBroadcastAuditors_SkipsClients(t *testing.T) {
	hubKey := generateTestKey(t)
	auditorKey := generateTestKey(t)

	reg := registry{}
	reg.add(hubKey, 0)
	reg.add(auditorKey, 1)

	hub := startNode(t, Config{PrivateKey: hubKey, Identify: reg.identify})
	auditor := startNode(t, Config{PrivateKey: auditorKey, Identify: reg.identify})
	client := startNode(t, Config{})

	var auditorGot, clientGot atomic.Int32
	auditor.OnMessage(func(*Peer, []byte) { auditorGot.Add(1) })
	client.OnMessage(func(*Peer, []byte) { clientGot.Add(1) })

	if _, err := auditor.Connect(hub.Addr()); err != nil {
		t.Fatalf("auditor connect: %v", err)
	}

	if _, err := client.Connect(hub.Addr()); err != nil {
		t.Fatalf("client connect: %v", err)
	}

	waitFor(t, "hub to see both peers", func() bool {
		return len(hub.Peers()) == 2
	})

	if err := hub.BroadcastAuditors([]byte("quantum")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, "auditor delivery", func() bool {
		return auditorGot.Load() == 1
	})

	time.Sleep(100 * time.Millisecond)

	if clientGot.Load() != 0 {
		t.Errorf("client received %d auditor broadcasts, want 0", clientGot.Load())
	}
}

func TestNodeDedupDropsRepeats(t *testing.T) {
	server := startNode(t, Config{})

	var count atomic.Int32
	server.OnMessage(func(*Peer, []byte) { count.Add(1) })

	client := startNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := peer.Send([]byte("same")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if err := peer.Send([]byte("other")); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "two distinct messages", func() bool {
		return count.Load() == 2
	})

	time.Sleep(100 * time.Millisecond)

	if count.Load() != 2 {
		t.Errorf("delivered %d messages, want 2", count.Load())
	}
}

func TestNodeDedup_IdenticalMessagesFromDistinctPeers(t *testing.T) {
	server := startNode(t, Config{})

	var count atomic.Int32
	server.OnMessage(func(*Peer, []byte) { count.Add(1) })

	report := Frame(3, []byte("quanta=0 signatures=0"))

	for i := 0; i < 2; i++ {
		follower := startNode(t, Config{})

		peer, err := follower.Connect(server.Addr())
		if err != nil {
			t.Fatalf("connect follower %d: %v", i, err)
		}

		if err := peer.Send(report); err != nil {
			t.Fatalf("send from follower %d: %v", i, err)
		}
	}

	waitFor(t, "both reports", func() bool {
		return count.Load() == 2
	})
}

func TestNodeDedup_SelectedTypesOnly(t *testing.T) {
	server := startNode(t, Config{
		Deduplicate: func(data []byte) bool { return len(data) > 0 && data[0] == 1 },
	})

	var proposals, reports atomic.Int32
	server.OnMessage(func(_ *Peer, data []byte) {
		switch data[0] {
		case 1:
			proposals.Add(1)
		case 3:
			reports.Add(1)
		}
	})

	client := startNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := peer.Send(Frame(1, []byte("proposal"))); err != nil {
			t.Fatalf("send proposal: %v", err)
		}

		if err := peer.Send(Frame(3, []byte("cursor"))); err != nil {
			t.Fatalf("send report: %v", err)
		}
	}

	waitFor(t, "every repeated report", func() bool {
		return reports.Load() == 3
	})

	time.Sleep(100 * time.Millisecond)

	if proposals.Load() != 1 {
		t.Errorf("delivered %d proposals, want 1", proposals.Load())
	}
}

func TestRequestResponse(t *testing.T) {
	server := startNode(t, Config{})
	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return append([]byte("ack:"), data...), nil
	})

	client := startNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	response, err := peer.Request(context.Background(), []byte("portion"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if want := []byte("ack:portion"); !bytes.Equal(response, want) {
		t.Errorf("response = %q, want %q", response, want)
	}
}

func TestRequest_HandlerErrorFails(t *testing.T) {
	server := startNode(t, Config{})
	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return nil, errors.New("not an auditor")
	})

	client := startNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("portion")); err == nil {
		t.Error("rejected request should return an error")
	}
}

func TestRequestTimeout(t *testing.T) {
	server := startNode(t, Config{})
	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})

	client := startNode(t, Config{})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected timeout error")
	}
}

func TestJoin_RetriesUntilListening(t *testing.T) {
	// Reserve a port, release it, and start the server there later.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()

	serverKey := generateTestKey(t)
	reg := registry{}
	reg.add(serverKey, 0)

	client := startNode(t, Config{Identify: reg.identify, ReconnectDelay: 50 * time.Millisecond})

	connected := make(chan *Peer, 1)
	client.OnConnect(func(p *Peer) { connected <- p })

	client.Join([]string{addr, ""})

	time.Sleep(150 * time.Millisecond)
	startNode(t, Config{PrivateKey: serverKey, ListenAddr: addr})

	select {
	case p := <-connected:
		if id, ok := p.AuditorID(); !ok || id != 0 {
			t.Errorf("joined peer = %d, %v, want auditor 0", id, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join never connected")
	}
}

func TestDedup_Basic(t *testing.T) {
	d := NewDedup(0)
	defer d.Close()

	msg := []byte("signature record")
	sender := []byte("auditor-1")

	if !d.Check(sender, msg) {
		t.Error("first check should return true")
	}

	if d.Check(sender, msg) {
		t.Error("second check should return false")
	}

	if !d.Check(sender, []byte("different message")) {
		t.Error("different message should return true")
	}

	if !d.Check([]byte("auditor-2"), msg) {
		t.Error("same message from another sender should return true")
	}

	if d.Len() != 3 {
		t.Errorf("len = %d, want 3", d.Len())
	}
}

func TestDedup_Concurrent(t *testing.T) {
	d := NewDedup(0)
	defer d.Close()

	const numGoroutines = 100
	msg := []byte("same message")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if d.Check(nil, msg) {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("success count: got %d, want 1", successCount.Load())
	}
}

func TestDedup_Expiry(t *testing.T) {
	var clock atomic.Int64
	d := newDedup(time.Second, clock.Load)
	defer d.Close()

	msg := []byte("expiring message")

	if !d.Check(nil, msg) {
		t.Fatal("first check should return true")
	}

	clock.Add(int64(500 * time.Millisecond))
	if d.Check(nil, msg) {
		t.Error("check within ttl should return false")
	}

	if removed := d.cleanup(); removed != 0 {
		t.Errorf("cleanup within ttl removed %d, want 0", removed)
	}

	clock.Add(int64(time.Second))
	if removed := d.cleanup(); removed != 1 {
		t.Errorf("cleanup after ttl removed %d, want 1", removed)
	}

	if !d.Check(nil, msg) {
		t.Error("check after expiry should return true")
	}
}

func TestFrame(t *testing.T) {
	msgType, body, err := Unframe(Frame(4, []byte("ack")))
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}

	if msgType != 4 || string(body) != "ack" {
		t.Errorf("unframe = %d/%q, want 4/ack", msgType, body)
	}

	if _, _, err := Unframe(nil); err == nil {
		t.Error("empty message should be rejected")
	}
}

func TestReadMessage_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], maxMessageSize+1)
	buf.Write(prefix[:])

	if _, err := readMessage(&buf); err == nil {
		t.Error("oversized length prefix should be rejected")
	}

	if err := writeMessage(&buf, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized message should not be written")
	}
}
