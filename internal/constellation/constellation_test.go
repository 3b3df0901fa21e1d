package constellation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
)

func TestKeyPair_SignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	msg := []byte("payload hash")
	sig := kp.Sign(msg)

	if len(sig) != BLSSignatureSize {
		t.Fatalf("signature size = %d, want %d", len(sig), BLSSignatureSize)
	}

	if !Verify(sig, msg, kp.PublicKey()) {
		t.Error("valid signature should verify")
	}

	if Verify(sig, []byte("other"), kp.PublicKey()) {
		t.Error("signature over a different message should not verify")
	}

	if Verify(sig[:10], msg, kp.PublicKey()) {
		t.Error("truncated signature should not verify")
	}
}

func TestDeriveKeyPair_Deterministic(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)

	a, err := DeriveKeyPair(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	b, _ := DeriveKeyPair(priv)

	if hex.EncodeToString(a.PublicKey()) != hex.EncodeToString(b.PublicKey()) {
		t.Error("derivation from the same identity should be deterministic")
	}
}

func TestMembership_Majority(t *testing.T) {
	cases := []struct{ total, want int }{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {7, 4},
	}

	for _, c := range cases {
		if got := MajorityCount(c.total); got != c.want {
			t.Errorf("MajorityCount(%d) = %d, want %d", c.total, got, c.want)
		}
	}
}

func TestMembership_UpdateIsLive(t *testing.T) {
	m, err := NewMembership(0, []*Auditor{{ID: 0}, {ID: 1}, {ID: 2}})
	if err != nil {
		t.Fatalf("new membership: %v", err)
	}

	if m.RequiredMajority() != 2 {
		t.Fatalf("majority = %d, want 2", m.RequiredMajority())
	}

	if err := m.Update(0, []*Auditor{{ID: 0}, {ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if m.TotalAuditors() != 5 || m.RequiredMajority() != 3 {
		t.Errorf("after update total=%d majority=%d, want 5/3", m.TotalAuditors(), m.RequiredMajority())
	}

	if err := m.Update(9, []*Auditor{{ID: 0}}); err == nil {
		t.Error("alpha outside the auditor set should be rejected")
	}
}

func TestParseMembership(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	kp, _ := GenerateKeyPair()

	data := fmt.Sprintf(`{"alpha":1,"auditors":[{"id":1,"pubkey":"%s","bls_pubkey":"%s","address":"127.0.0.1:9000"}]}`,
		hex.EncodeToString(pub), hex.EncodeToString(kp.PublicKey()))

	m, err := ParseMembership([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	id, ok := m.AuditorByPubKey(pub)
	if !ok || id != 1 {
		t.Errorf("AuditorByPubKey = %d, %v, want 1, true", id, ok)
	}

	if _, ok := m.AuditorKey(1); !ok {
		t.Error("bls key should be known")
	}
}

func TestState_FailIsTerminal(t *testing.T) {
	s := NewState()

	var transitions []NodeState
	s.Subscribe(func(_, next NodeState) {
		transitions = append(transitions, next)
	})

	if err := s.Set(StateReady); err != nil {
		t.Fatalf("set ready: %v", err)
	}

	if !s.IsReady() {
		t.Error("ready node should report IsReady")
	}

	cause := errors.New("quorum unreachable")
	s.Fail(cause)
	s.Fail(errors.New("second"))

	if !s.IsFailed() || s.IsReady() {
		t.Errorf("state = %s, want failed", s.Current())
	}

	if !errors.Is(s.Cause(), cause) {
		t.Errorf("cause = %v, want first cause", s.Cause())
	}

	if err := s.Set(StateReady); err == nil {
		t.Error("leaving the failed state should be rejected")
	}

	if len(transitions) != 2 || transitions[1] != StateFailed {
		t.Errorf("transitions = %v, want [ready failed]", transitions)
	}
}
