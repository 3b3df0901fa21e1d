package quantum

import (
	"bytes"
	"errors"
	"testing"
)

func testQuantum(apex uint64) *Quantum {
	q := &Quantum{
		Apex:      apex,
		Kind:      KindRequest,
		Payload:   []byte("order:buy:10"),
		Timestamp: 1_700_000_000_000,
		Initiator: []byte("client-1"),
	}
	q.Seal()

	return q
}

func TestComputeHash_BindsApex(t *testing.T) {
	a := testQuantum(1)
	b := testQuantum(2)

	if a.PayloadHash == b.PayloadHash {
		t.Fatal("same payload at different apexes must hash differently")
	}

	if !a.Verify() {
		t.Error("sealed quantum should verify")
	}

	a.Payload = []byte("order:buy:11")
	if a.Verify() {
		t.Error("tampered payload should not verify")
	}
}

func TestComputeHash_FieldBoundaries(t *testing.T) {
	a := &Quantum{Apex: 1, Payload: []byte("ab"), Initiator: []byte("c")}
	b := &Quantum{Apex: 1, Payload: []byte("a"), Initiator: []byte("bc")}

	if a.ComputeHash() == b.ComputeHash() {
		t.Error("shifting bytes between fields must change the hash")
	}
}

func TestQuantumRecord_KeepsAlphaSignature(t *testing.T) {
	q := testQuantum(42)
	alpha := NodeSignature{AuditorID: 0, PayloadSignature: bytes.Repeat([]byte{0xAA}, 96)}

	rec, err := UnmarshalQuantumRecord(MarshalQuantumRecord(q, alpha))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if rec.Quantum.Apex != 42 || rec.Quantum.PayloadHash != q.PayloadHash {
		t.Errorf("quantum = %d/%x, want 42/%x", rec.Quantum.Apex, rec.Quantum.PayloadHash[:4], q.PayloadHash[:4])
	}

	if !bytes.Equal(rec.AlphaSignature.PayloadSignature, alpha.PayloadSignature) {
		t.Error("alpha signature lost")
	}

	if rec.AlphaSignature.TxSignature != nil {
		t.Error("absent tx signature should decode as nil")
	}
}

func TestPersisted_SignatureOrder(t *testing.T) {
	p := &Persisted{
		Quantum: testQuantum(7),
		Signatures: []NodeSignature{
			{AuditorID: 0, PayloadSignature: []byte{1}},
			{AuditorID: 2, PayloadSignature: []byte{2}, TxSignature: []byte{9}, TxSigner: []byte{8}},
			{AuditorID: 1, PayloadSignature: []byte{3}},
		},
		Effects: []Effect{{Account: []byte("acc"), Kind: 3, Data: []byte("d")}},
	}

	got, err := UnmarshalPersisted(MarshalPersisted(p))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(got.Signatures) != 3 {
		t.Fatalf("signatures = %d, want 3", len(got.Signatures))
	}

	for i, want := range []uint8{0, 2, 1} {
		if got.Signatures[i].AuditorID != want {
			t.Errorf("signature %d auditor = %d, want %d", i, got.Signatures[i].AuditorID, want)
		}
	}

	if !bytes.Equal(got.Signatures[1].TxSigner, []byte{8}) {
		t.Error("tx signer lost")
	}

	if len(got.Effects) != 1 || string(got.Effects[0].Account) != "acc" {
		t.Errorf("effects = %+v", got.Effects)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	garbage := []byte{0xFF, 0xFF, 0xFF, 0x7F, 0x01, 0x02, 0x03, 0x04, 0x05}

	if _, err := UnmarshalQuantumRecord(garbage); err == nil {
		t.Error("garbage record should fail to decode")
	}

	if _, err := UnmarshalSignatureRecord([]byte{1, 2}); err == nil {
		t.Error("short record should fail to decode")
	}
}

func TestEffectsByAccount(t *testing.T) {
	r := &Result{
		Quantum: testQuantum(3),
		Effects: []Effect{
			{Account: []byte("a"), Kind: 1},
			{Account: []byte("b"), Kind: 1},
			{Account: []byte("a"), Kind: 2},
		},
	}

	grouped := r.EffectsByAccount()

	if len(grouped["a"]) != 2 || len(grouped["b"]) != 1 {
		t.Errorf("grouped = %v", grouped)
	}
}

func TestSubmission_Validate(t *testing.T) {
	cases := []struct {
		name string
		s    Submission
		ok   bool
	}{
		{"request", Submission{Kind: KindRequest, Payload: []byte("p"), Initiator: []byte("c")}, true},
		{"withdrawal with tx", Submission{Kind: KindWithdrawal, Payload: []byte("p"), Initiator: []byte("c"), Transaction: []byte("tx")}, true},
		{"unknown kind", Submission{Kind: 9, Payload: []byte("p"), Initiator: []byte("c")}, false},
		{"empty payload", Submission{Kind: KindRequest, Initiator: []byte("c")}, false},
		{"no initiator", Submission{Kind: KindRequest, Payload: []byte("p")}, false},
		{"withdrawal without tx", Submission{Kind: KindWithdrawal, Payload: []byte("p"), Initiator: []byte("c")}, false},
		{"deposit with tx", Submission{Kind: KindDeposit, Payload: []byte("p"), Initiator: []byte("c"), Transaction: []byte("tx")}, false},
		{"oversized payload", Submission{Kind: KindRequest, Payload: make([]byte, MaxPayloadSize+1), Initiator: []byte("c")}, false},
	}

	for _, c := range cases {
		err := c.s.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: err = %v, want ok=%v", c.name, err, c.ok)
		}
	}
}

func TestSubmission_RoundTrip(t *testing.T) {
	in := &Submission{Kind: KindWithdrawal, Payload: []byte("50 BTC"), Initiator: []byte("client-7"), Transaction: []byte("raw-tx")}

	out, err := UnmarshalSubmission(MarshalSubmission(in))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.Kind != in.Kind || !bytes.Equal(out.Transaction, in.Transaction) {
		t.Errorf("submission = %+v, want %+v", out, in)
	}

	q := out.Quantum(12, 1_700_000_000_000)
	if q.Apex != 12 || !q.Verify() {
		t.Error("quantum built from a submission should carry the apex and be sealed")
	}
}

func TestSubmitResponse(t *testing.T) {
	apex, err := UnmarshalSubmitResponse(MarshalSubmitResponse(77, nil))
	if err != nil || apex != 77 {
		t.Errorf("accepted response = %d, %v, want 77, nil", apex, err)
	}

	if _, err := UnmarshalSubmitResponse(MarshalSubmitResponse(0, errNotAlpha)); err == nil {
		t.Error("rejection should decode as an error")
	}
}

var errNotAlpha = errors.New("not the alpha")
