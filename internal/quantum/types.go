package quantum

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// Kind identifies what a quantum carries.
type Kind uint8

const (
	KindRequest      Kind = iota + 1 // KindRequest is a client order or transfer request
	KindDeposit                      // KindDeposit credits an account from a payment provider
	KindWithdrawal                   // KindWithdrawal carries a blockchain transaction to co-sign
	KindConstellation                // KindConstellation updates the auditor set
)

// String returns the human-readable kind name used in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	case KindConstellation:
		return "constellation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// Quantum is one unit of ordered, consensus-bound work. Immutable once created.
type Quantum struct {
	Apex        uint64 // Apex is the sequence number assigned by the alpha
	Kind        Kind   // Kind is the payload type
	Payload     []byte // Payload is the opaque request body
	PayloadHash Hash   // PayloadHash is what auditors sign
	Timestamp   int64  // Timestamp is the alpha's unix milliseconds at apex assignment
	Initiator   []byte // Initiator identifies the originating client
	Transaction []byte // Transaction is the blockchain transaction of a withdrawal, if any
}

// ComputeHash returns BLAKE3(apex || kind || timestamp || payload || initiator || transaction).
// The apex is bound in so identical requests at different apexes sign differently.
func (q *Quantum) ComputeHash() Hash {
	h := blake3.New()

	var header [17]byte
	binary.BigEndian.PutUint64(header[0:8], q.Apex)
	header[8] = byte(q.Kind)
	binary.BigEndian.PutUint64(header[9:17], uint64(q.Timestamp))
	h.Write(header[:])

	writeField(h, q.Payload)
	writeField(h, q.Initiator)
	writeField(h, q.Transaction)

	var out Hash
	h.Sum(out[:0])

	return out
}

// writeField writes a length-prefixed field so adjacent fields cannot alias.
func writeField(h *blake3.Hasher, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// Seal sets the payload hash from the current content.
func (q *Quantum) Seal() {
	q.PayloadHash = q.ComputeHash()
}

// Verify reports whether the stored payload hash matches the content.
func (q *Quantum) Verify() bool {
	return q.ComputeHash() == q.PayloadHash
}

// NodeSignature is one auditor's signature over a quantum payload hash.
type NodeSignature struct {
	AuditorID        uint8  // AuditorID is the signer's small constellation id
	PayloadSignature []byte // PayloadSignature is the BLS signature over the payload hash
	TxSignature      []byte // TxSignature co-signs the withdrawal transaction, if any
	TxSigner         []byte // TxSigner is the blockchain key that produced TxSignature
}

// Effect is a per-account consequence of processing a quantum.
type Effect struct {
	Account []byte // Account is the affected account identifier
	Kind    uint8  // Kind is the effect type, owned by the processing layer
	Data    []byte // Data is the effect payload
}

// Result is the local node's processing result for one quantum.
// Signatures is the payload-proof list; the alpha signature is always first.
type Result struct {
	Quantum    *Quantum
	Effects    []Effect
	Signatures []NodeSignature

	acknowledged atomic.Bool
	finalized    atomic.Bool
}

// Apex returns the apex of the underlying quantum.
func (r *Result) Apex() uint64 {
	return r.Quantum.Apex
}

// Acknowledge marks the result as signed by the local node.
func (r *Result) Acknowledge() {
	r.acknowledged.Store(true)
}

// Acknowledged reports whether the local node has signed the result.
func (r *Result) Acknowledged() bool {
	return r.acknowledged.Load()
}

// Finalize marks the result as consensus-final.
func (r *Result) Finalize() {
	r.finalized.Store(true)
}

// Finalized reports whether the result reached quorum.
func (r *Result) Finalized() bool {
	return r.finalized.Load()
}

// EffectsByAccount groups effects by account for client notification.
func (r *Result) EffectsByAccount() map[string][]Effect {
	grouped := make(map[string][]Effect)

	for _, e := range r.Effects {
		key := string(e.Account)
		grouped[key] = append(grouped[key], e)
	}

	return grouped
}
