package quorum

import (
	"fmt"

	"Constellation/internal/quantum"
)

// Decision is the outcome of a quorum check.
type Decision uint8

const (
	DecisionUnknown     Decision = iota // DecisionUnknown means keep waiting for signatures
	DecisionSuccess                     // DecisionSuccess means the majority signed
	DecisionUnreachable                 // DecisionUnreachable means the majority can no longer be reached
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionUnknown:
		return "unknown"
	case DecisionSuccess:
		return "success"
	case DecisionUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Decide applies the quorum arithmetic. valid is the number of accepted
// signatures, processed the number of auditors heard from (valid or not),
// total the constellation size and required the majority.
func Decide(valid, processed, total, required int) Decision {
	if valid >= required {
		return DecisionSuccess
	}

	remaining := total - processed
	if remaining < 0 {
		remaining = 0
	}

	if valid+remaining < required {
		return DecisionUnreachable
	}

	return DecisionUnknown
}

// Membership exposes the current constellation. Values are read on every
// decision so a membership change affects in-flight apexes.
type Membership interface {
	AlphaID() uint8
	RequiredMajority() int
	TotalAuditors() int
	AuditorKey(id uint8) ([]byte, bool)
}

// Signer produces this node's BLS signature over a payload hash.
type Signer interface {
	Sign(message []byte) []byte
}

// TxBridge co-signs and submits blockchain transactions carried by withdrawals.
type TxBridge interface {
	SignTransaction(tx []byte) (signature, signer []byte, err error)
	SubmitTransaction(tx []byte, signatures []quantum.NodeSignature) error
}

// Persister receives finalized quanta for durable storage.
type Persister interface {
	Add(p *quantum.Persisted)
}

// Replicator receives finalized quanta and signatures for follower catch-up.
type Replicator interface {
	AddQuantum(apex uint64, item []byte) error
	AddSignatures(apex uint64, item []byte) error
}

// Notifier delivers effects and results to clients.
type Notifier interface {
	NotifyEffects(account []byte, effects []quantum.Effect)
	Deliver(initiator []byte, result *quantum.Result)
}

// FatalReporter halts the node on a consensus-breaking condition.
type FatalReporter interface {
	Fail(err error)
}

// UnreachableError reports an apex whose majority can no longer be reached.
type UnreachableError struct {
	Apex        uint64       // Apex is the failed apex
	Kind        quantum.Kind // Kind is the quantum type
	Valid       int          // Valid is the number of accepted signatures
	Processed   int          // Processed is the number of auditors heard from
	Total       int          // Total is the constellation size
	Required    int          // Required is the majority
	AlphaSigned bool         // AlphaSigned reports whether a valid alpha signature was collected
}

// Error implements error.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("quorum unreachable for apex %d (%s): %d valid of %d processed, %d auditors, %d required, alpha signed %t",
		e.Apex, e.Kind, e.Valid, e.Processed, e.Total, e.Required, e.AlphaSigned)
}
