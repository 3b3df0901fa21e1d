package quorum

import (
	"fmt"
	"sync"

	"Constellation/internal/constellation"
	"Constellation/internal/quantum"
)

// AggregateState is the lifecycle of one apex.
type AggregateState uint8

const (
	StatePending      AggregateState = iota // StatePending has no local result yet
	StateAccumulating                       // StateAccumulating has a local result and collects signatures
	StateFinalized                          // StateFinalized reached quorum; terminal
	StateUnreachable                        // StateUnreachable can no longer reach quorum; terminal
)

// String returns the state name.
func (s AggregateState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccumulating:
		return "accumulating"
	case StateFinalized:
		return "finalized"
	case StateUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// outcome is what a locked decision asks the caller to do once unlocked.
type outcome struct {
	finalize   bool
	item       *quantum.Result
	signatures []quantum.NodeSignature
	failure    error
}

// Aggregate collects the signatures of one apex and finalizes it at most once.
// Signatures that arrive before the local result are buffered as outrun and
// replayed when the result is attached.
type Aggregate struct {
	apex uint64
	mgr  *ResultManager

	mu         sync.Mutex
	state      AggregateState
	item       *quantum.Result
	signatures []quantum.NodeSignature // signatures holds valid signatures, alpha first
	hasAlpha   bool
	processed  map[uint8]struct{}     // processed holds auditors heard from, valid or not
	outrun     []quantum.NodeSignature
}

// newAggregate creates an empty aggregate for apex.
func newAggregate(apex uint64, mgr *ResultManager) *Aggregate {
	return &Aggregate{
		apex:      apex,
		mgr:       mgr,
		processed: make(map[uint8]struct{}),
	}
}

// Apex returns the aggregate's apex.
func (a *Aggregate) Apex() uint64 {
	return a.apex
}

// State returns the current lifecycle state.
func (a *Aggregate) State() AggregateState {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// Result returns the attached local result, or nil.
func (a *Aggregate) Result() *quantum.Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.item
}

// Signatures returns a copy of the valid signatures, alpha first.
func (a *Aggregate) Signatures() []quantum.NodeSignature {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]quantum.NodeSignature, len(a.signatures))
	copy(out, a.signatures)

	return out
}

// attach sets the local result with this node's own signature, then replays
// outrun signatures and decides.
func (a *Aggregate) attach(result *quantum.Result, own quantum.NodeSignature) error {
	a.mu.Lock()

	if a.item != nil {
		a.mu.Unlock()
		return fmt.Errorf("result for apex %d already attached", a.apex)
	}

	a.item = result
	a.state = StateAccumulating
	result.Acknowledge()

	a.addLocked(own, true)

	outrun := a.outrun
	a.outrun = nil
	for _, sig := range outrun {
		a.addLocked(sig, false)
	}

	out := a.decideLocked()
	a.mu.Unlock()

	a.mgr.apply(a, out)

	return nil
}

// add merges a remote signature and decides.
func (a *Aggregate) add(sig quantum.NodeSignature) {
	a.mu.Lock()
	a.addLocked(sig, false)
	out := a.decideLocked()
	a.mu.Unlock()

	a.mgr.apply(a, out)
}

// addLocked records sig. Signatures from non-members and duplicate auditors
// are ignored, signatures without a local result are buffered, invalid
// signatures count as processed but are dropped.
func (a *Aggregate) addLocked(sig quantum.NodeSignature, trusted bool) {
	if a.state == StateFinalized || a.state == StateUnreachable {
		return
	}

	if _, ok := a.mgr.membership.AuditorKey(sig.AuditorID); !ok {
		a.mgr.metrics.DroppedSignatures.Inc()
		a.mgr.log.Debug("dropped signature of a non-member", "apex", a.apex, "auditor", sig.AuditorID)
		return
	}

	if _, ok := a.processed[sig.AuditorID]; ok {
		return
	}

	if a.item == nil {
		a.outrun = append(a.outrun, sig)
		a.mgr.metrics.OutrunSignatures.Inc()
		return
	}

	a.processed[sig.AuditorID] = struct{}{}

	if !trusted && !a.verify(sig) {
		a.mgr.metrics.DroppedSignatures.Inc()
		a.mgr.log.Debug("dropped invalid signature", "apex", a.apex, "auditor", sig.AuditorID)
		return
	}

	if sig.AuditorID == a.mgr.membership.AlphaID() {
		a.signatures = append([]quantum.NodeSignature{sig}, a.signatures...)
		a.item.Signatures = append([]quantum.NodeSignature{sig}, a.item.Signatures...)
		a.hasAlpha = true
		return
	}

	a.signatures = append(a.signatures, sig)
	a.item.Signatures = append(a.item.Signatures, sig)
}

// verify checks sig against the payload hash with the auditor's current key.
func (a *Aggregate) verify(sig quantum.NodeSignature) bool {
	key, ok := a.mgr.membership.AuditorKey(sig.AuditorID)
	if !ok {
		return false
	}

	hash := a.item.Quantum.PayloadHash

	return constellation.Verify(sig.PayloadSignature, hash[:], key)
}

// decideLocked recomputes the quorum decision. Success additionally requires the
// alpha signature; an alpha that was heard from but failed verification makes
// the apex unreachable.
func (a *Aggregate) decideLocked() outcome {
	if a.state != StateAccumulating {
		return outcome{}
	}

	total := a.mgr.membership.TotalAuditors()
	required := a.mgr.membership.RequiredMajority()
	decision := Decide(len(a.signatures), len(a.processed), total, required)

	_, alphaHeard := a.processed[a.mgr.membership.AlphaID()]
	alphaRejected := alphaHeard && !a.hasAlpha

	switch {
	case decision == DecisionSuccess && a.hasAlpha:
		a.state = StateFinalized

		sigs := make([]quantum.NodeSignature, len(a.signatures))
		copy(sigs, a.signatures)

		return outcome{finalize: true, item: a.item, signatures: sigs}

	case decision == DecisionUnreachable || alphaRejected:
		a.state = StateUnreachable

		return outcome{failure: &UnreachableError{
			Apex:        a.apex,
			Kind:        a.item.Quantum.Kind,
			Valid:       len(a.signatures),
			Processed:   len(a.processed),
			Total:       total,
			Required:    required,
			AlphaSigned: a.hasAlpha,
		}}
	}

	return outcome{}
}
