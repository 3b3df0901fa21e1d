package quorum

import (
	"sync"

	"Constellation/internal/constellation"
	"Constellation/internal/quantum"
)

// MessageKey identifies a message by type and id rather than by apex.
type MessageKey struct {
	Type uint8
	ID   uint64
}

// Envelope accumulates signatures over one payload hash of a message.
type Envelope struct {
	Key         MessageKey
	PayloadHash quantum.Hash
	Signatures  []quantum.NodeSignature
}

// envelopeSet holds every candidate payload of one message.
type envelopeSet struct {
	mu        sync.Mutex
	byHash    map[quantum.Hash]*Envelope
	processed map[uint8]struct{}
}

// MajorityManager is the message-keyed aggregator that predates ResultManager.
// It uses the same quorum arithmetic but only forgets a message on Remove.
type MajorityManager struct {
	membership Membership
	pending    sync.Map // pending maps MessageKey to *envelopeSet
}

// NewMajorityManager creates a message-keyed aggregator.
func NewMajorityManager(membership Membership) *MajorityManager {
	return &MajorityManager{membership: membership}
}

// Add merges a signature over hash for key. Signatures from ids outside the
// membership are not counted. It returns the decision for the best-supported
// payload and, on success, a copy of its envelope.
func (m *MajorityManager) Add(key MessageKey, hash quantum.Hash, sig quantum.NodeSignature) (Decision, *Envelope) {
	v, _ := m.pending.LoadOrStore(key, &envelopeSet{
		byHash:    make(map[quantum.Hash]*Envelope),
		processed: make(map[uint8]struct{}),
	})
	set := v.(*envelopeSet)

	set.mu.Lock()
	defer set.mu.Unlock()

	pub, member := m.membership.AuditorKey(sig.AuditorID)
	if !member {
		return m.decideLocked(set)
	}

	if _, ok := set.processed[sig.AuditorID]; ok {
		return m.decideLocked(set)
	}
	set.processed[sig.AuditorID] = struct{}{}

	if constellation.Verify(sig.PayloadSignature, hash[:], pub) {
		env, ok := set.byHash[hash]
		if !ok {
			env = &Envelope{Key: key, PayloadHash: hash}
			set.byHash[hash] = env
		}
		env.Signatures = append(env.Signatures, sig)
	}

	return m.decideLocked(set)
}

// decideLocked decides on the envelope with the most signatures.
func (m *MajorityManager) decideLocked(set *envelopeSet) (Decision, *Envelope) {
	var best *Envelope
	for _, env := range set.byHash {
		if best == nil || len(env.Signatures) > len(best.Signatures) {
			best = env
		}
	}

	valid := 0
	if best != nil {
		valid = len(best.Signatures)
	}

	d := Decide(valid, len(set.processed), m.membership.TotalAuditors(), m.membership.RequiredMajority())
	if d != DecisionSuccess {
		return d, nil
	}

	out := &Envelope{Key: best.Key, PayloadHash: best.PayloadHash}
	out.Signatures = append(out.Signatures, best.Signatures...)

	return d, out
}

// Tally returns, for key, the signature count of the best-supported payload
// and the number of auditors heard from.
func (m *MajorityManager) Tally(key MessageKey) (valid, processed int) {
	v, ok := m.pending.Load(key)
	if !ok {
		return 0, 0
	}
	set := v.(*envelopeSet)

	set.mu.Lock()
	defer set.mu.Unlock()

	for _, env := range set.byHash {
		valid = max(valid, len(env.Signatures))
	}

	return valid, len(set.processed)
}

// Remove forgets key.
func (m *MajorityManager) Remove(key MessageKey) {
	m.pending.Delete(key)
}

// Len returns the number of tracked messages.
func (m *MajorityManager) Len() int {
	n := 0
	m.pending.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}
