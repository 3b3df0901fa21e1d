package replication

import (
	"fmt"
	"log/slog"
	"sync"

	"Constellation/internal/apex"
	"Constellation/internal/constellation"
	"Constellation/internal/logger"
	"Constellation/internal/quantum"
	"Constellation/internal/quorum"
)

// Verifier checks that a replicated quantum carries a majority of valid
// signatures. quorum.MajorityManager implements it.
type Verifier interface {
	Add(key quorum.MessageKey, hash quantum.Hash, sig quantum.NodeSignature) (quorum.Decision, *quorum.Envelope)
	Tally(key quorum.MessageKey) (valid, processed int)
	Remove(key quorum.MessageKey)
}

// Sink receives replicated quanta once verified.
type Sink interface {
	Add(p *quantum.Persisted)
}

// Mirror is the local replication storage, fed so this node can serve the
// streams itself.
type Mirror interface {
	AddQuantum(apex uint64, item []byte) error
	AddSignatures(apex uint64, item []byte) error
}

// Processor derives the effects of a replicated quantum.
type Processor func(q *quantum.Quantum) []quantum.Effect

// Membership exposes the constellation a replicated quantum is checked against.
type Membership interface {
	AlphaID() uint8
	AuditorKey(id uint8) ([]byte, bool)
	TotalAuditors() int
	RequiredMajority() int
}

// waiting is a replicated apex whose signatures are still being collected.
type waiting struct {
	record *quantum.QuantumRecord
	raw    []byte
	sigs   []quantum.NodeSignature // sigs arrived on the signatures stream before the quantum
	signed bool                    // signed is set once the signature record arrived
	done   bool                    // done is set once handed to the sink or failed
}

// Applier is the follower side of replication. It consumes portions pushed by
// the alpha, verifies each quantum against its signatures and hands complete
// quanta to persistence. Each stream has its own cursor; streams can run ahead
// of each other. A replicated quantum that cannot be verified halts the node.
type Applier struct {
	members  Membership
	verifier Verifier
	fatal    quorum.FatalReporter
	sink     Sink
	mirror   Mirror
	process  Processor
	log      *slog.Logger

	mu      sync.Mutex
	cursors [2]uint64
	waiting map[uint64]*waiting
	applied uint64 // applied is the highest apex handed to the sink
}

// NewApplier creates an applier resuming after the given apex on both streams.
func NewApplier(members Membership, verifier Verifier, fatal quorum.FatalReporter, sink Sink, mirror Mirror, process Processor, resume uint64) *Applier {
	return &Applier{
		members:  members,
		verifier: verifier,
		fatal:    fatal,
		sink:     sink,
		mirror:   mirror,
		process:  process,
		log:      logger.With("component", "applier"),
		cursors:  [2]uint64{resume, resume},
		waiting:  make(map[uint64]*waiting),
		applied:  resume,
	}
}

// Cursor returns the last received apex of stream.
func (a *Applier) Cursor(stream apex.Stream) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.cursors[stream]
}

// Applied returns the highest apex handed to the sink.
func (a *Applier) Applied() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.applied
}

// Waiting returns the number of apexes still collecting signatures.
func (a *Applier) Waiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, w := range a.waiting {
		if !w.done {
			n++
		}
	}

	return n
}

// Apply consumes one portion blob and returns the stream and its new cursor,
// which is the acknowledgement sent back to the alpha. Items at or below the
// cursor are skipped; a portion starting past the cursor is rejected.
func (a *Applier) Apply(blob []byte) (apex.Stream, uint64, error) {
	d, err := DecodePortion(blob)
	if err != nil {
		return 0, 0, err
	}

	if int(d.Stream) >= len(a.cursors) {
		return 0, 0, fmt.Errorf("unknown stream %d", d.Stream)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cursor := a.cursors[d.Stream]
	if d.Start > cursor {
		return d.Stream, cursor, fmt.Errorf("%s portion (%d, %d] leaves a gap after %d", d.Stream, d.Start, d.LastApex, cursor)
	}

	for i, item := range d.Items {
		at := d.Start + uint64(i) + 1
		if at <= cursor {
			continue
		}

		switch d.Stream {
		case apex.StreamQuanta:
			err = a.applyQuantumLocked(at, item)
		case apex.StreamSignatures:
			err = a.applySignaturesLocked(at, item)
		}

		if err != nil {
			a.cursors[d.Stream] = cursor
			return d.Stream, cursor, err
		}

		cursor = at
	}

	a.cursors[d.Stream] = cursor
	a.pruneLocked()

	return d.Stream, cursor, nil
}

// pruneLocked forgets completed apexes once both streams have passed them.
func (a *Applier) pruneLocked() {
	floor := min(a.cursors[apex.StreamQuanta], a.cursors[apex.StreamSignatures])

	for at, w := range a.waiting {
		if w.done && at <= floor {
			delete(a.waiting, at)
		}
	}
}

// applyQuantumLocked records a quantum and verifies the alpha signature.
func (a *Applier) applyQuantumLocked(at uint64, item []byte) error {
	rec, err := quantum.UnmarshalQuantumRecord(item)
	if err != nil {
		return fmt.Errorf("apex %d:\n%w", at, err)
	}

	if rec.Quantum.Apex != at {
		return fmt.Errorf("record apex %d at position %d", rec.Quantum.Apex, at)
	}

	if !rec.Quantum.Verify() {
		return fmt.Errorf("apex %d: payload hash mismatch", at)
	}

	if alpha := a.members.AlphaID(); rec.AlphaSignature.AuditorID != alpha {
		return fmt.Errorf("apex %d: leading signature from %d, alpha is %d", at, rec.AlphaSignature.AuditorID, alpha)
	}

	w := a.waitingLocked(at)
	if w.done {
		return nil
	}

	w.record = rec
	w.raw = item

	if !a.alphaValid(rec) {
		return a.failLocked(at, w, false)
	}

	a.offerLocked(at, w, rec.AlphaSignature)
	for _, sig := range w.sigs {
		a.offerLocked(at, w, sig)
	}
	w.sigs = nil

	return a.settleLocked(at, w)
}

// applySignaturesLocked records the non-alpha signatures of an apex.
func (a *Applier) applySignaturesLocked(at uint64, item []byte) error {
	rec, err := quantum.UnmarshalSignatureRecord(item)
	if err != nil {
		return fmt.Errorf("apex %d:\n%w", at, err)
	}

	if rec.Apex != at {
		return fmt.Errorf("signature record apex %d at position %d", rec.Apex, at)
	}

	w := a.waitingLocked(at)
	w.signed = true

	if w.record == nil {
		w.sigs = append(w.sigs, rec.Signatures...)
		return nil
	}

	for _, sig := range rec.Signatures {
		a.offerLocked(at, w, sig)
	}

	return a.settleLocked(at, w)
}

// waitingLocked returns the entry of apex at, creating it.
func (a *Applier) waitingLocked(at uint64) *waiting {
	w, ok := a.waiting[at]
	if !ok {
		w = &waiting{}
		a.waiting[at] = w
	}

	return w
}

// alphaValid checks the leading signature of rec with the alpha's key.
func (a *Applier) alphaValid(rec *quantum.QuantumRecord) bool {
	key, ok := a.members.AuditorKey(rec.AlphaSignature.AuditorID)
	if !ok {
		return false
	}

	hash := rec.Quantum.PayloadHash

	return constellation.Verify(rec.AlphaSignature.PayloadSignature, hash[:], key)
}

// offerLocked adds one signature and completes the apex on a majority.
func (a *Applier) offerLocked(at uint64, w *waiting, sig quantum.NodeSignature) {
	if w.done {
		return
	}

	decision, env := a.verifier.Add(verifierKey(at), w.record.Quantum.PayloadHash, sig)
	if decision == quorum.DecisionSuccess && env.Signatures[0].AuditorID == a.members.AlphaID() {
		w.done = true
		a.completeLocked(at, w, env.Signatures)
		a.verifier.Remove(verifierKey(at))
	}
}

// settleLocked fails the node when an apex holding both its quantum and its
// signature record is still not verified: the alpha only replicates
// finalized apexes, so the record can never be completed.
func (a *Applier) settleLocked(at uint64, w *waiting) error {
	if w.done || !w.signed {
		return nil
	}

	return a.failLocked(at, w, true)
}

// failLocked reports an unverifiable replicated apex and returns the error
// that rejects its portion.
func (a *Applier) failLocked(at uint64, w *waiting, alphaSigned bool) error {
	valid, processed := a.verifier.Tally(verifierKey(at))
	a.verifier.Remove(verifierKey(at))
	w.done = true

	err := &quorum.UnreachableError{
		Apex:        at,
		Kind:        w.record.Quantum.Kind,
		Valid:       valid,
		Processed:   processed,
		Total:       a.members.TotalAuditors(),
		Required:    a.members.RequiredMajority(),
		AlphaSigned: alphaSigned,
	}

	a.log.Error("replicated quantum failed verification", "apex", at, "error", err)
	if a.fatal != nil {
		a.fatal.Fail(err)
	}

	return fmt.Errorf("replicated apex %d:\n%w", at, err)
}

// verifierKey keys a replicated apex in the verifier.
func verifierKey(at uint64) quorum.MessageKey {
	return quorum.MessageKey{Type: uint8(apex.StreamQuanta), ID: at}
}

// completeLocked hands a verified quantum to the sink and the local mirror.
func (a *Applier) completeLocked(at uint64, w *waiting, sigs []quantum.NodeSignature) {
	var effects []quantum.Effect
	if a.process != nil {
		effects = a.process(w.record.Quantum)
	}

	a.sink.Add(&quantum.Persisted{
		Quantum:    w.record.Quantum,
		Signatures: sigs,
		Effects:    effects,
	})

	if a.mirror != nil {
		if err := a.mirror.AddQuantum(at, w.raw); err != nil {
			a.log.Warn("mirror quantum failed", "apex", at, "error", err)
		}
		if err := a.mirror.AddSignatures(at, quantum.MarshalSignatureRecord(at, sigs[1:])); err != nil {
			a.log.Warn("mirror signatures failed", "apex", at, "error", err)
		}
	}

	if at > a.applied {
		a.applied = at
	}
}
