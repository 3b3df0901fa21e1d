package quantum

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Constellation/internal/types"
)

// Marshal encodes a quantum as a FlatBuffers Quantum table.
func Marshal(q *Quantum) []byte {
	builder := flatbuffers.NewBuilder(len(q.Payload) + len(q.Transaction) + 128)
	builder.Finish(buildQuantum(builder, q))

	return builder.FinishedBytes()
}

// Unmarshal decodes a FlatBuffers Quantum table.
func Unmarshal(data []byte) (q *Quantum, err error) {
	defer recoverDecode("quantum", &err)

	if len(data) < 8 {
		return nil, fmt.Errorf("quantum too short: %d bytes", len(data))
	}

	fb := types.GetRootAsQuantum(data, 0)

	q = &Quantum{
		Apex:        fb.Apex(),
		Kind:        Kind(fb.Kind()),
		Payload:     copyBytes(fb.PayloadBytes()),
		Timestamp:   fb.Timestamp(),
		Initiator:   copyBytes(fb.InitiatorBytes()),
		Transaction: copyBytes(fb.TransactionBytes()),
	}

	hash := fb.PayloadHashBytes()
	if len(hash) != len(q.PayloadHash) {
		return nil, fmt.Errorf("invalid payload hash length: %d", len(hash))
	}
	copy(q.PayloadHash[:], hash)

	return q, nil
}

// buildQuantum writes a Quantum table into the builder and returns its offset.
func buildQuantum(builder *flatbuffers.Builder, q *Quantum) flatbuffers.UOffsetT {
	payload := builder.CreateByteVector(q.Payload)
	hash := builder.CreateByteVector(q.PayloadHash[:])
	initiator := builder.CreateByteVector(q.Initiator)

	var tx flatbuffers.UOffsetT
	if len(q.Transaction) > 0 {
		tx = builder.CreateByteVector(q.Transaction)
	}

	types.QuantumStart(builder)
	types.QuantumAddApex(builder, q.Apex)
	types.QuantumAddKind(builder, uint8(q.Kind))
	types.QuantumAddPayload(builder, payload)
	types.QuantumAddPayloadHash(builder, hash)
	types.QuantumAddTimestamp(builder, q.Timestamp)
	types.QuantumAddInitiator(builder, initiator)

	if tx != 0 {
		types.QuantumAddTransaction(builder, tx)
	}

	return types.QuantumEnd(builder)
}

// buildSignature writes a NodeSignature table into the builder.
func buildSignature(builder *flatbuffers.Builder, sig NodeSignature) flatbuffers.UOffsetT {
	payloadSig := builder.CreateByteVector(sig.PayloadSignature)

	var txSig, txSigner flatbuffers.UOffsetT
	if len(sig.TxSignature) > 0 {
		txSig = builder.CreateByteVector(sig.TxSignature)
		txSigner = builder.CreateByteVector(sig.TxSigner)
	}

	types.NodeSignatureStart(builder)
	types.NodeSignatureAddAuditorId(builder, sig.AuditorID)
	types.NodeSignatureAddPayloadSignature(builder, payloadSig)

	if txSig != 0 {
		types.NodeSignatureAddTxSignature(builder, txSig)
		types.NodeSignatureAddTxSigner(builder, txSigner)
	}

	return types.NodeSignatureEnd(builder)
}

// buildSignatureVector writes a vector of NodeSignature tables.
// Tables must be created before the vector is started.
func buildSignatureVector(builder *flatbuffers.Builder, sigs []NodeSignature, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(sigs))
	for i, sig := range sigs {
		offsets[i] = buildSignature(builder, sig)
	}

	start(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}

	return builder.EndVector(len(offsets))
}

// readSignature copies a decoded NodeSignature table.
func readSignature(fb *types.NodeSignature) NodeSignature {
	return NodeSignature{
		AuditorID:        fb.AuditorId(),
		PayloadSignature: copyBytes(fb.PayloadSignatureBytes()),
		TxSignature:      copyBytes(fb.TxSignatureBytes()),
		TxSigner:         copyBytes(fb.TxSignerBytes()),
	}
}

// QuantumRecord is an item of the quanta replication stream:
// the quantum plus the alpha's signature over it.
type QuantumRecord struct {
	Quantum        *Quantum
	AlphaSignature NodeSignature
}

// MarshalQuantumRecord encodes a quanta-stream item.
func MarshalQuantumRecord(q *Quantum, alpha NodeSignature) []byte {
	builder := flatbuffers.NewBuilder(len(q.Payload) + 256)

	quantumBytes := builder.CreateByteVector(Marshal(q))
	sig := buildSignature(builder, alpha)

	types.QuantumRecordStart(builder)
	types.QuantumRecordAddApex(builder, q.Apex)
	types.QuantumRecordAddQuantum(builder, quantumBytes)
	types.QuantumRecordAddAlphaSignature(builder, sig)
	builder.Finish(types.QuantumRecordEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalQuantumRecord decodes a quanta-stream item.
func UnmarshalQuantumRecord(data []byte) (rec *QuantumRecord, err error) {
	defer recoverDecode("quantum record", &err)

	if len(data) < 8 {
		return nil, fmt.Errorf("quantum record too short: %d bytes", len(data))
	}

	fb := types.GetRootAsQuantumRecord(data, 0)

	q, err := Unmarshal(fb.QuantumBytes())
	if err != nil {
		return nil, fmt.Errorf("decode quantum:\n%w", err)
	}

	if q.Apex != fb.Apex() {
		return nil, fmt.Errorf("apex mismatch: record %d, quantum %d", fb.Apex(), q.Apex)
	}

	rec = &QuantumRecord{Quantum: q}

	if sig := fb.AlphaSignature(nil); sig != nil {
		rec.AlphaSignature = readSignature(sig)
	}

	return rec, nil
}

// SignatureRecord is an item of the signatures replication stream,
// also used as the body of a signature broadcast.
type SignatureRecord struct {
	Apex       uint64
	Signatures []NodeSignature
}

// MarshalSignatureRecord encodes signatures collected for an apex.
func MarshalSignatureRecord(apex uint64, sigs []NodeSignature) []byte {
	builder := flatbuffers.NewBuilder(128 * (len(sigs) + 1))

	vec := buildSignatureVector(builder, sigs, types.SignatureRecordStartSignaturesVector)

	types.SignatureRecordStart(builder)
	types.SignatureRecordAddApex(builder, apex)
	types.SignatureRecordAddSignatures(builder, vec)
	builder.Finish(types.SignatureRecordEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalSignatureRecord decodes a signature record.
func UnmarshalSignatureRecord(data []byte) (rec *SignatureRecord, err error) {
	defer recoverDecode("signature record", &err)

	if len(data) < 8 {
		return nil, fmt.Errorf("signature record too short: %d bytes", len(data))
	}

	fb := types.GetRootAsSignatureRecord(data, 0)
	rec = &SignatureRecord{Apex: fb.Apex()}

	var sig types.NodeSignature
	for i := 0; i < fb.SignaturesLength(); i++ {
		if fb.Signatures(&sig, i) {
			rec.Signatures = append(rec.Signatures, readSignature(&sig))
		}
	}

	return rec, nil
}

// Persisted is the durable representation of a finalized quantum:
// the quantum, its consensus signature set (alpha first) and its effects.
type Persisted struct {
	Quantum    *Quantum
	Signatures []NodeSignature
	Effects    []Effect
}

// MarshalPersisted encodes the durable model of a finalized quantum.
func MarshalPersisted(p *Persisted) []byte {
	builder := flatbuffers.NewBuilder(len(p.Quantum.Payload) + 512)

	quantumBytes := builder.CreateByteVector(Marshal(p.Quantum))
	sigs := buildSignatureVector(builder, p.Signatures, types.PersistedQuantumStartSignaturesVector)

	effectOffsets := make([]flatbuffers.UOffsetT, len(p.Effects))
	for i, e := range p.Effects {
		account := builder.CreateByteVector(e.Account)
		data := builder.CreateByteVector(e.Data)

		types.EffectStart(builder)
		types.EffectAddAccount(builder, account)
		types.EffectAddKind(builder, e.Kind)
		types.EffectAddData(builder, data)
		effectOffsets[i] = types.EffectEnd(builder)
	}

	types.PersistedQuantumStartEffectsVector(builder, len(effectOffsets))
	for i := len(effectOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(effectOffsets[i])
	}
	effects := builder.EndVector(len(effectOffsets))

	types.PersistedQuantumStart(builder)
	types.PersistedQuantumAddApex(builder, p.Quantum.Apex)
	types.PersistedQuantumAddQuantum(builder, quantumBytes)
	types.PersistedQuantumAddSignatures(builder, sigs)
	types.PersistedQuantumAddEffects(builder, effects)
	builder.Finish(types.PersistedQuantumEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalPersisted decodes the durable model of a finalized quantum.
func UnmarshalPersisted(data []byte) (p *Persisted, err error) {
	defer recoverDecode("persisted quantum", &err)

	if len(data) < 8 {
		return nil, fmt.Errorf("persisted quantum too short: %d bytes", len(data))
	}

	fb := types.GetRootAsPersistedQuantum(data, 0)

	q, err := Unmarshal(fb.QuantumBytes())
	if err != nil {
		return nil, fmt.Errorf("decode quantum:\n%w", err)
	}

	p = &Persisted{Quantum: q}

	var sig types.NodeSignature
	for i := 0; i < fb.SignaturesLength(); i++ {
		if fb.Signatures(&sig, i) {
			p.Signatures = append(p.Signatures, readSignature(&sig))
		}
	}

	var effect types.Effect
	for i := 0; i < fb.EffectsLength(); i++ {
		if fb.Effects(&effect, i) {
			p.Effects = append(p.Effects, Effect{
				Account: copyBytes(effect.AccountBytes()),
				Kind:    effect.Kind(),
				Data:    copyBytes(effect.DataBytes()),
			})
		}
	}

	return p, nil
}

// copyBytes detaches a slice from the FlatBuffers buffer. Returns nil for empty input.
func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// recoverDecode turns a panic from reading a malformed buffer into an error.
func recoverDecode(what string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed %s: %v", what, r)
	}
}
