package quantum

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Constellation/internal/types"
)

const (
	// MaxPayloadSize is the largest accepted request body.
	MaxPayloadSize = 64 << 10

	// MaxInitiatorSize is the largest accepted client identifier.
	MaxInitiatorSize = 64

	// MaxTransactionSize is the largest accepted withdrawal transaction.
	MaxTransactionSize = 16 << 10
)

// Submission is a client request before the alpha assigns it an apex.
type Submission struct {
	Kind        Kind
	Payload     []byte
	Initiator   []byte
	Transaction []byte
}

// Validate checks the structural rules every submission must satisfy.
// Business rules belong to quantum processing, not here.
func (s *Submission) Validate() error {
	if s.Kind < KindRequest || s.Kind > KindConstellation {
		return fmt.Errorf("unknown kind %d", s.Kind)
	}

	if len(s.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}

	if len(s.Payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d", len(s.Payload), MaxPayloadSize)
	}

	if len(s.Initiator) == 0 || len(s.Initiator) > MaxInitiatorSize {
		return fmt.Errorf("invalid initiator size: %d", len(s.Initiator))
	}

	switch {
	case s.Kind == KindWithdrawal && len(s.Transaction) == 0:
		return fmt.Errorf("withdrawal requires a transaction")
	case s.Kind != KindWithdrawal && len(s.Transaction) > 0:
		return fmt.Errorf("%s cannot carry a transaction", s.Kind)
	case len(s.Transaction) > MaxTransactionSize:
		return fmt.Errorf("transaction too large: %d > %d", len(s.Transaction), MaxTransactionSize)
	}

	return nil
}

// Quantum builds the quantum for apex, stamped at timestamp and sealed.
func (s *Submission) Quantum(apex uint64, timestamp int64) *Quantum {
	q := &Quantum{
		Apex:        apex,
		Kind:        s.Kind,
		Payload:     s.Payload,
		Timestamp:   timestamp,
		Initiator:   s.Initiator,
		Transaction: s.Transaction,
	}
	q.Seal()

	return q
}

// MarshalSubmission encodes a SubmitRequest table.
func MarshalSubmission(s *Submission) []byte {
	builder := flatbuffers.NewBuilder(len(s.Payload) + len(s.Transaction) + 64)

	payload := builder.CreateByteVector(s.Payload)
	initiator := builder.CreateByteVector(s.Initiator)

	var tx flatbuffers.UOffsetT
	if len(s.Transaction) > 0 {
		tx = builder.CreateByteVector(s.Transaction)
	}

	types.SubmitRequestStart(builder)
	types.SubmitRequestAddKind(builder, uint8(s.Kind))
	types.SubmitRequestAddPayload(builder, payload)
	types.SubmitRequestAddInitiator(builder, initiator)
	if tx != 0 {
		types.SubmitRequestAddTransaction(builder, tx)
	}
	builder.Finish(types.SubmitRequestEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalSubmission decodes and validates a SubmitRequest table.
func UnmarshalSubmission(data []byte) (s *Submission, err error) {
	defer recoverDecode("submission", &err)

	if len(data) < 8 {
		return nil, fmt.Errorf("submission too short: %d bytes", len(data))
	}

	fb := types.GetRootAsSubmitRequest(data, 0)

	s = &Submission{
		Kind:        Kind(fb.Kind()),
		Payload:     copyBytes(fb.PayloadBytes()),
		Initiator:   copyBytes(fb.InitiatorBytes()),
		Transaction: copyBytes(fb.TransactionBytes()),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// MarshalSubmitResponse encodes the alpha's answer: the assigned apex or a rejection.
func MarshalSubmitResponse(apex uint64, rejection error) []byte {
	builder := flatbuffers.NewBuilder(64)

	var msg flatbuffers.UOffsetT
	if rejection != nil {
		msg = builder.CreateString(rejection.Error())
	}

	types.SubmitResponseStart(builder)
	types.SubmitResponseAddApex(builder, apex)
	if msg != 0 {
		types.SubmitResponseAddError(builder, msg)
	}
	builder.Finish(types.SubmitResponseEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalSubmitResponse decodes the alpha's answer. A rejection is returned as an error.
func UnmarshalSubmitResponse(data []byte) (apex uint64, err error) {
	defer recoverDecode("submit response", &err)

	if len(data) < 8 {
		return 0, fmt.Errorf("submit response too short: %d bytes", len(data))
	}

	fb := types.GetRootAsSubmitResponse(data, 0)
	if msg := fb.Error(); len(msg) > 0 {
		return 0, fmt.Errorf("rejected: %s", msg)
	}

	return fb.Apex(), nil
}
