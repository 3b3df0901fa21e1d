package replication

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Constellation/internal/apex"
	"Constellation/internal/types"
)

// CursorReport is where a follower stands, sent to the alpha when the
// connection opens and again after a rejected portion.
type CursorReport struct {
	Quanta     uint64 // Quanta is the last apex received on the quanta stream
	Signatures uint64 // Signatures is the last apex received on the signatures stream
	Proposed   uint64 // Proposed is the last alpha proposal the follower processed
}

// Cursor returns the report's position on stream.
func (r CursorReport) Cursor(stream apex.Stream) uint64 {
	if stream == apex.StreamSignatures {
		return r.Signatures
	}

	return r.Quanta
}

// Highest returns the last apex the follower knows to exist.
func (r CursorReport) Highest() uint64 {
	return max(r.Quanta, r.Signatures, r.Proposed)
}

// MarshalCursorReport encodes a cursor report.
func MarshalCursorReport(r CursorReport) []byte {
	builder := flatbuffers.NewBuilder(40)

	types.CursorReportStart(builder)
	types.CursorReportAddQuantaApex(builder, r.Quanta)
	types.CursorReportAddSignaturesApex(builder, r.Signatures)
	types.CursorReportAddProposedApex(builder, r.Proposed)
	builder.Finish(types.CursorReportEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalCursorReport decodes a cursor report.
func UnmarshalCursorReport(data []byte) (r CursorReport, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed cursor report: %v", rec)
		}
	}()

	if len(data) < 8 {
		return r, fmt.Errorf("cursor report too short: %d bytes", len(data))
	}

	fb := types.GetRootAsCursorReport(data, 0)

	return CursorReport{
		Quanta:     fb.QuantaApex(),
		Signatures: fb.SignaturesApex(),
		Proposed:   fb.ProposedApex(),
	}, nil
}

// MarshalPortionAck encodes a follower's acknowledgement of a pushed portion.
func MarshalPortionAck(stream apex.Stream, lastApex uint64) []byte {
	builder := flatbuffers.NewBuilder(32)

	types.PortionAckStart(builder)
	types.PortionAckAddStream(builder, uint8(stream))
	types.PortionAckAddLastApex(builder, lastApex)
	builder.Finish(types.PortionAckEnd(builder))

	return builder.FinishedBytes()
}

// UnmarshalPortionAck decodes an acknowledgement.
func UnmarshalPortionAck(data []byte) (stream apex.Stream, lastApex uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed portion ack: %v", r)
		}
	}()

	if len(data) < 8 {
		return 0, 0, fmt.Errorf("portion ack too short: %d bytes", len(data))
	}

	fb := types.GetRootAsPortionAck(data, 0)

	return apex.Stream(fb.Stream()), fb.LastApex(), nil
}

// MarshalPortionRequest asks a follower for the portion of stream following
// cursor. It shares the PortionAck layout.
func MarshalPortionRequest(stream apex.Stream, cursor uint64) []byte {
	return MarshalPortionAck(stream, cursor)
}

// UnmarshalPortionRequest decodes a portion request.
func UnmarshalPortionRequest(data []byte) (apex.Stream, uint64, error) {
	stream, cursor, err := UnmarshalPortionAck(data)
	if err != nil {
		return 0, 0, err
	}

	if int(stream) >= len(apex.Streams) {
		return 0, 0, fmt.Errorf("unknown stream %d", stream)
	}

	return stream, cursor, nil
}
