package apex

import "fmt"

// Stream selects one of the two replicated sequences.
type Stream uint8

const (
	StreamQuanta     Stream = iota // StreamQuanta carries quanta with the alpha signature
	StreamSignatures               // StreamSignatures carries the remaining auditor signatures
)

// Streams lists every stream in a fixed order.
var Streams = [...]Stream{StreamQuanta, StreamSignatures}

// String returns the stream name used in logs and metric labels.
func (s Stream) String() string {
	switch s {
	case StreamQuanta:
		return "quanta"
	case StreamSignatures:
		return "signatures"
	default:
		return fmt.Sprintf("stream(%d)", uint8(s))
	}
}

// BatchID returns the id of the batch holding apex.
func BatchID(apex, batchSize uint64) uint64 {
	return apex - apex%batchSize
}
