package main

// Message types, carried in the first byte of every frame.
const (
	msgProposal     byte = iota + 1 // msgProposal is an alpha QuantumRecord, sent to all auditors
	msgSignature                    // msgSignature is an auditor SignatureRecord, sent to all auditors
	msgCursorReport                 // msgCursorReport is a follower's CursorReport, sent to the alpha
	msgPortion                      // msgPortion is a replication portion pushed by the alpha, answered with a PortionAck
	msgSubmit                       // msgSubmit is a client SubmitRequest, answered with a SubmitResponse
	msgPull                         // msgPull is a restarted alpha's portion request, answered with a portion
)

// messageName returns the log name of a message type.
func messageName(msgType byte) string {
	switch msgType {
	case msgProposal:
		return "proposal"
	case msgSignature:
		return "signature"
	case msgCursorReport:
		return "cursor_report"
	case msgPortion:
		return "portion"
	case msgSubmit:
		return "submit"
	case msgPull:
		return "pull"
	default:
		return "unknown"
	}
}

// isBroadcast reports whether data is a proposal or signature broadcast.
// Only broadcasts are deduplicated; cursor reports repeat on purpose.
func isBroadcast(data []byte) bool {
	return len(data) > 0 && (data[0] == msgProposal || data[0] == msgSignature)
}
