package main

import (
	"fmt"

	"Constellation/internal/apex"
	"Constellation/internal/network"
	"Constellation/internal/replication"
)

// reportCursors tells the alpha where this follower's replication streams and
// live pipeline stand.
func (n *Node) reportCursors(peer *network.Peer) {
	report := replication.CursorReport{
		Quanta:     n.applier.Cursor(apex.StreamQuanta),
		Signatures: n.applier.Cursor(apex.StreamSignatures),
		Proposed:   n.proposals.Processed(),
	}

	if err := peer.Send(network.Frame(msgCursorReport, replication.MarshalCursorReport(report))); err != nil {
		n.log.Warn("cursor report failed", "peer", peer, "error", err)
		return
	}

	n.log.Debug("cursors reported", "quanta", report.Quanta, "signatures", report.Signatures, "proposed", report.Proposed)
}

// handlePortion applies a portion pushed by the alpha and acknowledges the new
// cursor. A portion that leaves a gap means the alpha lost track of this
// follower, so the cursors are reported again.
func (n *Node) handlePortion(peer *network.Peer, body []byte) ([]byte, error) {
	if id, ok := peer.AuditorID(); !ok || id != n.membership.AlphaID() {
		return nil, fmt.Errorf("portion from non-alpha peer")
	}

	stream, cursor, err := n.applier.Apply(body)
	if err != nil {
		n.log.Warn("apply portion", "stream", stream, "cursor", cursor, "error", err)
		n.reportCursors(peer)
		return nil, err
	}

	n.proposals.Sync()
	n.checkReady()

	return replication.MarshalPortionAck(stream, cursor), nil
}

// coveredByReplication returns the last apex the live pipeline can skip:
// everything up to it is persisted or was received through replication.
func (n *Node) coveredByReplication() uint64 {
	return max(n.applier.Cursor(apex.StreamQuanta), n.scheduler.LastPersisted())
}
