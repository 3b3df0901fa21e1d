package main

import (
	"fmt"

	"Constellation/internal/apex"
	"Constellation/internal/network"
	"Constellation/internal/quantum"
	"Constellation/internal/replication"
)

// setupMessageHandlers configures handlers for one-way messages.
func (n *Node) setupMessageHandlers() {
	n.network.OnMessage(func(peer *network.Peer, data []byte) {
		msgType, body, err := network.Unframe(data)
		if err != nil {
			n.log.Debug("dropped message", "from", peer, "error", err)
			return
		}

		switch msgType {
		case msgProposal:
			err = n.handleProposal(peer, body)
		case msgSignature:
			err = n.handleSignature(peer, body)
		case msgCursorReport:
			err = n.handleCursorReport(peer, body)
		default:
			err = fmt.Errorf("unexpected message type %d", msgType)
		}

		if err != nil {
			n.log.Debug("rejected message", "type", messageName(msgType), "from", peer, "error", err)
		}
	})
}

// setupRequestHandlers configures bidirectional request handlers.
func (n *Node) setupRequestHandlers() {
	n.network.OnRequest(func(peer *network.Peer, data []byte) ([]byte, error) {
		msgType, body, err := network.Unframe(data)
		if err != nil {
			return nil, err
		}

		switch msgType {
		case msgPortion:
			return n.handlePortion(peer, body)
		case msgSubmit:
			return n.handleSubmit(body), nil
		case msgPull:
			return n.handlePull(peer, body)
		default:
			return nil, fmt.Errorf("unknown request type %d", msgType)
		}
	})
}

// setupConnectionHandlers reports replication cursors to the alpha on connect
// and forgets a follower's cursors when it leaves.
func (n *Node) setupConnectionHandlers() {
	n.network.OnConnect(func(peer *network.Peer) {
		id, ok := peer.AuditorID()
		if !ok {
			return
		}

		n.log.Info("auditor connected", "peer", peer)

		if id == n.membership.AlphaID() && !n.isAlpha() {
			n.reportCursors(peer)
			n.checkReady()
		}
	})

	n.network.OnDisconnect(func(peer *network.Peer) {
		id, ok := peer.AuditorID()
		if !ok {
			return
		}

		n.log.Info("auditor disconnected", "peer", peer)

		if n.isAlpha() {
			n.cursors.Remove(id)
		}
	})
}

// handleProposal accepts a quantum from the alpha.
func (n *Node) handleProposal(peer *network.Peer, body []byte) error {
	if n.isAlpha() {
		return fmt.Errorf("alpha does not accept proposals")
	}

	if id, ok := peer.AuditorID(); !ok || id != n.membership.AlphaID() {
		return fmt.Errorf("proposal from non-alpha peer")
	}

	rec, err := quantum.UnmarshalQuantumRecord(body)
	if err != nil {
		return err
	}

	if !rec.Quantum.Verify() {
		return fmt.Errorf("apex %d: payload hash mismatch", rec.Quantum.Apex)
	}

	if rec.AlphaSignature.AuditorID != n.membership.AlphaID() {
		return fmt.Errorf("apex %d: proposal not signed by the alpha", rec.Quantum.Apex)
	}

	n.proposals.Add(rec)
	n.checkReady()

	return nil
}

// handleSignature merges auditor signatures into the local aggregates.
func (n *Node) handleSignature(peer *network.Peer, body []byte) error {
	from, ok := peer.AuditorID()
	if !ok {
		return fmt.Errorf("signature from a client")
	}

	rec, err := quantum.UnmarshalSignatureRecord(body)
	if err != nil {
		return err
	}

	for _, sig := range rec.Signatures {
		if sig.AuditorID != from {
			return fmt.Errorf("apex %d: auditor %d relayed a signature of %d", rec.Apex, from, sig.AuditorID)
		}

		if err := n.quorum.AddSignature(rec.Apex, sig); err != nil {
			return err
		}
	}

	return nil
}

// handleCursorReport records where a follower stands, so the pusher starts
// serving it and a restarted alpha knows what to recover.
func (n *Node) handleCursorReport(peer *network.Peer, body []byte) error {
	if !n.isAlpha() {
		return fmt.Errorf("cursor report sent to a non-alpha")
	}

	id, ok := peer.AuditorID()
	if !ok {
		return fmt.Errorf("cursor report from a client")
	}

	report, err := replication.UnmarshalCursorReport(body)
	if err != nil {
		return err
	}

	n.cursors.Set(id, apex.StreamQuanta, report.Quanta)
	n.cursors.Set(id, apex.StreamSignatures, report.Signatures)

	if n.recovery != nil {
		n.recovery.Report(id, report)
	}

	n.log.Debug("cursor report", "follower", id, "quanta", report.Quanta, "signatures", report.Signatures, "proposed", report.Proposed)

	return nil
}

// handleSubmit answers a client submission with the assigned apex or a rejection.
func (n *Node) handleSubmit(body []byte) []byte {
	sub, err := quantum.UnmarshalSubmission(body)
	if err != nil {
		return quantum.MarshalSubmitResponse(0, err)
	}

	q, err := n.Submit(sub)
	if err != nil {
		return quantum.MarshalSubmitResponse(0, err)
	}

	return quantum.MarshalSubmitResponse(q.Apex, nil)
}
