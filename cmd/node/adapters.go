package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"Constellation/internal/apex"
	"Constellation/internal/network"
	"Constellation/internal/quantum"
	"Constellation/internal/replication"
)

// logNotifier delivers client notifications to the log.
type logNotifier struct {
	log *slog.Logger
}

// NotifyEffects logs the effects of one account.
func (l *logNotifier) NotifyEffects(account []byte, effects []quantum.Effect) {
	l.log.Debug("effects", "account", string(account), "count", len(effects))
}

// Deliver logs a finalized result for its initiator.
func (l *logNotifier) Deliver(initiator []byte, result *quantum.Result) {
	l.log.Info("quantum finalized",
		"apex", result.Apex(),
		"kind", result.Quantum.Kind,
		"initiator", string(initiator),
		"signatures", len(result.Signatures),
	)
}

// localBridge co-signs withdrawal transactions with the node's ed25519 key.
// Submission to the external chain is recorded in the log only.
type localBridge struct {
	priv ed25519.PrivateKey
	log  *slog.Logger
}

// SignTransaction signs the BLAKE3 digest of tx.
func (b *localBridge) SignTransaction(tx []byte) ([]byte, []byte, error) {
	if len(tx) == 0 {
		return nil, nil, fmt.Errorf("empty transaction")
	}

	digest := blake3.Sum256(tx)

	return ed25519.Sign(b.priv, digest[:]), b.priv.Public().(ed25519.PublicKey), nil
}

// SubmitTransaction checks the co-signatures and records the submission.
func (b *localBridge) SubmitTransaction(tx []byte, signatures []quantum.NodeSignature) error {
	digest := blake3.Sum256(tx)

	valid := 0
	for _, s := range signatures {
		if len(s.TxSigner) == ed25519.PublicKeySize && ed25519.Verify(s.TxSigner, digest[:], s.TxSignature) {
			valid++
		}
	}

	if valid == 0 {
		return fmt.Errorf("no valid transaction signature")
	}

	b.log.Info("withdrawal submitted", "tx", hex.EncodeToString(digest[:8]), "signatures", valid)

	return nil
}

// peerFollower pushes portions to a connected auditor.
type peerFollower struct {
	id   uint8
	peer *network.Peer
}

// ID returns the follower's auditor id.
func (f *peerFollower) ID() uint8 {
	return f.id
}

// Push sends the portion as a request and decodes the acknowledgement.
func (f *peerFollower) Push(ctx context.Context, stream apex.Stream, b *apex.Batch) (uint64, error) {
	resp, err := f.peer.Request(ctx, network.Frame(msgPortion, b.Data))
	if err != nil {
		return 0, fmt.Errorf("push to %s:\n%w", f.peer, err)
	}

	acked, last, err := replication.UnmarshalPortionAck(resp)
	if err != nil {
		return 0, err
	}

	if acked != stream {
		return 0, fmt.Errorf("ack for %s, pushed %s", acked, stream)
	}

	return last, nil
}

// auditorFollowers lists connected auditors other than this node.
type auditorFollowers struct {
	network *network.Node
	selfID  uint8
}

// Followers implements replication.FollowerSet.
func (s *auditorFollowers) Followers() []replication.Follower {
	peers := s.network.Auditors()
	out := make([]replication.Follower, 0, len(peers))

	for _, p := range peers {
		id, _ := p.AuditorID()
		if id == s.selfID {
			continue
		}
		out = append(out, &peerFollower{id: id, peer: p})
	}

	return out
}
