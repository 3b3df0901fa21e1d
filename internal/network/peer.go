package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Constellation/internal/logger"
)

const (
	// defaultRequestTimeout bounds a Request whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// sendTimeout bounds opening and writing a one-way message.
	sendTimeout = 10 * time.Second
)

// Peer is a live connection to an auditor or a client.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote transport identity
	address   string            // address is the remote address
	auditorID uint8             // auditorID is the constellation id when auditor is set
	auditor   bool              // auditor is set when the identity belongs to the constellation
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the owning node
	closed    atomic.Bool       // closed is set once the connection is gone
}

// PublicKey returns the remote transport identity.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// AuditorID returns the peer's constellation id and whether it is an auditor.
func (p *Peer) AuditorID() (uint8, bool) {
	return p.auditorID, p.auditor
}

// String identifies the peer in logs.
func (p *Peer) String() string {
	if p.auditor {
		return fmt.Sprintf("auditor-%d@%s", p.auditorID, p.address)
	}

	return fmt.Sprintf("client-%x@%s", p.publicKey[:4], p.address)
}

// Send delivers one message on its own unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p)
	}

	ctx, cancel := context.WithTimeout(p.node.ctx, sendTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream to %s:\n%w", p, err)
	}

	stream.SetWriteDeadline(time.Now().Add(sendTimeout))

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write to %s:\n%w", p, err)
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and returns the remote
// handler's answer, which acknowledges data.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer %s is closed", p)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open request stream to %s:\n%w", p, err)
	}
	defer stream.Close()

	deadline, _ := ctx.Deadline()
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop serves the connection until it drops, then reports the disconnect.
func (p *Peer) receiveLoop() {
	ctx, cancel := context.WithCancel(p.node.ctx)
	defer cancel()

	go func() {
		for {
			stream, err := p.conn.AcceptStream(ctx)
			if err != nil {
				return
			}

			go p.answer(stream)
		}
	}()

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p, "error", err)
			break
		}

		go p.deliver(stream)
	}

	if !p.closed.Swap(true) {
		p.node.handlePeerDisconnect(p)
	}
}

// answer serves one request. A handler error resets the stream without a
// response, which the requester sees as a failed request.
func (p *Peer) answer(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		logger.Debug("request rejected", "peer", p, "error", err)
		stream.CancelWrite(1)
		return
	}

	writeMessage(stream, response)
}

// deliver reads one message and hands it to the message handler. Messages the
// node deduplicates are dropped when this peer already sent the same bytes
// within the dedup window.
func (p *Peer) deliver(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p, "error", err)
		return
	}

	if p.node.deduplicate(data) && !p.node.dedup.Check(p.publicKey, data) {
		return
	}

	p.node.callOnMessage(p, data)
}
