package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"Constellation/internal/api"
	"Constellation/internal/quantum"
)

// ErrNotFinalized is returned while a quantum is not yet persisted.
var ErrNotFinalized = errors.New("quantum not finalized")

// Client talks to a constellation node over its HTTP API.
type Client struct {
	baseURL string       // baseURL is the node root, e.g. "http://127.0.0.1:8080"
	http    *http.Client // http performs the requests
}

// Receipt is the alpha's answer to a submission.
type Receipt struct {
	Apex uint64 `json:"apex"` // Apex is the assigned sequence number
	Hash string `json:"hash"` // Hash is the hex payload hash auditors sign
}

// Signature is one auditor signature of a finalized quantum.
type Signature struct {
	AuditorID   uint8  `json:"auditorId"`
	Signature   string `json:"signature"`
	TxSignature string `json:"txSignature,omitempty"`
}

// Effect is one per-account consequence of a finalized quantum.
type Effect struct {
	Account string `json:"account"`
	Kind    uint8  `json:"kind"`
	Data    []byte `json:"data,omitempty"`
}

// Finalized is a quantum as stored by the node.
type Finalized struct {
	Apex       uint64      `json:"apex"`
	Kind       string      `json:"kind"`
	Hash       string      `json:"hash"`
	Timestamp  int64       `json:"timestamp"`
	Initiator  string      `json:"initiator"`
	Payload    []byte      `json:"payload"`
	Signatures []Signature `json:"signatures"`
	Effects    []Effect    `json:"effects,omitempty"`
}

// New creates a client for the node at addr ("host:port").
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit sends a submission to the alpha. A node that is not the alpha
// answers with api.ErrNotAlpha.
func (c *Client) Submit(sub *quantum.Submission) (*Receipt, error) {
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid submission:\n%w", err)
	}

	var r Receipt

	err := c.postBytes("/quanta", quantum.MarshalSubmission(sub), http.StatusAccepted, &r)

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusMisdirectedRequest {
		return nil, api.ErrNotAlpha
	}

	if err != nil {
		return nil, fmt.Errorf("submit:\n%w", err)
	}

	return &r, nil
}

// Quantum fetches a finalized quantum. It returns ErrNotFinalized until the
// apex is durably stored on the node.
func (c *Client) Quantum(apex uint64) (*Finalized, error) {
	var f Finalized

	err := c.get("/quanta/"+strconv.FormatUint(apex, 10), &f)

	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, ErrNotFinalized
	}

	if err != nil {
		return nil, fmt.Errorf("get apex %d:\n%w", apex, err)
	}

	return &f, nil
}

// Status fetches the node status.
func (c *Client) Status() (*api.Status, error) {
	var s api.Status

	if err := c.get("/status", &s); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &s, nil
}

// WaitFinalized polls until apex is finalized or ctx is done, then checks
// that the stored quantum matches the receipt.
func (c *Client) WaitFinalized(ctx context.Context, r *Receipt, poll time.Duration) (*Finalized, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		f, err := c.Quantum(r.Apex)
		switch {
		case err == nil:
			if f.Hash != r.Hash {
				return nil, fmt.Errorf("apex %d finalized with hash %s, submitted %s", r.Apex, f.Hash, r.Hash)
			}
			return f, nil
		case !errors.Is(err, ErrNotFinalized):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HashBytes decodes the receipt hash.
func (r *Receipt) HashBytes() (quantum.Hash, error) {
	var h quantum.Hash

	b, err := hex.DecodeString(r.Hash)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("invalid hash %q", r.Hash)
	}

	copy(h[:], b)

	return h, nil
}
