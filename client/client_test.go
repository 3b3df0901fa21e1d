package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Constellation/internal/api"
	"Constellation/internal/quantum"
)

// fakeNode assigns apexes and finalizes them after a number of reads.
type fakeNode struct {
	mu        sync.Mutex
	alpha     bool
	next      uint64
	quanta    map[uint64]*quantum.Persisted
	readsLeft int
}

func (f *fakeNode) Submit(s *quantum.Submission) (*quantum.Quantum, error) {
	if !f.alpha {
		return nil, api.ErrNotAlpha
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	q := s.Quantum(f.next, 1_700_000_000_000)
	f.quanta[q.Apex] = &quantum.Persisted{
		Quantum:    q,
		Signatures: []quantum.NodeSignature{{AuditorID: 0, PayloadSignature: []byte{1}}, {AuditorID: 1, PayloadSignature: []byte{2}}},
	}

	return q, nil
}

func (f *fakeNode) Load(a uint64) (*quantum.Persisted, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readsLeft > 0 {
		f.readsLeft--
		return nil, nil
	}

	return f.quanta[a], nil
}

func (f *fakeNode) Status() api.Status {
	return api.Status{State: "ready", Auditors: 3, Majority: 2}
}

func startNode(t *testing.T, node *fakeNode) *Client {
	t.Helper()

	srv := httptest.NewServer(api.New(":0", node, node, node, nil).Handler())
	t.Cleanup(srv.Close)

	return New(strings.TrimPrefix(srv.URL, "http://"))
}

func submission() *quantum.Submission {
	return &quantum.Submission{Kind: quantum.KindDeposit, Payload: []byte("credit:5"), Initiator: []byte("acc-9")}
}

func TestSubmitAndWait(t *testing.T) {
	node := &fakeNode{alpha: true, quanta: make(map[uint64]*quantum.Persisted), readsLeft: 2}
	c := startNode(t, node)

	r, err := c.Submit(submission())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if r.Apex != 1 {
		t.Fatalf("apex = %d, want 1", r.Apex)
	}

	if _, err := r.HashBytes(); err != nil {
		t.Fatalf("receipt hash: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f, err := c.WaitFinalized(ctx, r, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if f.Kind != "deposit" || f.Initiator != "acc-9" || len(f.Signatures) != 2 {
		t.Errorf("finalized = %+v", f)
	}
}

func TestSubmit_NotAlpha(t *testing.T) {
	c := startNode(t, &fakeNode{quanta: make(map[uint64]*quantum.Persisted)})

	if _, err := c.Submit(submission()); !errors.Is(err, api.ErrNotAlpha) {
		t.Fatalf("err = %v, want ErrNotAlpha", err)
	}
}

func TestSubmit_InvalidLocally(t *testing.T) {
	c := startNode(t, &fakeNode{alpha: true, quanta: make(map[uint64]*quantum.Persisted)})

	if _, err := c.Submit(&quantum.Submission{Kind: quantum.KindRequest}); err == nil {
		t.Fatal("empty submission should be rejected before sending")
	}
}

func TestQuantum_NotFinalized(t *testing.T) {
	c := startNode(t, &fakeNode{quanta: make(map[uint64]*quantum.Persisted)})

	if _, err := c.Quantum(3); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("err = %v, want ErrNotFinalized", err)
	}

	var se *StatusError
	if _, err := c.Quantum(0); !errors.As(err, &se) || se.Code != 400 {
		t.Fatalf("apex 0: err = %v, want status 400", err)
	}
}

func TestStatus(t *testing.T) {
	c := startNode(t, &fakeNode{quanta: make(map[uint64]*quantum.Persisted)})

	s, err := c.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if s.State != "ready" || s.Majority != 2 {
		t.Errorf("status = %+v", s)
	}
}

func TestWaitFinalized_Cancelled(t *testing.T) {
	c := startNode(t, &fakeNode{alpha: true, quanta: make(map[uint64]*quantum.Persisted), readsLeft: 1 << 30})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.WaitFinalized(ctx, &Receipt{Apex: 1}, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
