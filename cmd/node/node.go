package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"Constellation/internal/api"
	"Constellation/internal/apex"
	"Constellation/internal/constellation"
	"Constellation/internal/logger"
	"Constellation/internal/metrics"
	"Constellation/internal/network"
	"Constellation/internal/persistence"
	"Constellation/internal/quorum"
	"Constellation/internal/replication"
	"Constellation/internal/storage"
)

// Node represents a running constellation auditor.
type Node struct {
	cfg        *Config
	log        *slog.Logger
	storage    *storage.Storage
	metrics    *metrics.Metrics
	state      *constellation.State
	membership *constellation.Membership
	keys       *constellation.KeyPair
	selfID     uint8

	store       *persistence.Store
	scheduler   *persistence.Scheduler
	replication *replication.Storage
	cursors     *replication.CursorTable
	pusher      *replication.Pusher
	applier     *replication.Applier
	quorum      *quorum.ResultManager
	sequencer   *apex.Sequencer
	proposals   *proposalQueue
	recovery    *recovery // recovery is the alpha's catch-up after a restart, nil on followers
	network     *network.Node
	api         *api.Server

	submitMu  sync.Mutex    // submitMu keeps apex assignment and attachment in order
	failed    chan error    // failed receives the cause when the node fails
	stop      chan struct{} // stop ends the node's own loops
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode creates and initializes a new node. Persisted data is replayed here,
// so the node leaves this function in StateRising.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		log:     logger.With("component", "node"),
		metrics: metrics.New(),
		state:   constellation.NewState(),
		failed:  make(chan error, 1),
		stop:    make(chan struct{}),
	}

	n.state.Subscribe(func(_, next constellation.NodeState) {
		if next != constellation.StateFailed {
			return
		}
		select {
		case n.failed <- n.state.Cause():
		default:
		}
	})

	if err := n.initIdentity(); err != nil {
		return nil, err
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.state.Set(constellation.StateRising); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initPersistence(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initReplication(); err != nil {
		n.Close()
		return nil, err
	}

	n.initQuorum()
	n.initAPI()

	return n, nil
}

// isAlpha reports whether this node currently assigns apexes.
func (n *Node) isAlpha() bool {
	return n.membership.AlphaID() == n.selfID
}

// Run starts the node and blocks until a shutdown signal or a fatal condition.
func (n *Node) Run() error {
	n.setupMessageHandlers()
	n.setupRequestHandlers()
	n.setupConnectionHandlers()

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.scheduler.Start()
	n.quorum.Start()

	if n.isAlpha() {
		n.pusher.Start()
	}

	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	n.connectToAuditors()

	if err := n.state.Set(constellation.StateRunning); err != nil {
		return err
	}

	if n.isAlpha() {
		n.wg.Add(1)
		go n.recoverLoop()
	}

	return n.waitForShutdown()
}

// connectToAuditors dials every other auditor of the constellation until it answers.
func (n *Node) connectToAuditors() {
	var addrs []string

	for _, a := range n.membership.Auditors() {
		if a.ID == n.selfID || a.Address == "" {
			continue
		}
		addrs = append(addrs, a.Address)
	}

	n.network.Join(addrs)
}

// checkReady moves a catching-up follower to ready once it is connected to the
// alpha and no proposal waits behind a gap.
func (n *Node) checkReady() {
	if n.state.Current() != constellation.StateRunning {
		return
	}

	if n.network.GetAuditor(n.membership.AlphaID()) == nil || n.proposals.Len() > 0 {
		return
	}

	n.setReady()
}

// setReady moves the node to ready.
func (n *Node) setReady() {
	if err := n.state.Set(constellation.StateReady); err != nil {
		n.log.Warn("state transition", "error", err)
	}
}

// Status implements api.StatusProvider.
func (n *Node) Status() api.Status {
	return api.Status{
		State:          n.state.Current().String(),
		AuditorID:      n.selfID,
		Alpha:          n.membership.AlphaID(),
		Auditors:       n.membership.TotalAuditors(),
		Majority:       n.membership.RequiredMajority(),
		ConsensusHead:  n.quorum.Head(),
		QuantaHead:     n.replication.Head(apex.StreamQuanta),
		SignaturesHead: n.replication.Head(apex.StreamSignatures),
		LastPersisted:  n.scheduler.LastPersisted(),
		PendingFlush:   n.scheduler.Pending(),
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received or the node fails.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		return n.Close()

	case cause := <-n.failed:
		logger.Error("shutting down after fatal condition", "error", cause)
		n.Close()
		return fmt.Errorf("node failed:\n%w", cause)
	}
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	n.closeOnce.Do(n.close)
	return nil
}

func (n *Node) close() {
	close(n.stop)
	n.wg.Wait()

	if n.api != nil {
		n.api.Stop()
	}

	if n.pusher != nil {
		n.pusher.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.quorum != nil {
		n.quorum.Stop()
	}

	if n.scheduler != nil {
		n.scheduler.Stop()
	}

	if n.replication != nil {
		n.replication.Stop()
	}

	if n.storage != nil {
		n.storage.Close()
	}
}
