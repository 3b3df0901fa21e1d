package main

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"

	"Constellation/internal/api"
	"Constellation/internal/apex"
	"Constellation/internal/constellation"
	"Constellation/internal/logger"
	"Constellation/internal/network"
	"Constellation/internal/persistence"
	"Constellation/internal/quorum"
	"Constellation/internal/replication"
	"Constellation/internal/storage"
)

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initIdentity loads the constellation and locates this node in it.
func (n *Node) initIdentity() error {
	membership, err := constellation.LoadMembership(n.cfg.ConstellationPath)
	if err != nil {
		return fmt.Errorf("load constellation:\n%w", err)
	}

	keys, err := constellation.DeriveKeyPair(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	pub := n.cfg.PrivateKey.Public().(ed25519.PublicKey)

	id, ok := membership.AuditorByPubKey(pub)
	if !ok {
		return fmt.Errorf("node key is not an auditor of the constellation")
	}

	if !bytes.Equal(membership.Auditor(id).BLSPubKey, keys.PublicKey()) {
		return fmt.Errorf("auditor %d: bls key in constellation does not match the node key", id)
	}

	n.membership = membership
	n.keys = keys
	n.selfID = id

	return nil
}

// initPersistence creates the durable store and the flush scheduler.
func (n *Node) initPersistence() error {
	n.store = persistence.NewStore(n.storage)

	scheduler, err := persistence.NewScheduler(n.store, n.state, n.metrics, persistence.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init persistence:\n%w", err)
	}

	n.scheduler = scheduler

	return nil
}

// initReplication creates the replication windows, the pusher and the portion applier.
func (n *Node) initReplication() error {
	cfg := replication.DefaultConfig()
	cfg.BatchSize = n.cfg.BatchSize
	cfg.PortionSize = n.cfg.PortionSize

	repl, err := replication.NewStorage(cfg, n.store, n.metrics)
	if err != nil {
		return fmt.Errorf("init replication:\n%w", err)
	}

	if err := repl.Start(); err != nil {
		return fmt.Errorf("start replication:\n%w", err)
	}

	n.replication = repl
	n.cursors = replication.NewCursorTable()

	followers := &auditorFollowers{network: n.network, selfID: n.selfID}
	n.pusher = replication.NewPusher(cfg, repl, followers, n.cursors, n.membership, n.state, n.metrics)

	verifier := quorum.NewMajorityManager(n.membership)
	n.applier = replication.NewApplier(n.membership, verifier, n.state, n.scheduler, repl, journal, n.scheduler.LastPersisted())

	if n.isAlpha() {
		required := min(n.membership.RequiredMajority()-1, n.membership.TotalAuditors()-1)
		n.recovery = newRecovery(required, n.fetchPortion, n.applier, n.scheduler.LastPersisted, logger.With("component", "recovery"))
	}

	return nil
}

// initQuorum creates the result manager and the apex sequencer. A restarted
// alpha moves the sequencer further once recovery completes.
func (n *Node) initQuorum() {
	last := n.scheduler.LastPersisted()

	cfg := quorum.DefaultConfig(n.selfID)
	cfg.BatchSize = n.cfg.BatchSize
	if cfg.AdvanceThreshold >= cfg.BatchSize {
		cfg.AdvanceThreshold = cfg.BatchSize / 10
	}

	n.quorum = quorum.NewResultManager(cfg, quorum.Deps{
		Membership: n.membership,
		Signer:     n.keys,
		Bridge:     &localBridge{priv: n.cfg.PrivateKey, log: logger.With("component", "bridge")},
		Persister:  n.scheduler,
		Replicator: n.replication,
		Notifier:   &logNotifier{log: logger.With("component", "notifier")},
		Fatal:      n.state,
		Metrics:    n.metrics,
	}, last)

	n.quorum.OnOwnSignature(n.broadcastOwn)

	n.scheduler.OnPersisted(func(a uint64) {
		n.quorum.NotifyPersisted(a)
		n.replication.NotifyPersisted(a)
	})

	n.sequencer = apex.NewSequencer(last)
	n.proposals = newProposalQueue(last, n.coveredByReplication, n.processProposal, n.log)
}

// initNetwork initializes the P2P network node.
func (n *Node) initNetwork() error {
	netCfg := network.Config{
		PrivateKey:  n.cfg.PrivateKey,
		ListenAddr:  n.cfg.QUICAddress,
		Identify:    n.membership.AuditorByPubKey,
		Deduplicate: isBroadcast,
	}

	node, err := network.NewNode(netCfg)
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initAPI creates the HTTP server. Submissions are refused by non-alpha nodes.
func (n *Node) initAPI() {
	if n.cfg.HTTPAddress == "" {
		return
	}

	n.api = api.New(n.cfg.HTTPAddress, n, n.store, n, n.metrics.Handler())
}
