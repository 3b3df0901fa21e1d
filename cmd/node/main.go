package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"Constellation/internal/constellation"
	"Constellation/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid flags:\n%w", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if cfg.PrintIdentity {
		return printIdentity(cfg.PrivateKey)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printIdentity writes the keys an operator needs for the constellation file.
func printIdentity(priv ed25519.PrivateKey) error {
	kp, err := constellation.DeriveKeyPair(priv)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	fmt.Printf("pubkey:     %s\n", hex.EncodeToString(priv.Public().(ed25519.PublicKey)))
	fmt.Printf("bls_pubkey: %s\n", hex.EncodeToString(kp.PublicKey()))

	return nil
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *Node) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting constellation node",
		"pubkey", hex.EncodeToString(pubKey),
		"auditor", n.selfID,
		"alpha", n.membership.AlphaID(),
		"auditors", n.membership.TotalAuditors(),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"lastPersisted", n.scheduler.LastPersisted(),
	)
}
