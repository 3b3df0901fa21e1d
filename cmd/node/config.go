package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"

	"Constellation/internal/logger"
	"Constellation/internal/replication"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API and metrics listen address. Empty disables it.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// ConstellationPath is the JSON file describing the auditors and the alpha.
	ConstellationPath string

	// LogLevel is the minimum log level.
	LogLevel string

	// PrintIdentity prints the derived public keys and exits.
	PrintIdentity bool

	// BatchSize is the number of apexes per window batch.
	BatchSize uint64

	// PortionSize is the number of apexes per replication portion.
	PortionSize uint64
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}
	defaults := replication.DefaultConfig()

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API and /metrics address (empty to disable)")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.ConstellationPath, "constellation", "./constellation.json", "Constellation membership file")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.PrintIdentity, "print-identity", false, "Print the node public keys and exit")
	flag.Uint64Var(&cfg.BatchSize, "batch-size", defaults.BatchSize, "Apexes per window batch")
	flag.Uint64Var(&cfg.PortionSize, "portion-size", defaults.PortionSize, "Apexes per replication portion")
	flag.Parse()

	return cfg
}

// validate checks flag combinations that cannot be caught by the flag package.
func (c *Config) validate() error {
	if c.BatchSize == 0 || c.PortionSize == 0 {
		return fmt.Errorf("batch and portion sizes must be positive")
	}

	if c.BatchSize%c.PortionSize != 0 {
		return fmt.Errorf("portion size %d must divide batch size %d", c.PortionSize, c.BatchSize)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
