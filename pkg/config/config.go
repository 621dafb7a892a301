// Package config loads a demo node's identity, its validator set, and its
// threshold parameter from environment variables and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Participants describes the static validator set a demo node runs against.
type Participants struct {
	// Addresses is the ordered libp2p multiaddr list (each ending in
	// /p2p/<peer ID>) for every participant; its index doubles as that
	// participant's NodeID.
	Addresses []string
	// Threshold is n − f, the number of shares required to combine a
	// signature or reach an engine threshold.
	Threshold int
}

// Node identifies this process within Participants.
type Node struct {
	SelfID     uint64
	ListenAddr string
}

// Config is the full set of knobs a demo node reads at startup.
type Config struct {
	Participants Participants
	Node         Node
	APIAddr      string
	LogFile      string
	KeyShareFile string
}

// Default returns the single-process, four-participant devnet configuration.
func Default() Config {
	return Config{
		Participants: Participants{
			Addresses: []string{"node-0", "node-1", "node-2", "node-3"},
			Threshold: 3,
		},
		Node: Node{
			SelfID:     0,
			ListenAddr: "",
		},
		APIAddr:      ":8080",
		LogFile:      "data/mvbanode.log",
		KeyShareFile: "data/share.key",
	}
}

// LoadFromEnv loads envPath (if non-empty) or ./.env (if present) via
// godotenv, then applies explicit environment variable overrides. Priority:
// explicit env var > .env file > Default().
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("MVBA_PARTICIPANTS"); v != "" {
		cfg.Participants.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("MVBA_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Participants.Threshold = n
		}
	}
	if v := os.Getenv("MVBA_SELF_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.SelfID = id
		}
	}
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("KEY_SHARE_FILE"); v != "" {
		cfg.KeyShareFile = v
	}

	return cfg
}

// Validate checks the loaded configuration is internally consistent enough
// to start a node with.
func (c Config) Validate() error {
	n := len(c.Participants.Addresses)
	if n == 0 {
		return fmt.Errorf("config: no participants configured")
	}
	if c.Participants.Threshold < 1 || c.Participants.Threshold > n {
		return fmt.Errorf("config: threshold %d invalid for %d participants", c.Participants.Threshold, n)
	}
	if c.Node.SelfID >= uint64(n) {
		return fmt.Errorf("config: self id %d out of range for %d participants", c.Node.SelfID, n)
	}
	return nil
}
