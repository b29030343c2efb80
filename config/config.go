package config

import (
	_ "embed"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

type ServerConfig struct {
	// Name is this server's federation name, i.e. the domain in the user
	// and room IDs it creates and the key name peers verify against.
	Name string `yaml:"name"`
	// Address for the health and metrics listener.
	Address string `yaml:"address"`

	SigningKeyID string `yaml:"signing_key_id"`
	// Base64-encoded ed25519 seed. "generate" is replaced with a fresh
	// key on the first config upgrade.
	SigningKeySeed string `yaml:"signing_key_seed"`
}

type RoomsConfig struct {
	MaxConcurrent       int64 `yaml:"max_concurrent"`
	BackfillBudget      int   `yaml:"backfill_budget"`
	StateCacheSize      int   `yaml:"state_cache_size"`
	MaxConflictedEvents int   `yaml:"max_conflicted_events"`
	MaxAncestryVisits   int   `yaml:"max_ancestry_visits"`
}

type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Rooms    RoomsConfig       `yaml:"rooms"`
	Database dbutil.Config     `yaml:"database"`
	Logging  zeroconfig.Config `yaml:"logging"`
}
