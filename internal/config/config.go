// Package config decodes the on-disk config.yaml shared by indexerd,
// searchd and unspentdb: Hub/indexer endpoints, data directories, REST
// bind address and checkpoint thresholds.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrNoHubEndpoint is returned by Validate when no Hub address was set.
var ErrNoHubEndpoint = errors.New("config: hub.endpoint is required")

// Endpoint is a single dial target plus the capability set it claims to
// serve, the same shape internal/search.DialService expects.
type Endpoint struct {
	Address  string   `yaml:"address"`
	Services []string `yaml:"services,omitempty"`
}

// HubConfig configures the one Hub connection indexerd and searchd each
// keep.
type HubConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// IndexerConfig configures a single indexer driver's persisted state and
// the address indexerd answers its queries on; searchd reaches indexers
// through search_peers instead.
type IndexerConfig struct {
	Name          string `yaml:"name"`
	DataDir       string `yaml:"datadir"`
	ListenAddress string `yaml:"listen,omitempty"`
}

// CheckpointConfig holds the checkpoint cadence that Load defaults and
// Validate checks. internal/uodb does not read these values: each UODB keeps
// its fixed pruneCheckpointInterval/checkpointSlots constants, which the
// defaults match.
type CheckpointConfig struct {
	IntervalBlocks int `yaml:"interval_blocks"`
	KeepCount      int `yaml:"keep_count"`
}

// RESTConfig configures internal/restapi's HTTP server.
type RESTConfig struct {
	BindAddress  string        `yaml:"bind_address"`
	AdminToken   string        `yaml:"admin_token,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// Config is the root of config.yaml.
type Config struct {
	Hub         HubConfig        `yaml:"hub"`
	Indexers    []IndexerConfig  `yaml:"indexers"`
	SearchPeers []Endpoint       `yaml:"search_peers,omitempty"`
	Checkpoint  CheckpointConfig `yaml:"checkpoint"`
	REST        RESTConfig       `yaml:"rest"`
	CashAddrHRP string           `yaml:"cashaddr_prefix,omitempty"`
}

// defaults mirrors internal/uodb's own checkpoint cadence (forced every
// 50000 inserts, 20 slots kept) and a conventional loopback REST bind
// address.
func defaults() Config {
	return Config{
		Checkpoint: CheckpointConfig{
			IntervalBlocks: 50000,
			KeepCount:      20,
		},
		REST: RESTConfig{
			BindAddress:  "127.0.0.1:8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		CashAddrHRP: "bitcoincash",
	}
}

// Load reads and decodes path, filling in defaults for anything the file
// leaves unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields every daemon needs regardless of which one is
// reading this file.
func (c *Config) Validate() error {
	if c.Hub.Endpoint == "" {
		return ErrNoHubEndpoint
	}
	if c.Checkpoint.IntervalBlocks <= 0 {
		return errors.New("config: checkpoint.interval_blocks must be positive")
	}
	if c.Checkpoint.KeepCount <= 0 {
		return errors.New("config: checkpoint.keep_count must be positive")
	}
	return nil
}
