// SPDX-License-Identifier: AGPL-3.0-only

package fetcher

import (
	"flag"
	"fmt"
	"time"
)

// Config holds the manager-level tunables shared by every fetcher. Per-
// fetcher identity (SourceBroker, FetcherID) is supplied as a constructor
// argument rather than a config field, since §4.5 creates exactly one
// FetcherCore per (broker, fetcherId) pair and that pairing isn't a tunable.
type Config struct {
	ClientID           string        `yaml:"client_id"`
	FetchBackoff       time.Duration `yaml:"fetch_backoff"`
	NumReplicaFetchers int           `yaml:"num_replica_fetchers"`
}

// RegisterFlags registers the config's flags with sensible defaults,
// following the teacher's per-package Config/RegisterFlags convention.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.ClientID, "replica-fetcher.client-id", "replica-fetcher", "Client ID attached to this fetcher's metrics.")
	f.DurationVar(&cfg.FetchBackoff, "replica-fetcher.fetch-backoff", time.Second, "Delay applied to a partition (or to the whole fetcher) after a no-progress cycle or a recoverable error.")
	f.IntVar(&cfg.NumReplicaFetchers, "replica-fetcher.num-replica-fetchers", 1, "Number of fetcher threads per source broker.")
}

// Validate checks the config for internal consistency.
func (cfg *Config) Validate() error {
	if cfg.NumReplicaFetchers <= 0 {
		return fmt.Errorf("num_replica_fetchers must be positive, got %d", cfg.NumReplicaFetchers)
	}
	if cfg.FetchBackoff <= 0 {
		return fmt.Errorf("fetch_backoff must be positive, got %s", cfg.FetchBackoff)
	}
	return nil
}
