// Package config loads the YAML cluster descriptor every role (master,
// storage, client, admin) starts from: a thin struct plus yaml.Unmarshal,
// no schema validation framework. This package only gets enough fields
// into the New* constructors to stand up a cluster.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Cluster describes one NEO cluster's static shape: its name, partition
// count P and replication factor R, and the master addresses
// every role dials or listens on during election/identification.
type Cluster struct {
	ClusterName    string   `yaml:"cluster_name"`
	Partitions     uint32   `yaml:"partitions"`
	Replicas       uint32   `yaml:"replicas"`
	MasterAddrs    []string `yaml:"master_addresses"`
	Log            Log      `yaml:"log"`
	MetricsAddress string   `yaml:"metrics_address"`
}

// Log carries the subset of pkg/log.Config that belongs in the cluster
// descriptor rather than on the command line.
type Log struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// Master is this master node's own section of the descriptor.
type Master struct {
	Cluster `yaml:",inline"`
	UUIDSeed string `yaml:"uuid_seed"` // empty: generate and persist on first start
	Address  string `yaml:"address"`
	DataDir  string `yaml:"data_dir"`
}

// Storage is this storage node's own section of the descriptor.
type Storage struct {
	Cluster `yaml:",inline"`
	Address string `yaml:"address"`
	DataDir string `yaml:"data_dir"`
}

// Client is the descriptor a host application embedding pkg/client loads:
// just the cluster shape, no address or data dir of its own since a client
// never accepts connections or persists anything locally beyond its
// in-memory cache.
type Client struct {
	Cluster       `yaml:",inline"`
	CacheCapacity int `yaml:"cache_capacity"`
}

// Admin is the descriptor the neoctl CLI loads; like Client it has
// nothing of its own beyond the cluster shape.
type Admin struct {
	Cluster `yaml:",inline"`
}

// LoadMaster reads and parses a master's YAML config file at path.
func LoadMaster(path string) (*Master, error) {
	var cfg Master
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStorage reads and parses a storage's YAML config file at path.
func LoadStorage(path string) (*Storage, error) {
	var cfg Storage
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient reads and parses a client's YAML config file at path.
func LoadClient(path string) (*Client, error) {
	var cfg Client
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadAdmin reads and parses an admin CLI's YAML config file at path.
func LoadAdmin(path string) (*Admin, error) {
	var cfg Admin
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, out interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
