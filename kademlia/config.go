package kademlia

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadcore/kad/wire"
)

// NodeConfig is the on-disk node configuration: listen address, bootstrap
// contacts, and the tunable k/α/β/timeout parameters spec.md §6's
// constants table lists as overridable.
type NodeConfig struct {
	ListenIP   string   `yaml:"listen_ip"`
	ListenPort uint16   `yaml:"listen_port"`
	NodeID     string   `yaml:"node_id,omitempty"` // hex; random if empty
	Client     bool     `yaml:"client"`

	BootstrapHintFile string `yaml:"bootstrap_hint_file,omitempty"`

	K     int `yaml:"k"`
	Alpha int `yaml:"alpha"`
	Beta  int `yaml:"beta"`

	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	RepublishInterval   time.Duration `yaml:"republish_interval"`
	ExpireSweepInterval time.Duration `yaml:"expire_sweep_interval"`

	MinStoreSuccessFraction float64 `yaml:"min_store_success_fraction"`

	PortMapping bool `yaml:"port_mapping"`
}

// DefaultNodeConfig returns the spec §6 time-constants defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenIP:                "0.0.0.0",
		ListenPort:              4000,
		K:                       DefaultBucketSize,
		Alpha:                   DefaultAlpha,
		Beta:                    DefaultBeta,
		RefreshInterval:         DefaultRefreshInterval,
		RepublishInterval:       86400 * time.Second,
		ExpireSweepInterval:     60 * time.Second,
		MinStoreSuccessFraction: DefaultMinStoreFraction,
		PortMapping:             true,
	}
}

// LoadNodeConfig reads a yaml NodeConfig from path over DefaultNodeConfig:
// fields absent from the file keep their defaults, while a field the file
// sets, even to zero, takes the file's value.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, InvalidArgument.Wrap(err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, InvalidArgument.Wrap(err)
	}
	return cfg, nil
}

// SaveNodeConfig writes cfg as yaml to path.
func SaveNodeConfig(cfg NodeConfig, path string) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return InvalidArgument.Wrap(err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// LoadBootstrapHints reads a KadConfig bootstrap-hint file, written by a
// prior Leave (spec §4.9, §6).
func LoadBootstrapHints(path string) ([]Contact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, InvalidArgument.Wrap(err)
	}
	var kc wire.KadConfig
	if err := wire.Unmarshal(raw, &kc); err != nil {
		return nil, InvalidArgument.Wrap(err)
	}
	contacts := make([]Contact, 0, len(kc.Contact))
	for _, wc := range kc.Contact {
		c, err := fromWireContact(wc)
		if err == nil {
			contacts = append(contacts, c)
		}
	}
	return contacts, nil
}

// SaveBootstrapHints serializes the given contacts (normally the current
// k-closest to self) as a KadConfig bootstrap-hint file.
func SaveBootstrapHints(contacts []Contact, path string) error {
	kc := &wire.KadConfig{}
	for _, c := range contacts {
		kc.Contact = append(kc.Contact, toWireContact(c))
	}
	raw, err := wire.Marshal(kc)
	if err != nil {
		return InvalidArgument.Wrap(err)
	}
	return os.WriteFile(path, raw, 0o644)
}
