package config

import (
	"fmt"
	"os"
	"time"

	"github.com/storagehub-net/storagehub/pkg/types"
	"gopkg.in/yaml.v3"
)

// Provider is the on-disk configuration of a provider node.
type Provider struct {
	// Role is "msp" or "bsp".
	Role string `yaml:"role"`

	// Account is the 0x-prefixed signing account.
	Account string `yaml:"account"`

	// DataDir holds every local store (chunks, forest, chain, txmgr).
	DataDir string `yaml:"data_dir"`

	// PeerID identifies this node on the transfer protocol.
	PeerID string `yaml:"peer_id"`

	// ListenAddr is the transfer server bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Peers maps peer ids to transfer endpoints.
	Peers map[string]string `yaml:"peers,omitempty"`

	// Capacity and Deposit parameterise sign-up.
	Capacity uint64 `yaml:"capacity"`
	Deposit  uint64 `yaml:"deposit"`

	// ChargingPeriod is how many finalized ticks pass between payment
	// charges.
	ChargingPeriod uint64 `yaml:"charging_period"`

	// ExtrinsicRetryTimeout re-tips transactions idling in the pool.
	ExtrinsicRetryTimeout time.Duration `yaml:"extrinsic_retry_timeout"`

	// TransferTimeout bounds every peer network operation.
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	// MetricsPort exposes Prometheus metrics when non-zero.
	MetricsPort int `yaml:"metrics_port"`
}

// Defaults fills unset fields.
func (p *Provider) Defaults() {
	if p.DataDir == "" {
		p.DataDir = "./data"
	}
	if p.ListenAddr == "" {
		p.ListenAddr = "127.0.0.1:9040"
	}
	if p.ChargingPeriod == 0 {
		p.ChargingPeriod = 10
	}
	if p.ExtrinsicRetryTimeout == 0 {
		p.ExtrinsicRetryTimeout = 30 * time.Second
	}
	if p.TransferTimeout == 0 {
		p.TransferTimeout = 30 * time.Second
	}
}

// Validate checks the required fields.
func (p *Provider) Validate() error {
	if p.Role != string(types.ProviderMSP) && p.Role != string(types.ProviderBSP) {
		return fmt.Errorf("role must be %q or %q", types.ProviderMSP, types.ProviderBSP)
	}
	if p.Account == "" {
		return fmt.Errorf("account is required")
	}
	if _, err := types.HashFromHex(p.Account); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	if p.PeerID == "" {
		return fmt.Errorf("peer_id is required")
	}
	return nil
}

// AccountID parses the configured account.
func (p *Provider) AccountID() (types.AccountID, error) {
	h, err := types.HashFromHex(p.Account)
	return types.AccountID(h), err
}

// Load reads and validates a provider configuration file.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Provider
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
