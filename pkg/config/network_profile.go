package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NetworkProfile bundles the chain RPC endpoint, chain id, and deployed
// contract addresses for one network (mainnet, a testnet, or a local
// anvil/hardhat instance), so an operator switches networks with a single
// -profile flag instead of eight separate environment variables.
type NetworkProfile struct {
	Name               string `yaml:"name"`
	ChainRPCURL        string `yaml:"chain_rpc_url"`
	ChainID            int64  `yaml:"chain_id"`
	ProtocolRegistry   string `yaml:"protocol_registry"`
	BountyPool         string `yaml:"bounty_pool"`
	ValidationRegistry string `yaml:"validation_registry"`
	AgentRegistry      string `yaml:"agent_registry"`
	Escrow             string `yaml:"escrow"`
	PaymentToken       string `yaml:"payment_token"`
}

// LoadNetworkProfile reads profile_<name>.yaml from dir and returns the
// parsed profile. It's an opt-in layer: callers apply it over a *Config
// returned by Load() only when -profile/NETWORK_PROFILE is set, so an
// operator who never asks for one sees identical behavior to before.
func LoadNetworkProfile(dir, name string) (*NetworkProfile, error) {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read network profile %q: %w", name, err)
	}
	var p NetworkProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse network profile %q: %w", name, err)
	}
	return &p, nil
}

// Apply overlays the profile's chain settings onto cfg, leaving every other
// field (queue concurrency, sandbox ports, cache, ...) untouched.
func (p *NetworkProfile) Apply(cfg *Config) {
	cfg.ChainRPCURL = p.ChainRPCURL
	cfg.ChainID = p.ChainID
	cfg.ProtocolRegistryAddress = p.ProtocolRegistry
	cfg.BountyPoolAddress = p.BountyPool
	cfg.ValidationRegistryAddress = p.ValidationRegistry
	cfg.AgentRegistryAddress = p.AgentRegistry
	cfg.EscrowAddress = p.Escrow
	cfg.PaymentTokenAddress = p.PaymentToken
}
