package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const registerAgentGasLimit = 180_000

// RegisterAgent mints an on-chain identity for a researcher wallet, storing
// an off-chain metadata URI (profile/reputation pointer).
func (c *Client) RegisterAgent(ctx context.Context, wallet common.Address, metadataURI string) (uint64, error) {
	if _, err := c.send(ctx, "agentRegistry", c.addresses.AgentRegistry, agentRegistryABI,
		"registerAgent", registerAgentGasLimit, wallet, metadataURI); err != nil {
		return 0, err
	}
	id, _, err := c.GetAgentByWallet(ctx, wallet)
	return id, err
}

// GetAgentByWallet resolves a wallet address to its on-chain agent ID, and
// reports whether the wallet has been registered at all.
func (c *Client) GetAgentByWallet(ctx context.Context, wallet common.Address) (uint64, bool, error) {
	out, err := c.callContract(ctx, "agentRegistry", c.addresses.AgentRegistry, agentRegistryABI,
		"getAgentByWallet", wallet)
	if err != nil {
		return 0, false, err
	}
	id, ok := out[0].(*big.Int)
	if !ok {
		return 0, false, fmt.Errorf("unexpected return type for getAgentByWallet")
	}
	registered, ok := out[1].(bool)
	if !ok {
		return 0, false, fmt.Errorf("unexpected return type for getAgentByWallet.registered")
	}
	return id.Uint64(), registered, nil
}
