package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const registerProtocolGasLimit = 300_000

// RegisterProtocol submits a new protocol to the registry contract and
// returns its on-chain ID. Callers should check IsGithubURLRegistered first
// per spec.md §4.8's REGISTER_ON_CHAIN skip-if-already-registered rule.
func (c *Client) RegisterProtocol(ctx context.Context, sourceURL string, contractAddress common.Address) (uint64, error) {
	if _, err := c.send(ctx, "protocolRegistry", c.addresses.ProtocolRegistry, protocolRegistryABI,
		"registerProtocol", registerProtocolGasLimit, sourceURL, contractAddress); err != nil {
		return 0, err
	}
	return c.GetProtocolIDByGithubURL(ctx, sourceURL)
}

// GetProtocolIDByGithubURL resolves the on-chain protocol ID for a source URL.
func (c *Client) GetProtocolIDByGithubURL(ctx context.Context, sourceURL string) (uint64, error) {
	out, err := c.callContract(ctx, "protocolRegistry", c.addresses.ProtocolRegistry, protocolRegistryABI,
		"getProtocolIdByGithubUrl", sourceURL)
	if err != nil {
		return 0, err
	}
	id, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected return type for getProtocolIdByGithubUrl")
	}
	return id.Uint64(), nil
}

// IsGithubURLRegistered reports whether a protocol source URL has already
// been registered on-chain.
func (c *Client) IsGithubURLRegistered(ctx context.Context, sourceURL string) (bool, error) {
	out, err := c.callContract(ctx, "protocolRegistry", c.addresses.ProtocolRegistry, protocolRegistryABI,
		"isGithubUrlRegistered", sourceURL)
	if err != nil {
		return false, err
	}
	registered, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected return type for isGithubUrlRegistered")
	}
	return registered, nil
}

// ProtocolInfo mirrors the registry's getProtocol return tuple.
type ProtocolInfo struct {
	Owner     common.Address
	SourceURL string
	Active    bool
}

// GetProtocol reads the on-chain record for a registered protocol.
func (c *Client) GetProtocol(ctx context.Context, protocolID uint64) (*ProtocolInfo, error) {
	out, err := c.callContract(ctx, "protocolRegistry", c.addresses.ProtocolRegistry, protocolRegistryABI,
		"getProtocol", new(big.Int).SetUint64(protocolID))
	if err != nil {
		return nil, err
	}
	return &ProtocolInfo{
		Owner:     out[0].(common.Address),
		SourceURL: out[1].(string),
		Active:    out[2].(bool),
	}, nil
}
