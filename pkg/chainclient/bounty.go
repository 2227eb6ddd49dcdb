package chainclient

import (
	"fmt"
	"math/big"

	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vulnmesh/core/pkg/domain"
)

const (
	depositBountyGasLimit = 150_000
	releaseBountyGasLimit = 200_000
)

// severityIndex maps a domain.Severity to the uint8 the bounty-pool
// contract indexes its payout table by.
func severityIndex(sev domain.Severity) uint8 {
	switch sev {
	case domain.SeverityLow:
		return 0
	case domain.SeverityMedium:
		return 1
	case domain.SeverityHigh:
		return 2
	case domain.SeverityCritical:
		return 3
	default:
		return 0
	}
}

// DepositBounty funds a protocol's bounty pool.
func (c *Client) DepositBounty(ctx context.Context, protocolID uint64, amountMinor *big.Int) error {
	_, err := c.send(ctx, "bountyPool", c.addresses.BountyPool, bountyPoolABI,
		"depositBounty", depositBountyGasLimit, new(big.Int).SetUint64(protocolID), amountMinor)
	return err
}

// ReleaseBounty pays out a severity-indexed bounty amount to recipient and
// returns the amount actually released, read back from getBounty after the
// transaction mines (the contract doesn't echo its return value in a log).
func (c *Client) ReleaseBounty(ctx context.Context, protocolID uint64, recipient common.Address, severity domain.Severity) (*big.Int, error) {
	_, err := c.send(ctx, "bountyPool", c.addresses.BountyPool, bountyPoolABI,
		"releaseBounty", releaseBountyGasLimit, new(big.Int).SetUint64(protocolID), recipient, severityIndex(severity))
	if err != nil {
		return nil, err
	}
	return c.GetBounty(ctx, protocolID, severity)
}

// CalculateBountyAmount reads the would-be payout for a severity without
// sending a transaction, used by the validator pipeline to size the
// provisional Payment row and by the payment pipeline to compute the
// expected payout before release.
func (c *Client) CalculateBountyAmount(ctx context.Context, protocolID uint64, severity domain.Severity) (*big.Int, error) {
	out, err := c.callContract(ctx, "bountyPool", c.addresses.BountyPool, bountyPoolABI,
		"calculateBountyAmount", new(big.Int).SetUint64(protocolID), severityIndex(severity))
	if err != nil {
		return nil, err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for calculateBountyAmount")
	}
	return amount, nil
}

// GetProtocolBalance reads the remaining bounty pool balance for a protocol.
func (c *Client) GetProtocolBalance(ctx context.Context, protocolID uint64) (*big.Int, error) {
	out, err := c.callContract(ctx, "bountyPool", c.addresses.BountyPool, bountyPoolABI,
		"getProtocolBalance", new(big.Int).SetUint64(protocolID))
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// GetBounty reads the configured payout for a given severity tier.
func (c *Client) GetBounty(ctx context.Context, protocolID uint64, severity domain.Severity) (*big.Int, error) {
	out, err := c.callContract(ctx, "bountyPool", c.addresses.BountyPool, bountyPoolABI,
		"getBounty", new(big.Int).SetUint64(protocolID), severityIndex(severity))
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// BountyReleasedEvent mirrors the bounty pool's BountyReleased log, used by
// the reconciler to match on-chain payouts against Payment rows.
type BountyReleasedEvent struct {
	ProtocolID uint64
	Recipient  common.Address
	Amount     *big.Int
	Severity   uint8
	BlockNumber uint64
	TxHash      common.Hash
}
