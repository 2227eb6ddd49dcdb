package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	depositEscrowGasLimit  = 150_000
	deductFeeGasLimit      = 120_000
)

// DepositEscrowFor credits an agent's on-chain escrow balance, mirrored by
// store.EscrowStore.Apply on the off-chain ledger so the two stay
// reconcilable.
func (c *Client) DepositEscrowFor(ctx context.Context, agent common.Address, amount *big.Int) error {
	_, err := c.send(ctx, "escrow", c.addresses.Escrow, escrowABI,
		"depositEscrowFor", depositEscrowGasLimit, agent, amount)
	return err
}

// DeductSubmissionFee debits an agent's escrow for a finding submission fee.
func (c *Client) DeductSubmissionFee(ctx context.Context, agent common.Address, amount *big.Int) error {
	_, err := c.send(ctx, "escrow", c.addresses.Escrow, escrowABI,
		"deductSubmissionFee", deductFeeGasLimit, agent, amount)
	return err
}

// GetEscrowBalance reads an agent's on-chain escrow balance.
func (c *Client) GetEscrowBalance(ctx context.Context, agent common.Address) (*big.Int, error) {
	out, err := c.callContract(ctx, "escrow", c.addresses.Escrow, escrowABI, "getEscrowBalance", agent)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type for getEscrowBalance")
	}
	return balance, nil
}

// CanSubmitFinding checks whether an agent's escrow covers the required
// submission fee, gating the researcher pipeline's SUBMIT step before it
// spends gas on a deduction that would revert.
func (c *Client) CanSubmitFinding(ctx context.Context, agent common.Address, requiredFee *big.Int) (bool, error) {
	out, err := c.callContract(ctx, "escrow", c.addresses.Escrow, escrowABI, "canSubmitFinding", agent, requiredFee)
	if err != nil {
		return false, err
	}
	allowed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected return type for canSubmitFinding")
	}
	return allowed, nil
}
