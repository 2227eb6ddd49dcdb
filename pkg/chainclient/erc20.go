package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vulnmesh/core/pkg/domain"
)

const (
	erc20ApproveGasLimit  = 80_000
	erc20TransferGasLimit = 80_000
)

var erc20TransferEventID = erc20ABI.Events["Transfer"].ID

// Allowance reads the ERC-20 allowance a payer has granted to spender.
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := c.callContract(ctx, "erc20", c.addresses.PaymentToken, erc20ABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Approve grants spender an allowance against the platform's token balance.
func (c *Client) Approve(ctx context.Context, spender common.Address, amount *big.Int) error {
	_, err := c.send(ctx, "erc20", c.addresses.PaymentToken, erc20ABI, "approve", erc20ApproveGasLimit, spender, amount)
	return err
}

// Transfer sends amount of the payment token to recipient, used by the
// payment pipeline's RELEASE step.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*types.Receipt, error) {
	return c.send(ctx, "erc20", c.addresses.PaymentToken, erc20ABI, "transfer", erc20TransferGasLimit, to, amount)
}

// BalanceOf reads a wallet's payment-token balance.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := c.callContract(ctx, "erc20", c.addresses.PaymentToken, erc20ABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TransferLog is a decoded ERC-20 Transfer event.
type TransferLog struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// VerifyTransferReceipt confirms a previously-submitted transaction hash
// satisfies spec.md §6's x402 fallback: status success, and an ERC-20
// Transfer log from payer to payTo for at least minAmount. Used when a fee
// request is settled by raw transfer hash rather than a facilitator
// receipt.
func (c *Client) VerifyTransferReceipt(ctx context.Context, txHash common.Hash, payer, payTo common.Address, minAmount *big.Int) error {
	receipt, err := c.getTransactionReceipt(ctx, txHash)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.NewError(domain.KindPermanentChain, "FEE_TX_FAILED", "payment transaction did not succeed", nil)
	}

	for _, log := range receipt.Logs {
		if log.Address != c.addresses.PaymentToken {
			continue
		}
		xfer, ok := decodeTransferLog(log)
		if !ok {
			continue
		}
		if xfer.From != payer || xfer.To != payTo {
			continue
		}
		if xfer.Value.Cmp(minAmount) >= 0 {
			return nil
		}
	}
	return domain.NewError(domain.KindValidation, "FEE_TRANSFER_NOT_FOUND",
		fmt.Sprintf("no qualifying Transfer from %s to %s for >= %s found in receipt", payer, payTo, minAmount), nil)
}

func decodeTransferLog(log *types.Log) (*TransferLog, bool) {
	if len(log.Topics) != 3 || log.Topics[0] != erc20TransferEventID {
		return nil, false
	}
	values, err := erc20ABI.Events["Transfer"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil || len(values) != 1 {
		return nil, false
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, false
	}
	return &TransferLog{
		From:  common.BytesToAddress(log.Topics[1].Bytes()),
		To:    common.BytesToAddress(log.Topics[2].Bytes()),
		Value: value,
	}, true
}

func (c *Client) getTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	result, err := c.call(ctx, "erc20", "transactionReceipt", func() (any, error) {
		return c.eth.TransactionReceipt(ctx, txHash)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Receipt), nil
}
