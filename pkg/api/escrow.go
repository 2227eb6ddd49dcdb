package api

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vulnmesh/core/pkg/domain"
)

// GetBalance returns address's off-chain escrow ledger (spec.md §6
// Escrow.getBalance), the same balance DeductSubmissionFee/CanSubmitFinding
// check on-chain before admitting a proof submission.
func (s *Service) GetBalance(ctx context.Context, address string) (*domain.Escrow, error) {
	agent, err := s.Store.Agents.GetByWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.Store.Escrows.Get(ctx, agent.ID)
}

// DepositFor records an on-chain escrow deposit against address's off-chain
// ledger (spec.md §6 Escrow.depositFor). The on-chain deposit itself is
// expected to have already landed (txHash references it); this call
// reconciles the off-chain balance to match.
func (s *Service) DepositFor(ctx context.Context, address string, amount domain.Amount, txHash string) error {
	agent, err := s.Store.Agents.GetByWallet(ctx, address)
	if err != nil {
		return err
	}
	if err := s.Store.Escrows.Ensure(ctx, agent.ID, amount.Scale); err != nil {
		return err
	}
	return s.Store.Escrows.Apply(ctx, agent.ID, &domain.EscrowTransaction{
		ID:     uuid.NewString(),
		Kind:   domain.EscrowDeposit,
		Amount: amount,
		TxHash: &txHash,
	})
}

// Deduct charges amount against address's escrow balance as a submission
// fee (spec.md §6 Escrow.deduct), first verifying on-chain that the
// deduction is permitted before touching the off-chain ledger — the two
// must never diverge into the off-chain balance allowing what the contract
// would reject. The recorded escrow transaction is not linked to a finding.
func (s *Service) Deduct(ctx context.Context, address string, amount domain.Amount) error {
	agent, err := s.Store.Agents.GetByWallet(ctx, address)
	if err != nil {
		return err
	}

	wei := humanToWei(amount)
	onChainAddr := common.HexToAddress(address)
	ok, err := s.Chain.CanSubmitFinding(ctx, onChainAddr, wei)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewError(domain.KindValidation, "ESCROW_INSUFFICIENT_BALANCE", "on-chain escrow balance cannot cover submission fee", nil)
	}
	if err := s.Chain.DeductSubmissionFee(ctx, onChainAddr, wei); err != nil {
		return err
	}

	return s.Store.Escrows.Apply(ctx, agent.ID, &domain.EscrowTransaction{
		ID:     uuid.NewString(),
		Kind:   domain.EscrowSubmissionFee,
		Amount: amount,
	})
}

func (s *Service) Transactions(ctx context.Context, address string) ([]*domain.EscrowTransaction, error) {
	agent, err := s.Store.Agents.GetByWallet(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.Store.Escrows.ListTransactions(ctx, agent.ID)
}

// humanToWei converts a fixed-point Amount back to a wei-scaled big.Int,
// the inverse of pkg/pipeline's amountFromWei, for chain calls that expect
// raw wei.
func humanToWei(a domain.Amount) *big.Int {
	wei := big.NewInt(a.Minor)
	if a.Scale >= 18 {
		return wei
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-a.Scale)), nil)
	return wei.Mul(wei, scale)
}
