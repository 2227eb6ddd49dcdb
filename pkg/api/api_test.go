package api

import (
	"context"
	"math/big"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/vulnmesh/core/pkg/bus"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/store"
)

// fakeChain satisfies the Chain interface for Service tests that touch
// escrow/fee surfaces, without dialing a real Ethereum RPC endpoint.
type fakeChain struct {
	address           common.Address
	canSubmit         bool
	canSubmitErr      error
	deductErr         error
	verifyReceiptErr  error
	deductCalls       int
}

func (f *fakeChain) Address() common.Address { return f.address }

func (f *fakeChain) CanSubmitFinding(ctx context.Context, agent common.Address, requiredFee *big.Int) (bool, error) {
	return f.canSubmit, f.canSubmitErr
}

func (f *fakeChain) DeductSubmissionFee(ctx context.Context, agent common.Address, amount *big.Int) error {
	f.deductCalls++
	return f.deductErr
}

func (f *fakeChain) VerifyTransferReceipt(ctx context.Context, txHash common.Hash, payer, payTo common.Address, minAmount *big.Int) error {
	return f.verifyReceiptErr
}

// newTestService wires a Service over a go-sqlmock database, matching the
// fixture shape every *_test.go file in this package shares.
func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chain := &fakeChain{address: common.HexToAddress("0x000000000000000000000000000000000001a7")}

	return &Service{
		Store:           store.NewStoreSet(db),
		Bus:             bus.New(),
		Chain:           chain,
		ProtocolQueue:   queue.New(db, "protocols", 0, nil),
		ScanQueue:       queue.New(db, "scans", 0, nil),
		ValidationQueue: queue.New(db, "validations", 0, nil),
		PaymentQueue:    queue.New(db, "payments", 0, nil),
	}, mock
}
