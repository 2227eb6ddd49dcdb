package sandbox

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	deployGasLimit = 3_000_000
	deployGasPrice = 1_000_000_000 // 1 Gwei, a dev node's fee market is trivial
)

// DeployResult reports the outcome of deploying a contract into a sandbox.
type DeployResult struct {
	Address common.Address
	TxHash  common.Hash
}

// Deploy submits bytecode (already ABI-encoded with constructor args, if
// any) to the sandbox node and returns the deployed address and deployment
// transaction hash, per spec.md §4.5's deploy(handle, bytecode, abi).
func (s *Sandbox) Deploy(ctx context.Context, signingKey *ecdsa.PrivateKey, bytecode []byte) (*DeployResult, error) {
	client, err := ethclient.DialContext(ctx, s.rpcURL)
	if err != nil {
		return nil, newError(ErrDeployFailed, "dial sandbox rpc", err)
	}
	defer client.Close()

	from := crypto.PubkeyToAddress(signingKey.PublicKey)
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, newError(ErrDeployFailed, "get sandbox nonce", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, newError(ErrDeployFailed, "get sandbox chain id", err)
	}

	tx := types.NewContractCreation(nonce, big.NewInt(0), deployGasLimit, big.NewInt(deployGasPrice), bytecode)
	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, signer, signingKey)
	if err != nil {
		return nil, newError(ErrDeployFailed, "sign deployment transaction", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, newError(ErrDeployFailed, "send deployment transaction", err)
	}

	receipt, err := bind.WaitMined(ctx, client, signedTx)
	if err != nil {
		return nil, newError(ErrDeployFailed, "wait for deployment receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful || receipt.ContractAddress == (common.Address{}) {
		return nil, newError(ErrDeployFailed, "deployment transaction reverted or produced no address", nil)
	}

	return &DeployResult{Address: receipt.ContractAddress, TxHash: signedTx.Hash()}, nil
}

// ExecutionResult mirrors spec.md §4.5's executeExploit return shape.
type ExecutionResult struct {
	Validated       bool
	ExecutionLog    []string
	StateChanges    map[string]string
	GasUsed         uint64
	TransactionHash string
	Error           string
}

// ExploitStep is one call the candidate exploit makes against the deployed
// contract: a method name plus already-encoded arguments.
type ExploitStep struct {
	Method string
	Args   []any
	Value  *big.Int
}

// ExecuteExploit replays the proof's call sequence against the deployed
// contract and reports whether it succeeded, per spec.md §4.9's validation
// decision ("CONFIRMED iff Sandbox.executeExploit returns validated=true").
func (s *Sandbox) ExecuteExploit(ctx context.Context, signingKey *ecdsa.PrivateKey, contractAddr common.Address, contractABI abi.ABI, steps []ExploitStep) (*ExecutionResult, error) {
	client, err := ethclient.DialContext(ctx, s.rpcURL)
	if err != nil {
		return nil, newError(ErrExploitFailed, "dial sandbox rpc", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, newError(ErrExploitFailed, "get sandbox chain id", err)
	}

	result := &ExecutionResult{Validated: true, StateChanges: map[string]string{}}
	from := crypto.PubkeyToAddress(signingKey.PublicKey)

	for i, step := range steps {
		callData, err := contractABI.Pack(step.Method, step.Args...)
		if err != nil {
			return finalizeFailure(result, fmt.Sprintf("pack step %d (%s): %v", i, step.Method, err))
		}

		nonce, err := client.PendingNonceAt(ctx, from)
		if err != nil {
			return finalizeFailure(result, fmt.Sprintf("get nonce for step %d: %v", i, err))
		}

		value := step.Value
		if value == nil {
			value = big.NewInt(0)
		}

		tx := types.NewTransaction(nonce, contractAddr, value, deployGasLimit, big.NewInt(deployGasPrice), callData)
		signer := types.LatestSignerForChainID(chainID)
		signedTx, err := types.SignTx(tx, signer, signingKey)
		if err != nil {
			return finalizeFailure(result, fmt.Sprintf("sign step %d: %v", i, err))
		}

		if err := client.SendTransaction(ctx, signedTx); err != nil {
			return finalizeFailure(result, fmt.Sprintf("send step %d (%s): %v", i, step.Method, err))
		}

		receipt, err := bind.WaitMined(ctx, client, signedTx)
		if err != nil {
			return finalizeFailure(result, fmt.Sprintf("wait for step %d receipt: %v", i, err))
		}
		result.GasUsed += receipt.GasUsed
		result.TransactionHash = signedTx.Hash().Hex()
		result.ExecutionLog = append(result.ExecutionLog, fmt.Sprintf("step %d: %s -> status=%d gas=%d", i, step.Method, receipt.Status, receipt.GasUsed))

		if receipt.Status != types.ReceiptStatusSuccessful {
			return finalizeFailure(result, fmt.Sprintf("step %d (%s) reverted", i, step.Method))
		}
	}

	return result, nil
}

func finalizeFailure(result *ExecutionResult, msg string) (*ExecutionResult, error) {
	result.Validated = false
	result.Error = msg
	result.ExecutionLog = append(result.ExecutionLog, msg)
	return result, nil
}
