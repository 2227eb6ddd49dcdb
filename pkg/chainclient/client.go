// Package chainclient wraps go-ethereum's ethclient with the contract
// calls the platform needs for on-chain settlement: protocol registration,
// proof/validation recording, bounty payment, and agent identity/feedback.
// Adapted from certenIO-certen-validator's pkg/ethereum client (transactor
// construction, gas estimation, contract call/send, receipt waiting),
// wrapped in a gobreaker circuit breaker per the pack's database-connection
// idiom so a flaky RPC endpoint degrades instead of cascading failures into
// the payment pipeline.
package chainclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"

	"github.com/vulnmesh/core/pkg/observability"
)

// Addresses holds the deployed addresses of the platform's contracts.
type Addresses struct {
	ProtocolRegistry  common.Address
	BountyPool        common.Address
	ValidationRegistry common.Address
	AgentRegistry     common.Address
	Escrow            common.Address
	PaymentToken      common.Address // ERC-20 used for bounty payouts and fees
}

// Client is a circuit-broken Ethereum JSON-RPC client with a configured
// signing key for submitting platform transactions.
type Client struct {
	eth        *ethclient.Client
	chainID    *big.Int
	signingKey *ecdsa.PrivateKey
	addresses  Addresses
	obs        *observability.Provider

	// One breaker per contract, per spec: repeated Transient failures
	// against a single degraded contract/endpoint shouldn't trip the
	// breaker for calls against a healthy one.
	breakers map[string]*gobreaker.CircuitBreaker
}

// Config configures a Client.
type Config struct {
	RPCURL        string
	SigningKeyHex string // hex-encoded ECDSA private key, "0x" prefix optional
	ChainID       int64
	Addresses     Addresses
	Observability *observability.Provider
}

// New dials the RPC endpoint and parses the signing key.
func New(ctx context.Context, cfg Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SigningKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(contractNames))
	for _, name := range contractNames {
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chainclient." + name,
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}

	return &Client{
		eth:        eth,
		chainID:    big.NewInt(cfg.ChainID),
		signingKey: key,
		addresses:  cfg.Addresses,
		breakers:   breakers,
		obs:        cfg.Observability,
	}, nil
}

// contractNames enumerates the breaker pool; keep in sync with every
// contract argument passed to call/send/callContract below.
var contractNames = []string{
	"protocolRegistry", "bountyPool", "validationRegistry",
	"agentRegistry", "escrow", "erc20",
}

// Address returns the platform's signing address.
func (c *Client) Address() common.Address {
	return crypto.PubkeyToAddress(c.signingKey.PublicKey)
}

// call executes fn through the named contract's circuit breaker, recording
// chain-call latency on the observability provider if one is configured.
func (c *Client) call(ctx context.Context, contract, method string, fn func() (any, error)) (any, error) {
	start := time.Now()
	breaker := c.breakers[contract]
	result, err := breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if c.obs != nil {
		c.obs.RecordChainCall(ctx, contract+"."+method, time.Since(start), err)
	}
	if err != nil {
		return nil, mapChainErr(contract+"."+method, err)
	}
	return result, nil
}

// minGasPriceWei is a 5 Gwei floor applied when the node's suggested gas
// price comes back implausibly low, matching the pack's Ethereum client.
var minGasPriceWei = big.NewInt(5_000_000_000)

const maxSendAttempts = 3

// send packs, signs, submits, and waits for a transaction against a
// contract method, returning the mined receipt. On a nonce race or
// underpriced-replacement error it escalates the gas price 20% and
// retries, up to maxSendAttempts.
func (c *Client) send(ctx context.Context, contract string, contractAddr common.Address, contractABI abi.ABI, method string, gasLimit uint64, params ...any) (*types.Receipt, error) {
	callData, err := contractABI.Pack(method, params...)
	if err != nil {
		return nil, fmt.Errorf("pack %s call: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		result, err := c.call(ctx, contract, method, func() (any, error) {
			fromAddress := c.Address()

			nonce, err := c.eth.PendingNonceAt(ctx, fromAddress)
			if err != nil {
				return nil, fmt.Errorf("get nonce: %w", err)
			}

			gasPrice, err := c.eth.SuggestGasPrice(ctx)
			if err != nil {
				return nil, fmt.Errorf("get gas price: %w", err)
			}
			if gasPrice.Cmp(minGasPriceWei) < 0 {
				gasPrice = new(big.Int).Set(minGasPriceWei)
			}
			for i := 0; i < attempt; i++ {
				gasPrice = bumpGasPrice(gasPrice)
			}

			tx := types.NewTransaction(nonce, contractAddr, big.NewInt(0), gasLimit, gasPrice, callData)

			signer := types.LatestSignerForChainID(c.chainID)
			signedTx, err := types.SignTx(tx, signer, c.signingKey)
			if err != nil {
				return nil, fmt.Errorf("sign transaction: %w", err)
			}

			if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
				return nil, fmt.Errorf("send transaction: %w", err)
			}

			receipt, err := bind.WaitMined(ctx, c.eth, signedTx)
			if err != nil {
				return nil, fmt.Errorf("wait for receipt: %w", err)
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("transaction %s reverted", signedTx.Hash().Hex())
			}
			return receipt, nil
		})
		if err == nil {
			return result.(*types.Receipt), nil
		}
		lastErr = err
		if !isRetryableSendErr(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// bumpGasPrice escalates price by 20%, the margin the pack's Ethereum
// client uses to get a stuck/underpriced transaction re-broadcast.
func bumpGasPrice(price *big.Int) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(120))
	return bumped.Div(bumped, big.NewInt(100))
}

// callContract performs a read-only contract call and unpacks the result.
func (c *Client) callContract(ctx context.Context, contract string, contractAddr common.Address, contractABI abi.ABI, method string, params ...any) ([]any, error) {
	callData, err := contractABI.Pack(method, params...)
	if err != nil {
		return nil, fmt.Errorf("pack %s call: %w", method, err)
	}

	result, err := c.call(ctx, contract, method, func() (any, error) {
		raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contractAddr, Data: callData}, nil)
		if err != nil {
			return nil, fmt.Errorf("call contract: %w", err)
		}
		outputs, err := contractABI.Unpack(method, raw)
		if err != nil {
			return nil, fmt.Errorf("unpack result: %w", err)
		}
		return outputs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]any), nil
}

// Health reports whether the RPC endpoint is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain health check failed: %w", err)
	}
	return nil
}

// LatestBlock returns the current chain head, used by the event listener to
// bound its polling window.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
