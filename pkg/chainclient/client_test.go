package chainclient

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"

	"github.com/vulnmesh/core/pkg/domain"
)

func TestSeverityIndex(t *testing.T) {
	assert.Equal(t, uint8(0), severityIndex(domain.SeverityLow))
	assert.Equal(t, uint8(1), severityIndex(domain.SeverityMedium))
	assert.Equal(t, uint8(2), severityIndex(domain.SeverityHigh))
	assert.Equal(t, uint8(3), severityIndex(domain.SeverityCritical))
}

func TestValidationOutcome(t *testing.T) {
	assert.Equal(t, uint8(1), validationOutcome(domain.ProofConfirmed))
	assert.Equal(t, uint8(0), validationOutcome(domain.ProofRejected))
}

func TestBumpGasPrice(t *testing.T) {
	bumped := bumpGasPrice(big.NewInt(100))
	assert.Equal(t, big.NewInt(120), bumped)
}

func TestIsRetryableSendErr(t *testing.T) {
	assert.True(t, isRetryableSendErr(assertErr("nonce too low")))
	assert.True(t, isRetryableSendErr(assertErr("replacement transaction underpriced")))
	assert.False(t, isRetryableSendErr(assertErr("execution reverted: insufficient balance")))
	assert.False(t, isRetryableSendErr(nil))
}

func TestMapChainErr(t *testing.T) {
	err := mapChainErr("bountyPool.releaseBounty", assertErr("execution reverted"))
	var de *domain.Error
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindPermanentChain, de.Kind)

	err = mapChainErr("escrow.deductSubmissionFee", assertErr("nonce too low"))
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindTransient, de.Kind)
}

func TestDecodeTransferLog_WrongTopicCount(t *testing.T) {
	_, ok := decodeTransferLog(&types.Log{Topics: []common.Hash{}})
	assert.False(t, ok)
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

func assertErr(msg string) error { return stringErr(msg) }
