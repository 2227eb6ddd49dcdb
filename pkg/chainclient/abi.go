package chainclient

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABI fragments for the five platform contracts plus the ERC-20
// standard, covering only the methods/events the pipelines call (spec.md
// §4.4's method list). Full contract sources live outside this module;
// these fragments are the wire contract the pipeline code depends on.

const protocolRegistryABIJSON = `[
	{"type":"function","name":"registerProtocol","stateMutability":"nonpayable",
	 "inputs":[{"name":"sourceUrl","type":"string"},{"name":"contractAddress","type":"address"}],
	 "outputs":[{"name":"protocolId","type":"uint256"}]},
	{"type":"function","name":"getProtocol","stateMutability":"view",
	 "inputs":[{"name":"protocolId","type":"uint256"}],
	 "outputs":[{"name":"owner","type":"address"},{"name":"sourceUrl","type":"string"},{"name":"active","type":"bool"}]},
	{"type":"function","name":"isGithubUrlRegistered","stateMutability":"view",
	 "inputs":[{"name":"sourceUrl","type":"string"}],
	 "outputs":[{"name":"registered","type":"bool"}]},
	{"type":"function","name":"getProtocolIdByGithubUrl","stateMutability":"view",
	 "inputs":[{"name":"sourceUrl","type":"string"}],
	 "outputs":[{"name":"protocolId","type":"uint256"}]}
]`

const bountyPoolABIJSON = `[
	{"type":"function","name":"depositBounty","stateMutability":"nonpayable",
	 "inputs":[{"name":"protocolId","type":"uint256"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"releaseBounty","stateMutability":"nonpayable",
	 "inputs":[{"name":"protocolId","type":"uint256"},{"name":"recipient","type":"address"},{"name":"severity","type":"uint8"}],
	 "outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"calculateBountyAmount","stateMutability":"view",
	 "inputs":[{"name":"protocolId","type":"uint256"},{"name":"severity","type":"uint8"}],
	 "outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"getProtocolBalance","stateMutability":"view",
	 "inputs":[{"name":"protocolId","type":"uint256"}],
	 "outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"getBounty","stateMutability":"view",
	 "inputs":[{"name":"protocolId","type":"uint256"},{"name":"severity","type":"uint8"}],
	 "outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"event","name":"BountyReleased","anonymous":false,
	 "inputs":[
	   {"name":"protocolId","type":"uint256","indexed":true},
	   {"name":"recipient","type":"address","indexed":true},
	   {"name":"amount","type":"uint256","indexed":false},
	   {"name":"severity","type":"uint8","indexed":false}
	 ]}
]`

const validationRegistryABIJSON = `[
	{"type":"function","name":"recordValidation","stateMutability":"nonpayable",
	 "inputs":[
	   {"name":"findingId","type":"uint256"},
	   {"name":"outcome","type":"uint8"},
	   {"name":"severity","type":"uint8"},
	   {"name":"logDigest","type":"bytes32"},
	   {"name":"proofHash","type":"bytes32"}
	 ],
	 "outputs":[]}
]`

const agentRegistryABIJSON = `[
	{"type":"function","name":"registerAgent","stateMutability":"nonpayable",
	 "inputs":[{"name":"wallet","type":"address"},{"name":"metadataURI","type":"string"}],
	 "outputs":[{"name":"agentId","type":"uint256"}]},
	{"type":"function","name":"getAgentByWallet","stateMutability":"view",
	 "inputs":[{"name":"wallet","type":"address"}],
	 "outputs":[{"name":"agentId","type":"uint256"},{"name":"registered","type":"bool"}]}
]`

const escrowABIJSON = `[
	{"type":"function","name":"depositEscrowFor","stateMutability":"nonpayable",
	 "inputs":[{"name":"agent","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"deductSubmissionFee","stateMutability":"nonpayable",
	 "inputs":[{"name":"agent","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"getEscrowBalance","stateMutability":"view",
	 "inputs":[{"name":"agent","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"function","name":"canSubmitFinding","stateMutability":"view",
	 "inputs":[{"name":"agent","type":"address"},{"name":"requiredFee","type":"uint256"}],
	 "outputs":[{"name":"allowed","type":"bool"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"remaining","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"success","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[
	   {"name":"from","type":"address","indexed":true},
	   {"name":"to","type":"address","indexed":true},
	   {"name":"value","type":"uint256","indexed":false}
	 ]}
]`

func mustParseABI(name, jsonABI string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		panic("chainclient: invalid embedded ABI for " + name + ": " + err.Error())
	}
	return parsed
}

var (
	protocolRegistryABI  = mustParseABI("protocolRegistry", protocolRegistryABIJSON)
	bountyPoolABI        = mustParseABI("bountyPool", bountyPoolABIJSON)
	validationRegistryABI = mustParseABI("validationRegistry", validationRegistryABIJSON)
	agentRegistryABI     = mustParseABI("agentRegistry", agentRegistryABIJSON)
	escrowABI            = mustParseABI("escrow", escrowABIJSON)
	erc20ABI             = mustParseABI("erc20", erc20ABIJSON)
)
