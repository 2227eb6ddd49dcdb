package toolchain

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRiskScore_BytecodeLengthMonotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("longer bytecode never scores lower, all else equal", prop.ForAll(
		func(shortLen, extraLen int) bool {
			short := make([]byte, shortLen)
			long := make([]byte, shortLen+extraLen)
			return RiskScore(long, json.RawMessage(`[]`)) >= RiskScore(short, json.RawMessage(`[]`))
		},
		gen.IntRange(0, 30000),
		gen.IntRange(0, 30000),
	))

	properties.TestingRun(t)
}

func TestRiskScore_CapsAtOneHundred(t *testing.T) {
	properties := gopter.NewProperties(nil)

	hugeABI, _ := json.Marshal(manyPayableFunctions(200))

	properties.Property("score never exceeds 100", prop.ForAll(
		func(bytecodeLen int) bool {
			bytecode := make([]byte, bytecodeLen)
			return RiskScore(bytecode, hugeABI) <= 100
		},
		gen.IntRange(0, 1_000_000),
	))

	properties.TestingRun(t)
}

func TestRiskScore_ZeroForEmptyContract(t *testing.T) {
	if got := RiskScore(nil, json.RawMessage(`[]`)); got != 0 {
		t.Fatalf("expected 0 for empty bytecode and ABI, got %d", got)
	}
}

func TestRiskScore_FallbackAndReceiveAddPoints(t *testing.T) {
	abiJSON, _ := json.Marshal([]abiFragment{
		{Type: "fallback"},
		{Type: "receive"},
	})
	if got := RiskScore(nil, abiJSON); got != 20 {
		t.Fatalf("expected fallback+receive to add 20, got %d", got)
	}
}

func manyPayableFunctions(n int) []abiFragment {
	out := make([]abiFragment, n)
	for i := range out {
		out[i] = abiFragment{Type: "function", StateMutability: "payable"}
	}
	return out
}
