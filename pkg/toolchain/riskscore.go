package toolchain

import (
	"encoding/json"
)

// abiFragment is the subset of a Solidity ABI entry RiskScore inspects.
type abiFragment struct {
	Type            string `json:"type"`
	StateMutability string `json:"stateMutability"`
}

// RiskScore is a deterministic heuristic over a compiled contract's
// bytecode size and ABI shape, per spec.md §4.6: bytecode length
// thresholds (+30/+20/+10), function count thresholds (+25/+15/+5),
// payable function count × 5, fallback present (+10), receive present
// (+10). The result is capped at 100.
func RiskScore(bytecode []byte, abiJSON json.RawMessage) int {
	score := 0
	score += bytecodeLenPoints(len(bytecode))

	var entries []abiFragment
	_ = json.Unmarshal(abiJSON, &entries)

	functionCount := 0
	payableCount := 0
	hasFallback := false
	hasReceive := false

	for _, e := range entries {
		switch e.Type {
		case "function":
			functionCount++
			if e.StateMutability == "payable" {
				payableCount++
			}
		case "fallback":
			hasFallback = true
		case "receive":
			hasReceive = true
		}
	}

	score += functionCountPoints(functionCount)
	score += payableCount * 5
	if hasFallback {
		score += 10
	}
	if hasReceive {
		score += 10
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func bytecodeLenPoints(n int) int {
	switch {
	case n > 24000:
		return 30
	case n > 12000:
		return 20
	case n > 4000:
		return 10
	default:
		return 0
	}
}

func functionCountPoints(n int) int {
	switch {
	case n > 40:
		return 25
	case n > 20:
		return 15
	case n > 8:
		return 5
	default:
		return 0
	}
}
