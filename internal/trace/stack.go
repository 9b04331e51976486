package trace

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var bigNine = big.NewInt(9)

// stackItem returns the element fromTop positions from the top of stack
// (fromTop=1 is the top element, matching Python's stack[-1]).
func stackItem(stack []string, fromTop int) string {
	idx := len(stack) - fromTop
	if idx < 0 || idx >= len(stack) {
		return "0"
	}
	return stack[idx]
}

func parseStackInt(s string) *big.Int {
	s = strings.TrimPrefix(s, "0x")
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// addressFromStackTop reads the element fromTop positions from the top of
// stack as a 32-byte word and returns its low 20 bytes as an address.
func addressFromStackTop(stack []string, fromTop int) common.Address {
	n := parseStackInt(stackItem(stack, fromTop))
	return common.BigToAddress(n)
}

// stackTopInt reads the element fromTop positions from the top of stack as
// a plain integer (used for the EntryPoint calldata byte offset).
func stackTopInt(stack []string, fromTop int) int {
	n := parseStackInt(stackItem(stack, fromTop))
	return int(n.Int64())
}
