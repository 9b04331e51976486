// Package trace walks an EVM opcode-level execution trace and enforces the
// ERC-4337 storage- and opcode-restriction rules during validation.
package trace

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"

	mapset "github.com/deckarep/golang-set/v2"
)

// Frame is one step of a debug_traceCall structLog: the executing call
// depth, the opcode, and the stack/memory state immediately before the
// opcode executes.
type Frame struct {
	Depth  int
	Op     vm.OpCode
	Stack  []string // hex words, top of stack last
	Memory []string // 32-byte hex words, in order
}

// prohibitedOpcodes is exactly the set named in §4.4. NUMBER is additionally
// used as the depth-1 boundary marker; its use at depth > 1 is prohibited
// by virtue of also belonging to this set.
// DIFFICULTY (0x44) is the same opcode PREVRANDAO renamed after the Merge;
// one entry covers both pre- and post-merge trace output.
var prohibitedOpcodes = mapset.NewSet(
	vm.BALANCE,
	vm.BASEFEE,
	vm.BLOCKHASH,
	vm.COINBASE,
	vm.CREATE,
	vm.DIFFICULTY,
	vm.GASLIMIT,
	vm.GASPRICE,
	vm.NUMBER,
	vm.ORIGIN,
	vm.SELFBALANCE,
	vm.SELFDESTRUCT,
	vm.TIMESTAMP,
)

func isExternalCall(op vm.OpCode) bool {
	return op == vm.CALL || op == vm.CALLCODE || op == vm.DELEGATECALL || op == vm.STATICCALL
}

// Violation describes the single violation that stopped the walk, together
// with the zero-based helper-contract index it is attributed to.
type Violation struct {
	HelperContractIndex int
	Detail              string
}

func (v *Violation) Error() string { return v.Detail }

// contractChecker answers whether an address currently holds contract code;
// EXTCODE*/CALL* target checks need it.
type contractChecker interface {
	IsContract(address common.Address) bool
}

// depositToSelector is the EntryPoint's depositTo(address) selector, the
// only method a UserOp's validation code may call on the EntryPoint itself
// besides the implicit zero-selector fallback.
var depositToSelector = "b760faf9"

// Validate walks frames in order and returns the first violation found, or
// nil on a clean trace. initializing is true when the UserOp is deploying
// its own account via init_code, which permits exactly one CREATE2.
func Validate(frames []Frame, entryPoint common.Address, initializing bool, checker contractChecker) *Violation {
	createTwoCanBeCalled := initializing
	helperContractIndex := -1

	for i, f := range frames {
		if f.Depth == 1 {
			if f.Op == vm.NUMBER {
				helperContractIndex++
			}
			continue
		}

		if prohibitedOpcodes.Contains(f.Op) {
			return &Violation{
				HelperContractIndex: helperContractIndex,
				Detail:              fmt.Sprintf("the UserOp is using the prohibited opcode '%s' during validation", f.Op),
			}
		}

		switch f.Op {
		case vm.CREATE2:
			if !createTwoCanBeCalled {
				return &Violation{
					HelperContractIndex: helperContractIndex,
					Detail:              "the UserOp is using the 'CREATE2' opcode in an unacceptable context",
				}
			}
			createTwoCanBeCalled = false
			continue

		case vm.GAS:
			if i+1 >= len(frames) || !isExternalCall(frames[i+1].Op) {
				return &Violation{
					HelperContractIndex: helperContractIndex,
					Detail:              "the UserOp is using the 'GAS' opcode during validation, but not before the external call",
				}
			}

		case vm.EXTCODEHASH, vm.EXTCODESIZE, vm.EXTCODECOPY:
			target := addressFromStackTop(f.Stack, 1)
			if !checker.IsContract(target) {
				return &Violation{
					HelperContractIndex: helperContractIndex,
					Detail:              "the UserOp during validation accesses the code at an address that does not contain a smart contract",
				}
			}
		}

		if isExternalCall(f.Op) {
			target := addressFromStackTop(f.Stack, 2)
			isPrecompile := target.Big().Cmp(bigNine) <= 0 && target.Big().Sign() > 0
			if target == (common.Address{}) || (!isPrecompile && !checker.IsContract(target)) {
				return &Violation{
					HelperContractIndex: helperContractIndex,
					Detail:              "the UserOp during validation calling an address that does not contain a smart contract",
				}
			}

			if target == entryPoint {
				offsetPos := 4
				if f.Op == vm.DELEGATECALL || f.Op == vm.STATICCALL {
					offsetPos = 3
				}
				offset := stackTopInt(f.Stack, offsetPos)
				memory := strings.Join(f.Memory, "")
				start := offset * 2
				end := start + 8
				var selector string
				if start >= 0 && end <= len(memory) {
					selector = memory[start:end]
				}
				if selector != depositToSelector && selector != "00000000" {
					return &Violation{
						HelperContractIndex: helperContractIndex,
						Detail:              "the UserOp is calling the EntryPoint during validation, but only 'depositTo' method is allowed",
					}
				}
			}
		}
	}

	return nil
}
