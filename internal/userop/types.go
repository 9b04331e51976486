// Package userop defines the canonical UserOperation value object and its
// pooled, persisted counterpart.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOp is the ERC-4337 pseudo-transaction as submitted to the pool.
// Immutable after construction; every field is part of the EVM wire.
type UserOp struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

// Factory returns the address packed into the first 20 bytes of InitCode,
// or the zero address if InitCode is too short to contain one.
func (u *UserOp) Factory() (common.Address, bool) {
	if len(u.InitCode) < 20 {
		return common.Address{}, false
	}
	return common.BytesToAddress(u.InitCode[:20]), true
}

// Paymaster returns the address packed into the first 20 bytes of
// PaymasterAndData, or false if PaymasterAndData is shorter than 20 bytes.
func (u *UserOp) Paymaster() (common.Address, bool) {
	if len(u.PaymasterAndData) < 20 {
		return common.Address{}, false
	}
	return common.BytesToAddress(u.PaymasterAndData[:20]), true
}

// Status is the tri-state reputation of a bytecode hash.
type Status int

const (
	StatusUnknown Status = iota
	StatusTrusted
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusTrusted:
		return "trusted"
	case StatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// PooledUserOp extends UserOp with the fields attached once it has been
// admitted to the pool. Mutated only by receipt reconciliation or by
// cascade deletion on a bytecode ban; never re-validated after admission.
type PooledUserOp struct {
	UserOp

	// OpHash is the UserOp's hash, computed once via the EntryPoint's
	// getUserOpHash at admission time and cached here since it is the
	// pool's primary key and is otherwise only obtainable via an RPC call.
	OpHash common.Hash

	EntryPoint common.Address
	PreOpGas   *big.Int
	ValidAfter int64
	ValidUntil int64
	ExpiresAt  int64
	IsTrusted  bool

	TxHash   *common.Hash
	Accepted *bool
}

// Valid reports whether the pooled UserOp has neither expired nor already
// been reconciled against an on-chain receipt.
func (p *PooledUserOp) Valid(now int64) bool {
	return p.ExpiresAt > now && p.TxHash == nil
}
