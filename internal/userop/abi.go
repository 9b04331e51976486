package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	userOpArgsNoSig abi.Arguments
	userOpArgsSig   abi.Arguments
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func init() {
	fields := []struct {
		name string
		typ  string
	}{
		{"sender", "address"},
		{"nonce", "uint256"},
		{"initCode", "bytes"},
		{"callData", "bytes"},
		{"callGasLimit", "uint256"},
		{"verificationGasLimit", "uint256"},
		{"preVerificationGas", "uint256"},
		{"maxFeePerGas", "uint256"},
		{"maxPriorityFeePerGas", "uint256"},
		{"paymasterAndData", "bytes"},
	}
	for _, f := range fields {
		userOpArgsNoSig = append(userOpArgsNoSig, abi.Argument{Name: f.name, Type: mustType(f.typ)})
	}
	userOpArgsSig = append(append(abi.Arguments{}, userOpArgsNoSig...),
		abi.Argument{Name: "signature", Type: mustType("bytes")})
}

// AbiEncode packs the UserOp as the EntryPoint's flat UserOperation tuple.
// With withSignature=false the signature field is omitted, matching the
// encoding the EntryPoint itself hashes over in getUserOpHash.
func (u *UserOp) AbiEncode(withSignature bool) ([]byte, error) {
	if withSignature {
		return userOpArgsSig.Pack(
			u.Sender, u.Nonce, u.InitCode, u.CallData,
			u.CallGasLimit, u.VerificationGasLimit, u.PreVerificationGas,
			u.MaxFeePerGas, u.MaxPriorityFeePerGas, u.PaymasterAndData,
			u.Signature,
		)
	}
	return userOpArgsNoSig.Pack(
		u.Sender, u.Nonce, u.InitCode, u.CallData,
		u.CallGasLimit, u.VerificationGasLimit, u.PreVerificationGas,
		u.MaxFeePerGas, u.MaxPriorityFeePerGas, u.PaymasterAndData,
	)
}

// CalldataGas is the EVM calldata-gas model (4*zero + 16*nonzero) applied to
// the ABI-encoded form with signature.
func (u *UserOp) CalldataGas() (uint64, error) {
	encoded, err := u.AbiEncode(true)
	if err != nil {
		return 0, err
	}
	var zero, nonzero uint64
	for _, b := range encoded {
		if b == 0 {
			zero++
		} else {
			nonzero++
		}
	}
	return 4*zero + 16*nonzero, nil
}

// RequiredPrefund is the EntryPoint's prefund upper bound: the paymaster
// case charges verification gas three times (sender validation, paymaster
// validation, paymaster postOp).
func (u *UserOp) RequiredPrefund(withPaymaster bool) *big.Int {
	verifMultiplier := int64(1)
	if withPaymaster {
		verifMultiplier = 3
	}
	total := new(big.Int).Set(u.PreVerificationGas)
	total.Add(total, new(big.Int).Mul(u.VerificationGasLimit, big.NewInt(verifMultiplier)))
	total.Add(total, u.CallGasLimit)
	return total.Mul(total, u.MaxFeePerGas)
}
