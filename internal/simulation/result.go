// Package simulation decodes the revert payload of the EntryPoint's
// simulateValidation into a typed record.
package simulation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selectors for the two simulateValidation revert variants, computed from
// the documented EntryPoint v0.6 custom-error signatures rather than
// hardcoded as magic hex — the pack's retained sources never named a
// literal constants file for these.
var (
	validationResultSignature                = "ValidationResult((uint256,uint256,bool,uint48,uint48,bytes),(uint256,uint256),(uint256,uint256),(uint256,uint256))"
	validationResultWithAggregationSignature = "ValidationResultWithAggregation((uint256,uint256,bool,uint48,uint48,bytes),(uint256,uint256),(uint256,uint256),(uint256,uint256),(address,(uint256,uint256)))"

	ValidationResultSelector                [4]byte
	ValidationResultWithAggregationSelector [4]byte
)

func init() {
	copy(ValidationResultSelector[:], crypto.Keccak256([]byte(validationResultSignature))[:4])
	copy(ValidationResultWithAggregationSelector[:], crypto.Keccak256([]byte(validationResultWithAggregationSignature))[:4])
}

// MaxTimestamp is the ceiling substituted for a 0 valid_until returned by
// the contract ("no expiry"), chosen to fit safely in an int64 persisted
// timestamp column while remaining far beyond any realistic validity window.
const MaxTimestamp int64 = 1<<63 - 1

// StakeInfo mirrors the EntryPoint's (stake, unstakeDelaySec) tuple.
type StakeInfo struct {
	Stake        *big.Int
	UnstakeDelay *big.Int
}

// Result is the decoded simulateValidation revert payload, with derived
// expiry already applied.
type Result struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       int64
	ValidUntil       int64
	ValidUntilRaw    int64
	PaymasterContext []byte

	SenderStake    StakeInfo
	FactoryStake   StakeInfo
	PaymasterStake StakeInfo

	Aggregator      *common.Address
	AggregatorStake StakeInfo

	ExpiresAt int64
}

// SimulationFailure is returned when the revert selector is neither
// ValidationResult nor ValidationResultWithAggregation.
type SimulationFailure struct {
	Raw []byte
}

func (e *SimulationFailure) Error() string {
	return fmt.Sprintf("the simulation of the UserOp has failed with an error: 0x%x", e.Raw)
}

var (
	returnInfoType, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "preOpGas", Type: "uint256"},
		{Name: "prefund", Type: "uint256"},
		{Name: "sigFailed", Type: "bool"},
		{Name: "validAfter", Type: "uint48"},
		{Name: "validUntil", Type: "uint48"},
		{Name: "paymasterContext", Type: "bytes"},
	})
	stakeInfoType, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "stake", Type: "uint256"},
		{Name: "unstakeDelaySec", Type: "uint256"},
	})
	aggregatorInfoType, _ = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "aggregator", Type: "address"},
		{Name: "stakeInfo", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "stake", Type: "uint256"},
			{Name: "unstakeDelaySec", Type: "uint256"},
		}},
	})

	baseArgs = abi.Arguments{
		{Name: "returnInfo", Type: returnInfoType},
		{Name: "senderInfo", Type: stakeInfoType},
		{Name: "factoryInfo", Type: stakeInfoType},
		{Name: "paymasterInfo", Type: stakeInfoType},
	}
	aggregationArgs = append(append(abi.Arguments{}, baseArgs...),
		abi.Argument{Name: "aggregatorInfo", Type: aggregatorInfoType})
)

type returnInfoTuple struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type stakeInfoTuple struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type aggregatorInfoTuple struct {
	Aggregator common.Address
	StakeInfo  stakeInfoTuple
}

// Decode parses the 4-byte selector plus revert data from a reverted
// simulateValidation call, computing expires_at against now and the pool's
// configured user-op lifetime.
func Decode(selector [4]byte, data []byte, now int64, userOpLifetime int64) (*Result, error) {
	withAggregation := selector == ValidationResultWithAggregationSelector
	if !withAggregation && selector != ValidationResultSelector {
		raw := append(append([]byte{}, selector[:]...), data...)
		return nil, &SimulationFailure{Raw: raw}
	}

	args := baseArgs
	if withAggregation {
		args = aggregationArgs
	}

	values, err := args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decoding simulateValidation revert: %w", err)
	}

	returnInfo := returnInfoTuple{}
	if err := (abi.Arguments{{Type: returnInfoType}}).Copy(&returnInfo, []interface{}{values[0]}); err != nil {
		return nil, fmt.Errorf("decoding returnInfo: %w", err)
	}
	senderInfo := stakeInfoTuple{}
	if err := (abi.Arguments{{Type: stakeInfoType}}).Copy(&senderInfo, []interface{}{values[1]}); err != nil {
		return nil, fmt.Errorf("decoding senderInfo: %w", err)
	}
	factoryInfo := stakeInfoTuple{}
	if err := (abi.Arguments{{Type: stakeInfoType}}).Copy(&factoryInfo, []interface{}{values[2]}); err != nil {
		return nil, fmt.Errorf("decoding factoryInfo: %w", err)
	}
	paymasterInfo := stakeInfoTuple{}
	if err := (abi.Arguments{{Type: stakeInfoType}}).Copy(&paymasterInfo, []interface{}{values[3]}); err != nil {
		return nil, fmt.Errorf("decoding paymasterInfo: %w", err)
	}

	res := &Result{
		PreOpGas:         returnInfo.PreOpGas,
		Prefund:          returnInfo.Prefund,
		SigFailed:        returnInfo.SigFailed,
		ValidAfter:       returnInfo.ValidAfter.Int64(),
		ValidUntilRaw:    returnInfo.ValidUntil.Int64(),
		PaymasterContext: returnInfo.PaymasterContext,
		SenderStake:      StakeInfo{Stake: senderInfo.Stake, UnstakeDelay: senderInfo.UnstakeDelaySec},
		FactoryStake:     StakeInfo{Stake: factoryInfo.Stake, UnstakeDelay: factoryInfo.UnstakeDelaySec},
		PaymasterStake:   StakeInfo{Stake: paymasterInfo.Stake, UnstakeDelay: paymasterInfo.UnstakeDelaySec},
	}

	if withAggregation {
		aggInfo := aggregatorInfoTuple{}
		if err := (abi.Arguments{{Type: aggregatorInfoType}}).Copy(&aggInfo, []interface{}{values[4]}); err != nil {
			return nil, fmt.Errorf("decoding aggregatorInfo: %w", err)
		}
		agg := aggInfo.Aggregator
		res.Aggregator = &agg
		res.AggregatorStake = StakeInfo{Stake: aggInfo.StakeInfo.Stake, UnstakeDelay: aggInfo.StakeInfo.UnstakeDelaySec}
	}

	res.ValidUntil = res.ValidUntilRaw
	if res.ValidUntil == 0 {
		res.ValidUntil = MaxTimestamp
	}

	res.ExpiresAt = now + userOpLifetime
	if res.ValidUntil < res.ExpiresAt {
		res.ExpiresAt = res.ValidUntil
	}

	return res, nil
}

// Validate enforces the temporal-validity checks of §4.5 step 6: the
// window must not already be expired, and must not close before it opens
// relative to the pool's lifetime.
func (r *Result) Validate(now int64, userOpLifetime int64) error {
	if r.ValidUntil <= now {
		return fmt.Errorf("unable to process the UserOp as it is expired")
	}
	if r.ValidAfter > now+userOpLifetime {
		return fmt.Errorf("unable to process the UserOp as it expires in the pool before its validity period starts")
	}
	return nil
}
