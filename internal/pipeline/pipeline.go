// Package pipeline is the ten-step admission-control sequence (§4.5): the
// single place a UserOp is decided admissible or rejected. Persistence
// happens afterward, in internal/mempool's Add, which commits its own
// pebble batch; the reads Validate makes are not part of that batch.
package pipeline

import (
	"context"
	"math/big"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/Shchepetov/erc4337-mempool/internal/simulation"
	"github.com/Shchepetov/erc4337-mempool/internal/trace"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// callGasMinimum is the well-known EVM minimum gas cost of a CALL carrying
// a non-zero value (the 9000-gas stipend forwarded to the callee).
const callGasMinimum = 9000

// ChainReader is the narrow slice of internal/rpcadapter the pipeline
// needs: is_contract, code_hash, base_fee, the paymaster deposit view
// call, and the simulation itself (§4.2).
type ChainReader interface {
	IsContract(ctx context.Context, address common.Address) (bool, error)
	CodeHash(ctx context.Context, address common.Address) (common.Hash, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	BalanceOfDeposit(ctx context.Context, entryPoint, account common.Address) (*big.Int, error)
	SimulateValidation(ctx context.Context, entryPoint common.Address, op *userop.UserOp) (selector [4]byte, payload []byte, frames []trace.Frame, err error)
}

// Reputation is the slice of internal/reputation the pipeline needs.
type Reputation interface {
	AnyBanned(hashes []common.Hash) (bool, error)
	AllTrusted(hashes []common.Hash) (bool, error)
	AnyOtherSenderUntrustedTenancy(hashes []common.Hash, sender common.Address, now int64) (bool, error)
	Ban(hash common.Hash, now int64) error
}

// EntryPoints is the slice of internal/entrypoint the pipeline needs.
type EntryPoints interface {
	IsSupported(address common.Address) (bool, error)
}

// Pool is the slice of internal/mempool the pipeline needs for the
// uniqueness check (step 1); persistence itself happens after Validate
// returns, via mempool.Store.Add.
type Pool interface {
	GetByHash(ctx context.Context, hash common.Hash) (*userop.PooledUserOp, error)
}

// Settings are the admission thresholds from §6's configuration table.
type Settings struct {
	MaxVerificationGasLimit *big.Int
	MinMaxFeePerGas         *big.Int
	MinMaxPriorityFeePerGas *big.Int
	UserOpLifetimeSeconds   int64
}

type Pipeline struct {
	chain      ChainReader
	reputation Reputation
	entries    EntryPoints
	pool       Pool
	hasher     userop.HashComputer
	settings   Settings
}

func New(chain ChainReader, rep Reputation, entries EntryPoints, pool Pool, hasher userop.HashComputer, settings Settings) *Pipeline {
	return &Pipeline{chain: chain, reputation: rep, entries: entries, pool: pool, hasher: hasher, settings: settings}
}

// Outcome is everything Validate learns about an admissible UserOp, enough
// for the caller to persist it via mempool.Store.Add.
type Outcome struct {
	Hash                 common.Hash
	Result               *simulation.Result
	IsTrusted            bool
	HelperBytecodeHashes []common.Hash
}

// Validate runs the ten-step sequence in §4.5, stopping at the first
// failure. now is the request's observation instant, threaded through
// rather than read from the clock so admission is deterministic and
// testable.
func (p *Pipeline) Validate(ctx context.Context, op *userop.UserOp, entryPoint common.Address, now int64) (*Outcome, error) {
	supported, err := p.entries.IsSupported(entryPoint)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, newError(KindEntryPointNotSupported, "the requested entry_point is not supported")
	}

	hash, err := op.Hash(ctx, entryPoint, p.hasher)
	if err != nil {
		return nil, wrapError(KindSimulation, "failed to compute the UserOp hash", err)
	}

	// Step 1: uniqueness.
	existing, err := p.pool.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, newError(KindDuplicate, "a UserOp with this hash is already pooled")
	}

	// Step 2: origin.
	var helpers []common.Address
	initializing := false

	senderIsContract, err := p.chain.IsContract(ctx, op.Sender)
	if err != nil {
		return nil, err
	}
	if senderIsContract {
		helpers = append(helpers, op.Sender)
	} else {
		factory, ok := op.Factory()
		if !ok {
			return nil, newError(KindOrigin, "the sender is not a contract and init_code does not contain a factory address")
		}
		factoryIsContract, err := p.chain.IsContract(ctx, factory)
		if err != nil {
			return nil, err
		}
		if !factoryIsContract {
			return nil, newError(KindOrigin, "the sender is not a contract and the factory in init_code is not a contract")
		}
		helpers = append(helpers, factory)
		initializing = true
	}

	// Step 3: gas arithmetic.
	if op.CallGasLimit.Cmp(big.NewInt(callGasMinimum)) < 0 {
		return nil, newError(KindGas, "'call_gas_limit' is less than the minimum gas cost of a non-zero-value CALL")
	}
	calldataGas, err := op.CalldataGas()
	if err != nil {
		return nil, wrapError(KindGas, "failed to compute calldata gas", err)
	}
	if op.PreVerificationGas.Cmp(new(big.Int).SetUint64(calldataGas)) < 0 {
		return nil, newError(KindGas, "'pre_verification_gas' is less than the calldata gas of the UserOp")
	}
	if op.VerificationGasLimit.Cmp(p.settings.MaxVerificationGasLimit) > 0 {
		return nil, newError(KindGas, "'verification_gas_limit' exceeds the configured maximum")
	}
	if op.MaxFeePerGas.Cmp(p.settings.MinMaxFeePerGas) < 0 {
		return nil, newError(KindGas, "'max_fee_per_gas' is below the configured minimum")
	}
	if op.MaxPriorityFeePerGas.Cmp(p.settings.MinMaxPriorityFeePerGas) < 0 {
		return nil, newError(KindGas, "'max_priority_fee_per_gas' is below the configured minimum")
	}
	baseFee, err := p.chain.BaseFee(ctx)
	if err != nil {
		return nil, err
	}
	minFee := new(big.Int).Add(op.MaxPriorityFeePerGas, baseFee)
	if op.MaxFeePerGas.Cmp(minFee) < 0 {
		return nil, newError(KindGas, "'max_fee_per_gas' is below 'max_priority_fee_per_gas' plus the current base fee")
	}

	// Step 4: paymaster.
	hasPaymaster := len(op.PaymasterAndData) > 0
	if hasPaymaster {
		paymaster, ok := op.Paymaster()
		if !ok {
			return nil, newError(KindPaymaster, "'paymaster_and_data' is too short to contain a paymaster address")
		}
		paymasterIsContract, err := p.chain.IsContract(ctx, paymaster)
		if err != nil {
			return nil, err
		}
		if !paymasterIsContract {
			return nil, newError(KindPaymaster, "the paymaster address in 'paymaster_and_data' is not a contract")
		}
		deposit, err := p.chain.BalanceOfDeposit(ctx, entryPoint, paymaster)
		if err != nil {
			return nil, err
		}
		if deposit.Cmp(op.RequiredPrefund(true)) < 0 {
			return nil, newError(KindPaymaster, "the paymaster's EntryPoint deposit is insufficient for the required prefund")
		}
		helpers = append(helpers, paymaster)
	}

	// Step 5: simulate.
	selector, payload, frames, err := p.chain.SimulateValidation(ctx, entryPoint, op)
	if err != nil {
		return nil, wrapError(KindSimulation, "the simulation call failed", err)
	}
	result, err := simulation.Decode(selector, payload, now, p.settings.UserOpLifetimeSeconds)
	if err != nil {
		return nil, wrapError(KindSimulation, err.Error(), err)
	}
	if result.Aggregator != nil {
		helpers = append(helpers, *result.Aggregator)
	}

	// Step 6: temporal validity.
	if err := result.Validate(now, p.settings.UserOpLifetimeSeconds); err != nil {
		return nil, wrapError(KindTemporal, err.Error(), err)
	}

	// Step 7: ban check. §4.4/§4.5 speak of "the set of bytecode hashes"
	// a UserOp touches; a sender, factory, and paymaster can in principle
	// share deployed bytecode, so the addresses are deduplicated before
	// the code_hash RPC calls and the hashes themselves deduplicated
	// before any reputation lookup.
	helperAddrs := mapset.NewSet[common.Address]()
	for _, h := range helpers {
		helperAddrs.Add(h)
	}
	hashSet := mapset.NewSet[common.Hash]()
	for _, h := range helperAddrs.ToSlice() {
		hh, err := p.chain.CodeHash(ctx, h)
		if err != nil {
			return nil, err
		}
		hashSet.Add(hh)
	}
	helperHashes := hashSet.ToSlice()
	banned, err := p.reputation.AnyBanned(helperHashes)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, newError(KindBannedBytecode, "one of the UserOp's helper contracts has banned bytecode")
	}

	// Step 8: trust computation.
	isTrusted, err := p.reputation.AllTrusted(helperHashes)
	if err != nil {
		return nil, err
	}

	if !isTrusted {
		// Step 9: same-bytecode tenancy.
		conflict, err := p.reputation.AnyOtherSenderUntrustedTenancy(helperHashes, op.Sender, now)
		if err != nil {
			return nil, err
		}
		if conflict {
			return nil, newError(KindUntrustedTenancy, "an unknown-reputation helper is already occupied by another sender")
		}

		// Step 10: trace validation.
		if frames != nil {
			if violation := trace.Validate(frames, entryPoint, initializing, chainCheckerAdapter{ctx: ctx, chain: p.chain}); violation != nil {
				offender := helpers[0]
				if violation.HelperContractIndex >= 0 && violation.HelperContractIndex < len(helpers) {
					offender = helpers[violation.HelperContractIndex]
				}
				offenderHash, hashErr := p.chain.CodeHash(ctx, offender)
				if hashErr == nil {
					if banErr := p.reputation.Ban(offenderHash, now); banErr != nil {
						log.Error().Err(banErr).Str("bytecode_hash", offenderHash.Hex()).
							Msg("failed to ban offending bytecode after trace violation")
					}
				}
				return nil, wrapError(KindOpcodeViolation, violation.Detail, violation)
			}
		}
	}

	return &Outcome{
		Hash:                 hash,
		Result:               result,
		IsTrusted:            isTrusted,
		HelperBytecodeHashes: helperHashes,
	}, nil
}

// chainCheckerAdapter bridges ChainReader.IsContract (context-aware, can
// fail) to trace.contractChecker's synchronous signature. A network error
// here is treated as "not a contract", which fails the trace closed rather
// than open: an inconclusive lookup during the single non-trusted path
// must not silently pass a storage/CALL target check.
type chainCheckerAdapter struct {
	ctx   context.Context
	chain ChainReader
}

func (c chainCheckerAdapter) IsContract(address common.Address) bool {
	ok, err := c.chain.IsContract(c.ctx, address)
	return err == nil && ok
}
