// Package rpcadapter is the typed facade over the Ethereum node (§4.2):
// the only component in this repository that talks to chain RPC. Every
// other component consumes its decoded, typed results.
package rpcadapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cockroachdb/pebble"

	"github.com/Shchepetov/erc4337-mempool/internal/store"
	"github.com/Shchepetov/erc4337-mempool/internal/trace"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// codeCacheSize bounds the in-process code-lookup hint cache (§6.3): large
// enough to cover a block window's worth of distinct helper contracts
// without growing unbounded.
const codeCacheSize = 4096

// caller is the subset of *rpc.Client this package depends on, so tests can
// substitute a fake without dialing a real node.
type caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Adapter wraps the node's JSON-RPC client. The last_seen_block cursor used
// to bound event-log scans (§5) is persisted in the pebble store; the only
// in-memory state the adapter holds is codeCache. Everything else it
// exposes is a typed RPC round trip.
type Adapter struct {
	client caller
	st     *store.Store

	getUserOpHashSelector [4]byte
	simulateSelector      [4]byte
	userOpTupleArgs       abi.Arguments

	userOperationEventTopic        common.Hash
	userOperationRevertReasonTopic common.Hash

	// codeCache memoizes eth_getCode results. A hint only: every ban/trust
	// decision still reads through internal/reputation's pebble-backed
	// store, never this cache, so a stale entry can at most cause one
	// extra round trip to be skipped, never a wrong admission decision.
	codeCache *lru.Cache[common.Address, []byte]
}

// Dial opens an *rpc.Client at url and wraps it as an Adapter.
func Dial(ctx context.Context, url string, st *store.Store) (*Adapter, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(c, st), nil
}

// New wraps an already-constructed caller (production: *rpc.Client; tests:
// a fake) as an Adapter.
func New(c caller, st *store.Store) *Adapter {
	cache, err := lru.New[common.Address, []byte](codeCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which codeCacheSize never is
	}
	a := &Adapter{client: c, st: st, codeCache: cache}

	copy(a.getUserOpHashSelector[:], crypto.Keccak256([]byte(
		"getUserOpHash((address,uint256,bytes,bytes,uint256,uint256,uint256,uint256,uint256,bytes,bytes))"))[:4])
	copy(a.simulateSelector[:], crypto.Keccak256([]byte(
		"simulateValidation((address,uint256,bytes,bytes,uint256,uint256,uint256,uint256,uint256,bytes,bytes))"))[:4])

	a.userOperationEventTopic = crypto.Keccak256Hash([]byte(
		"UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))
	a.userOperationRevertReasonTopic = crypto.Keccak256Hash([]byte(
		"UserOperationRevertReason(bytes32,address,uint256,bytes)"))

	tupleComponents := []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "callGasLimit", Type: "uint256"},
		{Name: "verificationGasLimit", Type: "uint256"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	}
	tupleType, err := abi.NewType("tuple", "", tupleComponents)
	if err != nil {
		panic(err)
	}
	a.userOpTupleArgs = abi.Arguments{{Type: tupleType}}

	return a
}

type userOpTuple struct {
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

func (a *Adapter) packUserOp(selector [4]byte, u *userop.UserOp) ([]byte, error) {
	packed, err := a.userOpTupleArgs.Pack(userOpTuple{
		Sender:               u.Sender,
		Nonce:                u.Nonce,
		InitCode:             u.InitCode,
		CallData:             u.CallData,
		CallGasLimit:         u.CallGasLimit,
		VerificationGasLimit: u.VerificationGasLimit,
		PreVerificationGas:   u.PreVerificationGas,
		MaxFeePerGas:         u.MaxFeePerGas,
		MaxPriorityFeePerGas: u.MaxPriorityFeePerGas,
		PaymasterAndData:     u.PaymasterAndData,
		Signature:            u.Signature,
	})
	if err != nil {
		return nil, err
	}
	return append(selector[:], packed...), nil
}

// callMsg mirrors the JSON shape of an eth_call transaction object.
type callMsg struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// IsContract reports whether address currently holds contract code
// (§4.2: non-empty code and not the zero address).
func (a *Adapter) IsContract(ctx context.Context, address common.Address) (bool, error) {
	if address == (common.Address{}) {
		return false, nil
	}
	var result hexutil.Bytes
	if err := a.client.CallContext(ctx, &result, "eth_getCode", address, "latest"); err != nil {
		return false, err
	}
	return len(result) > 0, nil
}

// CodeAt fetches the code at address, implementing reputation.CodeReader.
// Served from codeCache when present; a cache hit never substitutes for
// the reputation store's own authoritative read on the ban/trust path.
func (a *Adapter) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	if code, ok := a.codeCache.Get(address); ok {
		return code, nil
	}
	var result hexutil.Bytes
	if err := a.client.CallContext(ctx, &result, "eth_getCode", address, "latest"); err != nil {
		return nil, err
	}
	a.codeCache.Add(address, result)
	return result, nil
}

// CodeHash is keccak256 of the code at address (the hash of empty bytes for
// an EOA, a well-known constant).
func (a *Adapter) CodeHash(ctx context.Context, address common.Address) (common.Hash, error) {
	code, err := a.CodeAt(ctx, address)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(code), nil
}

// Ping verifies the node connection is alive, for the readiness endpoint.
func (a *Adapter) Ping(ctx context.Context) error {
	var result hexutil.Uint64
	return a.client.CallContext(ctx, &result, "eth_blockNumber")
}

type blockHeader struct {
	BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
}

// BaseFee is baseFeePerGas of the latest block, or 0 pre-London.
func (a *Adapter) BaseFee(ctx context.Context) (*big.Int, error) {
	var head blockHeader
	if err := a.client.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, err
	}
	if head.BaseFeePerGas == nil {
		return big.NewInt(0), nil
	}
	return (*big.Int)(head.BaseFeePerGas), nil
}

var balanceOfArgs = func() abi.Arguments {
	addrType, _ := abi.NewType("address", "", nil)
	return abi.Arguments{{Type: addrType}}
}()

var uint256Args = func() abi.Arguments {
	t, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Type: t}}
}()

// BalanceOfDeposit is the EntryPoint's deposit balance for account, an
// EntryPoint view call (balanceOf(address) -> uint256, same ABI shape the
// EntryPoint reuses from its stake-manager base).
func (a *Adapter) BalanceOfDeposit(ctx context.Context, entryPoint, account common.Address) (*big.Int, error) {
	selector := crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	packedArg, err := balanceOfArgs.Pack(account)
	if err != nil {
		return nil, err
	}
	data := append(append([]byte{}, selector...), packedArg...)

	var result hexutil.Bytes
	if err := a.client.CallContext(ctx, &result, "eth_call", callMsg{To: entryPoint, Data: data}, "latest"); err != nil {
		return nil, err
	}
	values, err := uint256Args.UnpackValues(result)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// EstimateGas proxies eth_estimateGas for an arbitrary call.
func (a *Adapter) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	var result hexutil.Uint64
	msg := map[string]interface{}{
		"from": from,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	if err := a.client.CallContext(ctx, &result, "eth_estimateGas", msg); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// SimulateValidation invokes the EntryPoint's simulateValidation, expected
// to always revert, and returns the decoded selector/payload plus the
// execution trace (when the node honours debug_traceCall). A non-revert is
// a fatal simulator mismatch: SimulateValidation returns a non-nil error in
// that case, distinct from a normal revert.
func (a *Adapter) SimulateValidation(ctx context.Context, entryPoint common.Address, op *userop.UserOp) (selector [4]byte, payload []byte, frames []trace.Frame, err error) {
	data, err := a.packUserOp(a.simulateSelector, op)
	if err != nil {
		return selector, nil, nil, err
	}

	var callResult hexutil.Bytes
	callErr := a.client.CallContext(ctx, &callResult, "eth_call", callMsg{To: entryPoint, Data: data}, "latest")
	if callErr == nil {
		return selector, nil, nil, fmt.Errorf("simulateValidation did not revert: the simulator and the node disagree")
	}

	var dataErr rpc.DataError
	if !errors.As(callErr, &dataErr) {
		return selector, nil, nil, fmt.Errorf("simulateValidation call failed without revert data: %w", callErr)
	}
	revertHex, _ := dataErr.ErrorData().(string)
	revert, err := hexutil.Decode(revertHex)
	if err != nil || len(revert) < 4 {
		return selector, nil, nil, fmt.Errorf("simulateValidation returned malformed revert data")
	}
	copy(selector[:], revert[:4])
	payload = revert[4:]

	frames, traceErr := a.traceCall(ctx, entryPoint, data)
	if traceErr != nil {
		// Public RPC without debug_traceCall support: trace stays nil,
		// matching §4.2's "Option<Trace>" on non-tracing nodes.
		return selector, payload, nil, nil
	}
	return selector, payload, frames, nil
}

type structLogEntry struct {
	Op     string   `json:"op"`
	Depth  int      `json:"depth"`
	Stack  []string `json:"stack"`
	Memory []string `json:"memory"`
}

type traceCallResult struct {
	StructLogs []structLogEntry `json:"structLogs"`
}

func (a *Adapter) traceCall(ctx context.Context, to common.Address, data []byte) ([]trace.Frame, error) {
	var result traceCallResult
	cfg := map[string]interface{}{"disableStorage": true}
	if err := a.client.CallContext(ctx, &result, "debug_traceCall", callMsg{To: to, Data: data}, "latest", cfg); err != nil {
		return nil, err
	}

	frames := make([]trace.Frame, 0, len(result.StructLogs))
	for _, l := range result.StructLogs {
		frames = append(frames, trace.Frame{
			Depth:  l.Depth,
			Op:     vm.StringToOp(l.Op),
			Stack:  l.Stack,
			Memory: l.Memory,
		})
	}
	return frames, nil
}

// GetUserOpHash implements userop.HashComputer by delegating to the
// EntryPoint's own getUserOpHash view call. Deliberately never computed
// locally — see internal/userop/hash.go's doc comment.
func (a *Adapter) GetUserOpHash(ctx context.Context, entryPoint common.Address, op *userop.UserOp) (common.Hash, error) {
	data, err := a.packUserOp(a.getUserOpHashSelector, op)
	if err != nil {
		return common.Hash{}, err
	}
	var result hexutil.Bytes
	if err := a.client.CallContext(ctx, &result, "eth_call", callMsg{To: entryPoint, Data: data}, "latest"); err != nil {
		return common.Hash{}, err
	}
	if len(result) != 32 {
		return common.Hash{}, fmt.Errorf("getUserOpHash returned %d bytes, want 32", len(result))
	}
	return common.BytesToHash(result), nil
}

type logEntry struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

// UserOpReceipts implements mempool.ReceiptSource: scans UserOperationEvent
// and UserOperationRevertReason logs from the persisted last_seen_block
// cursor onward, advancing it monotonically. When both events match the
// same hash the revert wins, reflecting the actual on-chain outcome.
func (a *Adapter) UserOpReceipts(ctx context.Context, entryPoint common.Address, hash common.Hash) (txHash *common.Hash, accepted *bool, err error) {
	fromBlock, err := a.lastSeenBlock()
	if err != nil {
		return nil, nil, err
	}

	var logs []logEntry
	filter := map[string]interface{}{
		"address":   entryPoint,
		"topics":    [][]common.Hash{{a.userOperationEventTopic, a.userOperationRevertReasonTopic}, {hash}},
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   "latest",
	}
	if err := a.client.CallContext(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, nil, err
	}

	var highestBlock uint64
	var acceptedMatch, revertMatch *logEntry
	for i := range logs {
		l := &logs[i]
		if uint64(l.BlockNumber) > highestBlock {
			highestBlock = uint64(l.BlockNumber)
		}
		switch l.Topics[0] {
		case a.userOperationEventTopic:
			acceptedMatch = l
		case a.userOperationRevertReasonTopic:
			revertMatch = l
		}
	}
	if highestBlock > fromBlock {
		if err := a.setLastSeenBlock(highestBlock); err != nil {
			return nil, nil, err
		}
	}

	if revertMatch != nil {
		f := false
		tx := revertMatch.TxHash
		return &tx, &f, nil
	}
	if acceptedMatch != nil {
		tr := true
		tx := acceptedMatch.TxHash
		return &tx, &tr, nil
	}
	return nil, nil, nil
}

func (a *Adapter) lastSeenBlock() (uint64, error) {
	data, closer, err := a.st.DB.Get(store.LastSeenBlockKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return new(big.Int).SetBytes(data).Uint64(), nil
}

func (a *Adapter) setLastSeenBlock(block uint64) error {
	buf := make([]byte, 8)
	new(big.Int).SetUint64(block).FillBytes(buf)
	return a.st.DB.Set(store.LastSeenBlockKey(), buf, nil)
}
