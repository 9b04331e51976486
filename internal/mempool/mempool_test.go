package mempool

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Shchepetov/erc4337-mempool/internal/store"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// fakeReceipts answers UserOpReceipts from a fixed table keyed by op hash,
// standing in for the on-chain log scan the real RPC adapter performs.
type fakeReceipts struct {
	byHash map[common.Hash]struct {
		tx       common.Hash
		accepted bool
	}
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{byHash: make(map[common.Hash]struct {
		tx       common.Hash
		accepted bool
	})}
}

func (f *fakeReceipts) UserOpReceipts(ctx context.Context, entryPoint common.Address, hash common.Hash) (*common.Hash, *bool, error) {
	rec, ok := f.byHash[hash]
	if !ok {
		return nil, nil, nil
	}
	tx := rec.tx
	accepted := rec.accepted
	return &tx, &accepted, nil
}

func newStore(t *testing.T, receipts ReceiptSource) (*Store, *store.Store) {
	t.Helper()
	st, err := store.OpenMem()
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, receipts, nil, nil), st
}

func samplePooledUserOp(sender common.Address, hash common.Hash, expiresAt int64) *userop.PooledUserOp {
	return &userop.PooledUserOp{
		UserOp: userop.UserOp{
			Sender:               sender,
			Nonce:                big.NewInt(0),
			InitCode:             nil,
			CallData:             []byte{0x01},
			CallGasLimit:         big.NewInt(100000),
			VerificationGasLimit: big.NewInt(100000),
			PreVerificationGas:   big.NewInt(21000),
			MaxFeePerGas:         big.NewInt(1_000_000_000),
			MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
			PaymasterAndData:     nil,
			Signature:            []byte{0xaa},
		},
		OpHash:     hash,
		EntryPoint: common.HexToAddress("0xe5e5e5"),
		PreOpGas:   big.NewInt(50000),
		ValidAfter: 0,
		ValidUntil: 0,
		ExpiresAt:  expiresAt,
		IsTrusted:  false,
	}
}

func TestAdd_ReplacesPriorUserOpFromSameSender(t *testing.T) {
	ctx := context.Background()
	mp, _ := newStore(t, newFakeReceipts())
	sender := common.HexToAddress("0x1111")

	first := samplePooledUserOp(sender, common.HexToHash("0xaaaa"), 1000)
	if err := mp.Add(ctx, first, nil, 0); err != nil {
		t.Fatalf("Add first: %v", err)
	}
	second := samplePooledUserOp(sender, common.HexToHash("0xbbbb"), 2000)
	if err := mp.Add(ctx, second, nil, 0); err != nil {
		t.Fatalf("Add second: %v", err)
	}

	if got, err := mp.GetByHash(ctx, first.OpHash); err != nil || got != nil {
		t.Fatalf("first UserOp should have been replaced, got %+v, err %v", got, err)
	}
	got, err := mp.GetByHash(ctx, second.OpHash)
	if err != nil {
		t.Fatalf("GetByHash second: %v", err)
	}
	if got == nil || got.OpHash != second.OpHash {
		t.Fatalf("expected second UserOp to be pooled, got %+v", got)
	}
}

func TestAdd_PreservesExecutedPriorUserOpFromSameSender(t *testing.T) {
	ctx := context.Background()
	mp, _ := newStore(t, newFakeReceipts())
	sender := common.HexToAddress("0x2222")

	txHash := common.HexToHash("0xbeef")
	first := samplePooledUserOp(sender, common.HexToHash("0xcccc"), 1000)
	first.TxHash = &txHash
	if err := mp.Add(ctx, first, nil, 0); err != nil {
		t.Fatalf("Add first: %v", err)
	}
	second := samplePooledUserOp(sender, common.HexToHash("0xdddd"), 2000)
	if err := mp.Add(ctx, second, nil, 0); err != nil {
		t.Fatalf("Add second: %v", err)
	}

	if got, err := mp.GetByHash(ctx, first.OpHash); err != nil || got == nil {
		t.Fatalf("expected the already-executed prior UserOp to be preserved as history, got %+v, err %v", got, err)
	}
	got, err := mp.GetByHash(ctx, second.OpHash)
	if err != nil {
		t.Fatalf("GetByHash second: %v", err)
	}
	if got == nil || got.OpHash != second.OpHash {
		t.Fatalf("expected second UserOp to be pooled, got %+v", got)
	}
}

func TestGetByHash_NotFoundReturnsNilNil(t *testing.T) {
	mp, _ := newStore(t, newFakeReceipts())
	got, err := mp.GetByHash(context.Background(), common.HexToHash("0xdead"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown hash, got %+v", got)
	}
}

func TestListLast_ExcludesExpiredAndExecuted(t *testing.T) {
	ctx := context.Background()
	receipts := newFakeReceipts()
	mp, _ := newStore(t, receipts)

	now := int64(1000)
	live := samplePooledUserOp(common.HexToAddress("0x01"), common.HexToHash("0x0a"), now+500)
	expired := samplePooledUserOp(common.HexToAddress("0x02"), common.HexToHash("0x0b"), now-1)
	executedHash := common.HexToHash("0x0c")
	executed := samplePooledUserOp(common.HexToAddress("0x03"), executedHash, now+500)

	for _, p := range []*userop.PooledUserOp{live, expired, executed} {
		if err := mp.Add(ctx, p, nil, 0); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	receipts.byHash[executedHash] = struct {
		tx       common.Hash
		accepted bool
	}{tx: common.HexToHash("0xbeef"), accepted: true}

	got, err := mp.ListLast(ctx, 10, now)
	if err != nil {
		t.Fatalf("ListLast: %v", err)
	}
	if len(got) != 1 || got[0].OpHash != live.OpHash {
		t.Fatalf("expected only the live UserOp, got %+v", got)
	}
}

func TestReconcileReceipt_PersistsOnceThenNoOp(t *testing.T) {
	ctx := context.Background()
	receipts := newFakeReceipts()
	mp, _ := newStore(t, receipts)

	hash := common.HexToHash("0x0a")
	p := samplePooledUserOp(common.HexToAddress("0x01"), hash, 2000)
	if err := mp.Add(ctx, p, nil, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	txHash := common.HexToHash("0xbeef")
	receipts.byHash[hash] = struct {
		tx       common.Hash
		accepted bool
	}{tx: txHash, accepted: true}

	fetched, err := mp.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	executed, err := mp.ReconcileReceipt(ctx, fetched)
	if err != nil {
		t.Fatalf("ReconcileReceipt: %v", err)
	}
	if !executed {
		t.Fatalf("expected ReconcileReceipt to report executed")
	}

	persisted, err := mp.GetByHash(ctx, hash)
	if err != nil {
		t.Fatalf("GetByHash after reconcile: %v", err)
	}
	if persisted.TxHash == nil || *persisted.TxHash != txHash {
		t.Fatalf("expected tx_hash to be persisted, got %+v", persisted.TxHash)
	}

	delete(receipts.byHash, hash)
	executedAgain, err := mp.ReconcileReceipt(ctx, persisted)
	if err != nil {
		t.Fatalf("ReconcileReceipt second call: %v", err)
	}
	if !executedAgain {
		t.Fatalf("reconcile on an already-settled UserOp must stay a no-op success, not re-query the source")
	}
}

func TestDeleteByHash_RemovesExpiryAndBytecodeIndexes(t *testing.T) {
	ctx := context.Background()
	mp, st := newStore(t, newFakeReceipts())

	hash := common.HexToHash("0x0a")
	bcHash := common.HexToHash("0xb0b0")
	p := samplePooledUserOp(common.HexToAddress("0x01"), hash, 5000)
	if err := mp.Add(ctx, p, []common.Hash{bcHash}, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}

	batch := st.NewIndexedBatch()
	if err := DeleteByHash(batch, hash); err != nil {
		t.Fatalf("DeleteByHash: %v", err)
	}
	if err := batch.Commit(nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if got, err := mp.GetByHash(ctx, hash); err != nil || got != nil {
		t.Fatalf("expected UserOp to be gone, got %+v, err %v", got, err)
	}

	if _, _, err := st.DB.Get(store.UserOpByExpiryKey(p.ExpiresAt, hash)); err == nil {
		t.Fatalf("expiry index entry should have been deleted")
	}
	if _, _, err := st.DB.Get(store.UserOpBytecodeKey(hash, bcHash)); err == nil {
		t.Fatalf("user_op->bytecode join entry should have been deleted")
	}
	if _, _, err := st.DB.Get(store.BytecodeUserOpKey(bcHash, hash)); err == nil {
		t.Fatalf("bytecode->user_op join entry should have been deleted")
	}

	list, err := mp.ListLast(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListLast: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expiry index scan should see nothing left, got %+v", list)
	}
}
