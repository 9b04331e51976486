// Package mempool is the persistent store of pooled UserOps: per-sender
// replacement, expiry, and receipt reconciliation (§4.6).
package mempool

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Shchepetov/erc4337-mempool/internal/metrics"
	"github.com/Shchepetov/erc4337-mempool/internal/store"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// ReceiptSource answers the on-chain receipt question for a UserOp hash,
// scanning UserOperationEvent/UserOperationRevertReason logs.
type ReceiptSource interface {
	UserOpReceipts(ctx context.Context, entryPoint common.Address, hash common.Hash) (txHash *common.Hash, accepted *bool, err error)
}

// Notifier publishes admission/reconciliation events; internal/notify's
// NoopPublisher is used when no pub/sub backend is configured.
type Notifier interface {
	PublishAdmitted(ctx context.Context, hash common.Hash) error
	PublishReconciled(ctx context.Context, hash common.Hash) error
}

type Store struct {
	st       *store.Store
	receipts ReceiptSource
	notifier Notifier
	metrics  *metrics.Metrics
}

// New wires the pebble store, the on-chain receipt source, and an optional
// Notifier/Metrics pair. A nil metrics is tolerated the same way a nil
// notifier is, so tests can skip standing up a Prometheus registry.
func New(st *store.Store, receipts ReceiptSource, notifier Notifier, m *metrics.Metrics) *Store {
	return &Store{st: st, receipts: receipts, notifier: notifier, metrics: m}
}

// Add replaces the sender's existing pooled UserOp, if any, and persists the
// new one with tx_hash unset, together with the user_op<->bytecode join
// rows, creating unknown bytecode rows on first encounter. All of it
// commits as one pebble batch, so the per-sender replacement is atomic. A
// prior UserOp that is no longer valid (already executed, or expired) is
// kept as a historical record rather than deleted; only the sender index
// is repointed at the new hash.
func (s *Store) Add(ctx context.Context, p *userop.PooledUserOp, helperHashes []common.Hash, now int64) error {
	unlock := s.st.LockSender(p.Sender.Hex())
	defer unlock()

	batch := s.st.NewIndexedBatch()
	defer batch.Close()

	if err := s.deleteBySenderLocked(batch, p.Sender, now); err != nil {
		return err
	}

	opHash := p.OpHash
	data, err := EncodePooledUserOp(p)
	if err != nil {
		return err
	}
	if err := batch.Set(store.UserOpKey(opHash), data, nil); err != nil {
		return err
	}
	if err := batch.Set(store.UserOpBySenderKey(p.Sender), opHash.Bytes(), nil); err != nil {
		return err
	}
	if err := batch.Set(store.UserOpByExpiryKey(p.ExpiresAt, opHash), nil, nil); err != nil {
		return err
	}

	for _, bc := range helperHashes {
		if err := batch.Set(store.UserOpBytecodeKey(opHash, bc), nil, nil); err != nil {
			return err
		}
		if err := batch.Set(store.BytecodeUserOpKey(bc, opHash), nil, nil); err != nil {
			return err
		}
		// Creates the bytecode row as unknown on first encounter, if absent.
		if _, closer, err := batch.Get(store.BytecodeKey(bc)); errors.Is(err, pebble.ErrNotFound) {
			if err := batch.Set(store.BytecodeKey(bc), []byte{byte(userop.StatusUnknown)}, nil); err != nil {
				return err
			}
		} else if err == nil {
			closer.Close()
		} else {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	if s.notifier != nil {
		// Best-effort: a notification failure must not roll back an
		// already-committed admission.
		_ = s.notifier.PublishAdmitted(ctx, opHash)
	}
	return nil
}

// GetByHash looks up a pooled UserOp by its hash.
func (s *Store) GetByHash(ctx context.Context, hash common.Hash) (*userop.PooledUserOp, error) {
	data, closer, err := s.st.DB.Get(store.UserOpKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return DecodePooledUserOp(data)
}

// ListLast assembles up to count non-executed, non-expired pooled UserOps,
// reconciling each visited row's receipt first; a row that transitions to
// executed during the scan is not counted but the reconciliation's side
// effect is kept.
func (s *Store) ListLast(ctx context.Context, count int, now int64) ([]*userop.PooledUserOp, error) {
	iter, err := s.st.DB.NewIter(&pebble.IterOptions{
		LowerBound: store.UserOpByExpiryPrefix(),
		UpperBound: store.PrefixUpperBound(store.UserOpByExpiryPrefix()),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var result []*userop.PooledUserOp
	for iter.First(); iter.Valid() && count > 0; iter.Next() {
		hash := common.BytesToHash(iter.Key()[len(iter.Key())-common.HashLength:])

		p, err := s.GetByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if p == nil || !p.Valid(now) {
			continue
		}

		executed, err := s.ReconcileReceipt(ctx, p)
		if err != nil {
			return nil, err
		}
		if executed {
			continue
		}

		result = append(result, p)
		count--
	}
	return result, iter.Error()
}

// ReconcileReceipt is a no-op once tx_hash is set; otherwise it queries the
// receipt source and, on a match, persists tx_hash/accepted. Returns true
// iff the UserOp now has a receipt (whether freshly reconciled or already
// present).
func (s *Store) ReconcileReceipt(ctx context.Context, p *userop.PooledUserOp) (bool, error) {
	if p.TxHash != nil {
		return true, nil
	}

	txHash, accepted, err := s.receipts.UserOpReceipts(ctx, p.EntryPoint, p.OpHash)
	if err != nil {
		return false, err
	}
	if txHash == nil {
		return false, nil
	}

	p.TxHash = txHash
	p.Accepted = accepted

	data, err := EncodePooledUserOp(p)
	if err != nil {
		return false, err
	}
	if err := s.st.DB.Set(store.UserOpKey(p.OpHash), data, pebble.Sync); err != nil {
		return false, err
	}
	if s.notifier != nil {
		_ = s.notifier.PublishReconciled(ctx, p.OpHash)
	}
	if s.metrics != nil {
		s.metrics.RecordReconcile(true)
	}
	return true, nil
}

// GetReceipt reconciles then reads the receipt for a pooled UserOp's hash.
func (s *Store) GetReceipt(ctx context.Context, hash common.Hash) (txHash *common.Hash, accepted *bool, found bool, err error) {
	p, err := s.GetByHash(ctx, hash)
	if err != nil || p == nil {
		return nil, nil, false, err
	}
	if _, err := s.ReconcileReceipt(ctx, p); err != nil {
		return nil, nil, false, err
	}
	return p.TxHash, p.Accepted, true, nil
}

// deleteBySenderLocked drops the sender's prior pooled UserOp only if it is
// still valid (not yet executed, not yet expired, per Valid); an
// already-executed UserOp is left in place as a historical record and the
// sender index is simply repointed by the caller's subsequent Set, matching
// _examples/original_source/utils/db/service.py's where_user_op_valid guard
// on delete_user_op_by_sender.
func (s *Store) deleteBySenderLocked(batch *pebble.Batch, sender common.Address, now int64) error {
	senderKey := store.UserOpBySenderKey(sender)
	hashBytes, closer, err := batch.Get(senderKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	hash := common.BytesToHash(hashBytes)
	closer.Close()

	data, closer, err := batch.Get(store.UserOpKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	prior, err := DecodePooledUserOp(data)
	closer.Close()
	if err != nil {
		return err
	}
	if !prior.Valid(now) {
		return nil
	}

	return DeleteByHash(batch, hash)
}

// DeleteByHash removes a pooled UserOp and every index entry that
// references it: the primary record, the sender index, the expiry index,
// and both directions of the bytecode join. Used both by per-sender
// replacement and by bytecode-ban cascade delete (§4.7).
func DeleteByHash(batch *pebble.Batch, hash common.Hash) error {
	data, closer, err := batch.Get(store.UserOpKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p, err := DecodePooledUserOp(data)
	closer.Close()
	if err != nil {
		return err
	}

	iter, err := batch.NewIter(&pebble.IterOptions{
		LowerBound: store.UserOpBytecodePrefix(hash),
		UpperBound: store.PrefixUpperBound(store.UserOpBytecodePrefix(hash)),
	})
	if err != nil {
		return err
	}
	var bcHashes []common.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		bcHashes = append(bcHashes, common.BytesToHash(key[len(key)-common.HashLength:]))
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, bc := range bcHashes {
		if err := batch.Delete(store.UserOpBytecodeKey(hash, bc), nil); err != nil {
			return err
		}
		if err := batch.Delete(store.BytecodeUserOpKey(bc, hash), nil); err != nil {
			return err
		}
	}

	if err := batch.Delete(store.UserOpKey(hash), nil); err != nil {
		return err
	}
	if err := batch.Delete(store.UserOpBySenderKey(p.Sender), nil); err != nil {
		return err
	}
	return batch.Delete(store.UserOpByExpiryKey(p.ExpiresAt, hash), nil)
}
