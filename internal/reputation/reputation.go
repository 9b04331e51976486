// Package reputation is the bytecode trust store (§4.7): a keyed tri-state
// reputation (trusted/unknown/banned) with bulk queries and the admin
// set-by-address operation, including ban-transition cascade delete.
package reputation

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Shchepetov/erc4337-mempool/internal/mempool"
	"github.com/Shchepetov/erc4337-mempool/internal/metrics"
	"github.com/Shchepetov/erc4337-mempool/internal/store"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// CodeReader fetches the current on-chain code at an address, for
// set-by-address to hash and classify (§4.7, §4.8).
type CodeReader interface {
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
}

type Store struct {
	st      *store.Store
	cr      CodeReader
	metrics *metrics.Metrics
}

// New wires the pebble store and the chain's code reader, plus an optional
// Metrics (nil-tolerant, matching mempool.New's nil-tolerant Notifier).
func New(st *store.Store, cr CodeReader, m *metrics.Metrics) *Store {
	return &Store{st: st, cr: cr, metrics: m}
}

// GetStatus looks up a single bytecode hash's reputation, defaulting to
// StatusUnknown for an absent row (§4.2's "unknown (absent row)").
func (s *Store) GetStatus(hash common.Hash) (userop.Status, error) {
	data, closer, err := s.st.DB.Get(store.BytecodeKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return userop.StatusUnknown, nil
	}
	if err != nil {
		return userop.StatusUnknown, err
	}
	defer closer.Close()
	if len(data) == 0 {
		return userop.StatusUnknown, nil
	}
	return userop.Status(data[0]), nil
}

// AllTrusted reports whether every hash in the set is individually trusted,
// matching all_trusted_bytecodes — an empty set is vacuously true.
func (s *Store) AllTrusted(hashes []common.Hash) (bool, error) {
	for _, h := range hashes {
		status, err := s.GetStatus(h)
		if err != nil {
			return false, err
		}
		if status != userop.StatusTrusted {
			return false, nil
		}
	}
	return true, nil
}

// AnyBanned reports whether any hash in the set is banned, matching
// any_forbidden_bytecodes.
func (s *Store) AnyBanned(hashes []common.Hash) (bool, error) {
	for _, h := range hashes {
		status, err := s.GetStatus(h)
		if err != nil {
			return false, err
		}
		if status == userop.StatusBanned {
			return true, nil
		}
	}
	return false, nil
}

// AnyOtherSenderUntrustedTenancy implements the same-bytecode-tenancy
// anti-DoS rule (§4.6 step 9): true iff the pool already holds a valid
// (non-expired, unreconciled) pooled UserOp from a different sender that
// references at least one of hashes with an unknown reputation. Mirrors
// any_user_op_with_another_sender_using_bytecodes, scanning the reverse
// bytecode->user_op join instead of a SQL EXISTS subquery.
func (s *Store) AnyOtherSenderUntrustedTenancy(hashes []common.Hash, sender common.Address, now int64) (bool, error) {
	for _, h := range hashes {
		status, err := s.GetStatus(h)
		if err != nil {
			return false, err
		}
		if status != userop.StatusUnknown {
			continue
		}

		conflict, err := s.anyOtherValidTenant(h, sender, now)
		if err != nil {
			return false, err
		}
		if conflict {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) anyOtherValidTenant(bcHash common.Hash, sender common.Address, now int64) (bool, error) {
	iter, err := s.st.DB.NewIter(&pebble.IterOptions{
		LowerBound: store.BytecodeUserOpPrefix(bcHash),
		UpperBound: store.PrefixUpperBound(store.BytecodeUserOpPrefix(bcHash)),
	})
	if err != nil {
		return false, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		opHash := common.BytesToHash(key[len(key)-common.HashLength:])

		data, closer, err := s.st.DB.Get(store.UserOpKey(opHash))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		p, decErr := mempool.DecodePooledUserOp(data)
		closer.Close()
		if decErr != nil {
			return false, decErr
		}
		if p.Sender != sender && p.Valid(now) {
			return true, nil
		}
	}
	return false, iter.Error()
}

// Ban marks a bytecode hash banned and cascade-deletes every pooled UserOp
// still joined to it that is still valid (not yet executed, not yet
// expired), atomically with the status update (§4.7). An already-executed
// dependent is left in place as a historical record, matching
// update_bytecode_from_address's tx_hash == None guard. The caller's lock
// ordering (bytecode before sender) is enforced by this package only
// issuing store.LockBytecode; it never also takes a sender lock, so no
// separate ordering discipline is needed here.
func (s *Store) Ban(hash common.Hash, now int64) error {
	unlock := s.st.LockBytecode()
	defer unlock()

	batch := s.st.NewIndexedBatch()
	defer batch.Close()

	if err := batch.Set(store.BytecodeKey(hash), []byte{byte(userop.StatusBanned)}, nil); err != nil {
		return err
	}

	iter, err := batch.NewIter(&pebble.IterOptions{
		LowerBound: store.BytecodeUserOpPrefix(hash),
		UpperBound: store.PrefixUpperBound(store.BytecodeUserOpPrefix(hash)),
	})
	if err != nil {
		return err
	}
	var opHashes []common.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		opHashes = append(opHashes, common.BytesToHash(key[len(key)-common.HashLength:]))
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, opHash := range opHashes {
		data, closer, err := batch.Get(store.UserOpKey(opHash))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		p, decErr := mempool.DecodePooledUserOp(data)
		closer.Close()
		if decErr != nil {
			return decErr
		}
		if !p.Valid(now) {
			continue
		}
		if err := mempool.DeleteByHash(batch, opHash); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordBytecodeBan()
	}
	return nil
}

// Trust marks a bytecode hash trusted, with no cascade delete (§4.2:
// trust/ban may be set, cleared, or flipped freely; only banning deletes).
func (s *Store) Trust(hash common.Hash) error {
	unlock := s.st.LockBytecode()
	defer unlock()

	return s.st.DB.Set(store.BytecodeKey(hash), []byte{byte(userop.StatusTrusted)}, pebble.Sync)
}

// SetByAddress fetches the current code at address, hashes it, and upserts
// the reputation row, cascade-deleting dependent pooled UserOps when
// transitioning to banned. Grounded on update_bytecode_from_address.
func (s *Store) SetByAddress(ctx context.Context, address common.Address, isTrusted bool, now int64) (common.Hash, error) {
	code, err := s.cr.CodeAt(ctx, address)
	if err != nil {
		return common.Hash{}, err
	}
	hash := crypto.Keccak256Hash(code)

	if isTrusted {
		return hash, s.Trust(hash)
	}
	return hash, s.Ban(hash, now)
}
