// Package entrypoint is the supported-EntryPoint registry (§4.8):
// case-insensitive membership, add, remove, and list.
package entrypoint

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Shchepetov/erc4337-mempool/internal/store"
)

type Store struct {
	st *store.Store
}

func New(st *store.Store) *Store {
	return &Store{st: st}
}

// IsSupported reports whether address is a registered EntryPoint, matching
// is_entry_point_supported's case-insensitive comparison
// (func.lower(EntryPoint.address) == address.lower()).
func (s *Store) IsSupported(address common.Address) (bool, error) {
	_, closer, err := s.st.DB.Get(store.EntryPointKey(address))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Add registers address as supported, a no-op if already registered
// (update_entry_point's is_supported=true branch).
func (s *Store) Add(address common.Address) error {
	return s.st.DB.Set(store.EntryPointKey(address), []byte{1}, pebble.Sync)
}

// Remove unregisters address, a no-op if it was not registered
// (update_entry_point's is_supported=false branch).
func (s *Store) Remove(address common.Address) error {
	return s.st.DB.Delete(store.EntryPointKey(address), pebble.Sync)
}

// List returns every supported EntryPoint address (get_supported_entry_points).
func (s *Store) List() ([]common.Address, error) {
	iter, err := s.st.DB.NewIter(&pebble.IterOptions{
		LowerBound: store.EntryPointPrefix(),
		UpperBound: store.PrefixUpperBound(store.EntryPointPrefix()),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []common.Address
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		hexAddr := string(key[len(store.EntryPointPrefix()):])
		out = append(out, common.HexToAddress(hexAddr))
	}
	return out, iter.Error()
}
