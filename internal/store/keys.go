// Package store is the pebble key-space shared by the mempool, reputation,
// and entry-point registry packages: a transactional key-value store with
// secondary indices, replacing the original relational tables (§3.4, §6).
package store

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

const (
	prefixUserOp         = "u/"
	prefixUserOpBySender = "us/"
	prefixUserOpByExpiry = "ue/"
	prefixBytecode       = "b/"
	prefixUserOpBytecode = "ub/"
	prefixBytecodeUserOp = "bu/"
	prefixEntryPoint     = "e/"
	prefixMeta           = "m/"
)

// UserOpKey is the primary key for a pooled UserOp, keyed by hash.
func UserOpKey(hash common.Hash) []byte {
	return append([]byte(prefixUserOp), hash.Bytes()...)
}

// UserOpBySenderKey indexes the (at most one) live pooled UserOp for a
// sender, enforcing invariant 2 via delete-then-insert.
func UserOpBySenderKey(sender common.Address) []byte {
	return append([]byte(prefixUserOpBySender), sender.Bytes()...)
}

// UserOpByExpiryPrefix is the scan prefix for expiry-ordered iteration.
func UserOpByExpiryPrefix() []byte {
	return []byte(prefixUserOpByExpiry)
}

// UserOpByExpiryKey orders by expires_at (big-endian so byte order is
// numeric order) then by hash, for a stable scan cursor.
func UserOpByExpiryKey(expiresAt int64, hash common.Hash) []byte {
	key := make([]byte, 0, len(prefixUserOpByExpiry)+8+common.HashLength)
	key = append(key, prefixUserOpByExpiry...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expiresAt))
	key = append(key, buf[:]...)
	key = append(key, hash.Bytes()...)
	return key
}

// BytecodeKey is the primary key for a bytecode's reputation row.
func BytecodeKey(hash common.Hash) []byte {
	return append([]byte(prefixBytecode), hash.Bytes()...)
}

// UserOpBytecodeKey is one edge of the user_op<->bytecode join, keyed by
// user-op hash then bytecode hash, for "which bytecodes does this UserOp
// reference" scans.
func UserOpBytecodeKey(opHash, bcHash common.Hash) []byte {
	key := make([]byte, 0, len(prefixUserOpBytecode)+2*common.HashLength)
	key = append(key, prefixUserOpBytecode...)
	key = append(key, opHash.Bytes()...)
	key = append(key, bcHash.Bytes()...)
	return key
}

// UserOpBytecodePrefix scans every bytecode hash joined to a given UserOp.
func UserOpBytecodePrefix(opHash common.Hash) []byte {
	return append([]byte(prefixUserOpBytecode), opHash.Bytes()...)
}

// BytecodeUserOpKey is the reverse join edge, keyed by bytecode hash then
// user-op hash, for "which UserOps reference this bytecode" scans (needed
// by cascade delete and the same-bytecode-tenancy check).
func BytecodeUserOpKey(bcHash, opHash common.Hash) []byte {
	key := make([]byte, 0, len(prefixBytecodeUserOp)+2*common.HashLength)
	key = append(key, prefixBytecodeUserOp...)
	key = append(key, bcHash.Bytes()...)
	key = append(key, opHash.Bytes()...)
	return key
}

// BytecodeUserOpPrefix scans every UserOp hash joined to a given bytecode.
func BytecodeUserOpPrefix(bcHash common.Hash) []byte {
	return append([]byte(prefixBytecodeUserOp), bcHash.Bytes()...)
}

// EntryPointKey is the key for a supported EntryPoint address. The key holds
// the EIP-55 checksummed hex of the parsed 20-byte address, so every casing
// of the same address maps to one key and lookups are case-insensitive,
// matching `func.lower(EntryPoint.address)` in the original service layer.
func EntryPointKey(addr common.Address) []byte {
	return append([]byte(prefixEntryPoint), []byte(addr.Hex())...)
}

// EntryPointPrefix scans every supported EntryPoint.
func EntryPointPrefix() []byte {
	return []byte(prefixEntryPoint)
}

// LastSeenBlockKey persists the RPC adapter's log-scan cursor (§5, §9) so a
// restart can resume without rescanning from genesis.
func LastSeenBlockKey() []byte {
	return []byte(prefixMeta + "last_seen_block")
}

// SchemaVersionKey marks the store as initialized by `initialize-db`.
func SchemaVersionKey() []byte {
	return []byte(prefixMeta + "schema_version")
}

// PrefixUpperBound returns the exclusive upper bound for an iterator range
// scanning every key with the given prefix.
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff: unbounded
}
