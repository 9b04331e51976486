package userop

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// HashComputer derives the EntryPoint-bound hash of a UserOp via an
// on-chain view call. The only correct source of a UserOp's hash is the
// EntryPoint contract itself: a locally computed digest of the ABI-encoded
// fields is not equivalent, since getUserOpHash additionally binds the
// EntryPoint address and the chain id.
type HashComputer interface {
	GetUserOpHash(ctx context.Context, entryPoint common.Address, op *UserOp) (common.Hash, error)
}

// Hash returns the UserOp's canonical hash, always by delegating to the
// EntryPoint's getUserOpHash. There is no local fallback.
func (u *UserOp) Hash(ctx context.Context, entryPoint common.Address, hc HashComputer) (common.Hash, error) {
	return hc.GetUserOpHash(ctx, entryPoint, u)
}
