package entrypoint

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Shchepetov/erc4337-mempool/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.OpenMem()
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestAddListRemove(t *testing.T) {
	ep := newStore(t)
	addr := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	if ok, err := ep.IsSupported(addr); err != nil || ok {
		t.Fatalf("expected unsupported before Add, got %v, err %v", ok, err)
	}

	if err := ep.Add(addr); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, err := ep.IsSupported(addr); err != nil || !ok {
		t.Fatalf("expected supported after Add, got %v, err %v", ok, err)
	}

	list, err := ep.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0] != addr {
		t.Fatalf("expected [%v], got %v", addr, list)
	}

	if err := ep.Remove(addr); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, err := ep.IsSupported(addr); err != nil || ok {
		t.Fatalf("expected unsupported after Remove, got %v, err %v", ok, err)
	}
}

func TestIsSupported_CaseInsensitive(t *testing.T) {
	ep := newStore(t)
	lower := common.HexToAddress("0x5ff137d4b0fdcd49dca30c7cf57e578a026d2789")
	upper := common.HexToAddress("0x5FF137D4B0FDCD49DCA30C7CF57E578A026D2789")

	if err := ep.Add(lower); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, err := ep.IsSupported(upper); err != nil || !ok {
		t.Fatalf("expected case-insensitive match, got %v, err %v", ok, err)
	}
}
