package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Shchepetov/erc4337-mempool/internal/health"
	"github.com/Shchepetov/erc4337-mempool/internal/metrics"
	"github.com/Shchepetov/erc4337-mempool/internal/pipeline"
	"github.com/Shchepetov/erc4337-mempool/internal/simulation"
	"github.com/Shchepetov/erc4337-mempool/internal/trace"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePipeline struct {
	outcome *pipeline.Outcome
	err     error
}

func (f *fakePipeline) Validate(ctx context.Context, op *userop.UserOp, entryPoint common.Address, now int64) (*pipeline.Outcome, error) {
	return f.outcome, f.err
}

type fakePool struct {
	added    *userop.PooledUserOp
	byHash   map[common.Hash]*userop.PooledUserOp
	addErr   error
	listErr  error
	list     []*userop.PooledUserOp
	txHash   *common.Hash
	accepted *bool
	found    bool
}

func (f *fakePool) Add(ctx context.Context, p *userop.PooledUserOp, helperHashes []common.Hash, now int64) error {
	f.added = p
	return f.addErr
}
func (f *fakePool) GetByHash(ctx context.Context, hash common.Hash) (*userop.PooledUserOp, error) {
	return f.byHash[hash], nil
}
func (f *fakePool) GetReceipt(ctx context.Context, hash common.Hash) (*common.Hash, *bool, bool, error) {
	return f.txHash, f.accepted, f.found, nil
}
func (f *fakePool) ListLast(ctx context.Context, count int, now int64) ([]*userop.PooledUserOp, error) {
	return f.list, f.listErr
}

type fakeEntryPoints struct {
	addrs []common.Address
	err   error
}

func (f *fakeEntryPoints) List() ([]common.Address, error) { return f.addrs, f.err }

type fakeChain struct {
	selector [4]byte
	payload  []byte
	simErr   error
	gas      uint64
	gasErr   error
}

func (f *fakeChain) SimulateValidation(ctx context.Context, entryPoint common.Address, op *userop.UserOp) ([4]byte, []byte, []trace.Frame, error) {
	return f.selector, f.payload, nil, f.simErr
}
func (f *fakeChain) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return f.gas, f.gasErr
}

type fakeStore struct{}

func (fakeStore) Ping() error { return nil }

type fakeHealthChain struct{}

func (fakeHealthChain) Ping(ctx context.Context) error { return nil }

func sampleWireUserOp() userop.Wire {
	return userop.Wire{
		Sender:               "0x0101010101010101010101010101010101010101",
		Nonce:                "0x0",
		InitCode:             "0x",
		CallData:             "0x01",
		CallGasLimit:         "0x186a0",
		VerificationGasLimit: "0x186a0",
		PreVerificationGas:   "0x5208",
		MaxFeePerGas:         "0x3b9aca00",
		MaxPriorityFeePerGas: "0x3b9aca00",
		PaymasterAndData:     "0x",
		Signature:            "0xaa",
	}
}

func newTestServer(p Pipeline, pool Pool, ep EntryPoints, chain ChainEstimator) *Server {
	h := health.NewChecker(fakeStore{}, fakeHealthChain{}, "test")
	settings := Settings{LastUserOpsCount: 10, ExpiresSoonInterval: 60, UserOpLifetime: 300, Port: 0, RequestTimeout: 5 * time.Second}
	return New(p, pool, ep, chain, h, settings, zerolog.Nop(), metrics.New())
}

func postJSON(s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHandleSendUserOperation_AcceptedReturnsHash(t *testing.T) {
	hash := common.HexToHash("0xaaaa")
	outcome := &pipeline.Outcome{
		Hash:      hash,
		IsTrusted: true,
		Result: &simulation.Result{
			PreOpGas:   big.NewInt(50000),
			ValidAfter: 0,
			ValidUntil: 0,
			ExpiresAt:  time.Now().Unix() + 300,
		},
	}
	p := &fakePipeline{outcome: outcome}
	pool := &fakePool{byHash: map[common.Hash]*userop.PooledUserOp{}}
	s := newTestServer(p, pool, &fakeEntryPoints{}, &fakeChain{})

	req := sendUserOperationRequest{UserOp: sampleWireUserOp(), EntryPoint: common.HexToAddress("0x02").Hex()}
	w := postJSON(s, "/api/eth_sendUserOperation", req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["hash"] != hash.Hex() {
		t.Fatalf("hash = %q, want %q", resp["hash"], hash.Hex())
	}
	if pool.added == nil || pool.added.OpHash != hash {
		t.Fatalf("expected the admitted UserOp to be persisted, got %+v", pool.added)
	}
}

func TestHandleSendUserOperation_PipelineErrorIs422WithDetail(t *testing.T) {
	p := &fakePipeline{err: &pipeline.Error{Kind: pipeline.KindDuplicate, Detail: "a UserOp with this hash is already pooled"}}
	pool := &fakePool{}
	s := newTestServer(p, pool, &fakeEntryPoints{}, &fakeChain{})

	req := sendUserOperationRequest{UserOp: sampleWireUserOp(), EntryPoint: common.HexToAddress("0x02").Hex()}
	w := postJSON(s, "/api/eth_sendUserOperation", req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["detail"] == "" {
		t.Fatalf("expected a non-empty detail message")
	}
}

func TestHandleSendUserOperation_MalformedHexIs422(t *testing.T) {
	p := &fakePipeline{}
	pool := &fakePool{}
	s := newTestServer(p, pool, &fakeEntryPoints{}, &fakeChain{})

	badOp := sampleWireUserOp()
	badOp.Sender = "not-hex"
	req := sendUserOperationRequest{UserOp: badOp, EntryPoint: common.HexToAddress("0x02").Hex()}
	w := postJSON(s, "/api/eth_sendUserOperation", req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a malformed hex field, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleGetUserOperationByHash_NotFoundIs422(t *testing.T) {
	pool := &fakePool{byHash: map[common.Hash]*userop.PooledUserOp{}}
	s := newTestServer(&fakePipeline{}, pool, &fakeEntryPoints{}, &fakeChain{})

	w := postJSON(s, "/api/eth_getUserOperationByHash", hashRequest{Hash: common.Hash{}.Hex()})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an unknown hash, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleSupportedEntryPoints_ReturnsConfiguredList(t *testing.T) {
	addrs := []common.Address{common.HexToAddress("0xe5"), common.HexToAddress("0xe6")}
	ep := &fakeEntryPoints{addrs: addrs}
	s := newTestServer(&fakePipeline{}, &fakePool{}, ep, &fakeChain{})

	w := postJSON(s, "/api/eth_supportedEntryPoints", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got[0] != strings.ToLower(addrs[0].Hex()) {
		t.Fatalf("unexpected entry points list: %v", got)
	}
}

func TestHandleLastUserOperations_RecordsPoolSize(t *testing.T) {
	sender := common.HexToAddress("0x01")
	p := &userop.PooledUserOp{
		UserOp:     userop.UserOp{Sender: sender, Nonce: big.NewInt(0)},
		OpHash:     common.HexToHash("0x0a"),
		EntryPoint: common.HexToAddress("0xe5"),
		PreOpGas:   big.NewInt(1),
		ExpiresAt:  time.Now().Unix() + 500,
	}
	pool := &fakePool{list: []*userop.PooledUserOp{p}}
	s := newTestServer(&fakePipeline{}, pool, &fakeEntryPoints{}, &fakeChain{})

	w := postJSON(s, "/api/eth_lastUserOperations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got []userop.PooledWire
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one pooled UserOp, got %d", len(got))
	}

	mw := httptest.NewRecorder()
	s.router.ServeHTTP(mw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(mw.Body.String(), "mempool_pooled_user_ops 1") {
		t.Fatalf("expected the pool-size gauge to read 1, got:\n%s", mw.Body.String())
	}
}
