package server

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/Shchepetov/erc4337-mempool/internal/pipeline"
	"github.com/Shchepetov/erc4337-mempool/internal/simulation"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

func hexUint(n uint64) string { return fmt.Sprintf("0x%x", n) }

func hexBigInt(n *big.Int) string {
	if n == nil || n.Sign() == 0 {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

// sendUserOperationRequest is the eth_sendUserOperation / eth_estimateUserOperationGas
// request body, per §6's table.
type sendUserOperationRequest struct {
	UserOp     userop.Wire `json:"user_op"`
	EntryPoint string      `json:"entry_point"`
}

// detail renders the {"detail": "..."} body §6/§7 mandate for every 422.
func detail(msg string) gin.H { return gin.H{"detail": msg} }

// bindUserOp decodes and validates the request body's user_op/entry_point
// pair, returning a 422 with a detail message on any encoding violation.
func bindUserOp(c *gin.Context) (*userop.UserOp, common.Address, bool) {
	var req sendUserOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail("request body: "+err.Error()))
		return nil, common.Address{}, false
	}

	op, err := req.UserOp.ToUserOp()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail(err.Error()))
		return nil, common.Address{}, false
	}

	entryPoint, err := parseAddress("entry_point", req.EntryPoint)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail(err.Error()))
		return nil, common.Address{}, false
	}

	return op, entryPoint, true
}

func parseAddress(field, v string) (common.Address, error) {
	if len(v) != 42 || v[:2] != "0x" {
		return common.Address{}, &userop.EncodingError{Detail: field + ": must be an Ethereum address"}
	}
	return common.HexToAddress(v), nil
}

// writePipelineError maps a *pipeline.Error to the §7 HTTP 422 response,
// recording the rejection under its pipeline.Kind label; any other error is
// a fatal 500, matching §7's "panics/invariant-violations... are fatal 5xx".
func (s *Server) writePipelineError(c *gin.Context, err error) {
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		s.metrics.RecordAdmission(perr.Kind.String())
		c.JSON(http.StatusUnprocessableEntity, detail(perr.Detail))
		return
	}
	var encErr *userop.EncodingError
	if errors.As(err, &encErr) {
		s.metrics.RecordAdmission(pipeline.KindEncoding.String())
		c.JSON(http.StatusUnprocessableEntity, detail(encErr.Detail))
		return
	}
	c.JSON(http.StatusInternalServerError, detail("internal error"))
}

// handleSendUserOperation runs §4.5 and, on success, persists via §4.6.
func (s *Server) handleSendUserOperation(c *gin.Context) {
	op, entryPoint, ok := bindUserOp(c)
	if !ok {
		return
	}

	now := time.Now().Unix()
	outcome, err := s.pipeline.Validate(c.Request.Context(), op, entryPoint, now)
	if err != nil {
		s.writePipelineError(c, err)
		return
	}

	pooled := &userop.PooledUserOp{
		UserOp:     *op,
		OpHash:     outcome.Hash,
		EntryPoint: entryPoint,
		PreOpGas:   outcome.Result.PreOpGas,
		ValidAfter: outcome.Result.ValidAfter,
		ValidUntil: outcome.Result.ValidUntil,
		ExpiresAt:  outcome.Result.ExpiresAt,
		IsTrusted:  outcome.IsTrusted,
	}
	if err := s.pool.Add(c.Request.Context(), pooled, outcome.HelperBytecodeHashes, now); err != nil {
		c.JSON(http.StatusInternalServerError, detail("internal error"))
		return
	}

	s.metrics.RecordAdmission("accepted")
	c.JSON(http.StatusOK, gin.H{"hash": outcome.Hash.Hex()})
}

type estimateResponse struct {
	PreVerificationGas string `json:"pre_verification_gas"`
	VerificationGas    string `json:"verification_gas"`
	CallGasLimit       string `json:"call_gas_limit"`
}

// handleEstimateUserOperationGas simulates without persisting, per §6's
// exact three-field formula.
func (s *Server) handleEstimateUserOperationGas(c *gin.Context) {
	op, entryPoint, ok := bindUserOp(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	selector, payload, _, err := s.chain.SimulateValidation(ctx, entryPoint, op)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail("SimulationError: "+err.Error()))
		return
	}
	result, err := simulation.Decode(selector, payload, time.Now().Unix(), s.settings.UserOpLifetime)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail("SimulationError: "+err.Error()))
		return
	}

	callGasLimit, err := s.chain.EstimateGas(ctx, entryPoint, op.Sender, op.CallData)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail("GasError: failed to estimate call gas: "+err.Error()))
		return
	}
	calldataGas, err := op.CalldataGas()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail("GasError: "+err.Error()))
		return
	}

	c.JSON(http.StatusOK, estimateResponse{
		PreVerificationGas: hexUint(calldataGas),
		VerificationGas:    hexBigInt(result.PreOpGas),
		CallGasLimit:       hexUint(callGasLimit),
	})
}

// handleGetUserOperationByHash reconciles the receipt lazily, then returns
// the pooled UserOp or 422 if absent.
func (s *Server) handleGetUserOperationByHash(c *gin.Context) {
	hash, ok := bindHash(c)
	if !ok {
		return
	}

	if _, _, _, err := s.pool.GetReceipt(c.Request.Context(), hash); err != nil {
		c.JSON(http.StatusInternalServerError, detail("internal error"))
		return
	}

	p, err := s.pool.GetByHash(c.Request.Context(), hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail("internal error"))
		return
	}
	if p == nil {
		c.JSON(http.StatusUnprocessableEntity, detail("NotFound: no UserOp with this hash"))
		return
	}

	now := time.Now().Unix()
	expiresSoon := p.ExpiresAt-now < s.settings.ExpiresSoonInterval
	c.JSON(http.StatusOK, userop.FromPooledUserOp(p, expiresSoon))
}

type receiptResponse struct {
	TxHash   string `json:"tx_hash"`
	Accepted bool   `json:"accepted"`
}

// handleGetUserOperationReceipt returns the receipt, null while pending, or
// 422 if the UserOp is absent entirely.
func (s *Server) handleGetUserOperationReceipt(c *gin.Context) {
	hash, ok := bindHash(c)
	if !ok {
		return
	}

	txHash, accepted, found, err := s.pool.GetReceipt(c.Request.Context(), hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail("internal error"))
		return
	}
	if !found {
		c.JSON(http.StatusUnprocessableEntity, detail("NotFound: no UserOp with this hash"))
		return
	}
	if txHash == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, receiptResponse{TxHash: txHash.Hex(), Accepted: accepted != nil && *accepted})
}

func (s *Server) handleSupportedEntryPoints(c *gin.Context) {
	addrs, err := s.entryPoints.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail("internal error"))
		return
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = strings.ToLower(a.Hex())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleLastUserOperations(c *gin.Context) {
	now := time.Now().Unix()
	ops, err := s.pool.ListLast(c.Request.Context(), s.settings.LastUserOpsCount, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, detail("internal error"))
		return
	}

	out := make([]*userop.PooledWire, len(ops))
	for i, p := range ops {
		expiresSoon := p.ExpiresAt-now < s.settings.ExpiresSoonInterval
		out[i] = userop.FromPooledUserOp(p, expiresSoon)
	}
	s.metrics.SetPoolSize(len(out))
	c.JSON(http.StatusOK, out)
}

type hashRequest struct {
	Hash string `json:"hash"`
}

func bindHash(c *gin.Context) (common.Hash, bool) {
	var req hashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, detail("request body: "+err.Error()))
		return common.Hash{}, false
	}
	if len(req.Hash) != 66 || req.Hash[:2] != "0x" {
		c.JSON(http.StatusUnprocessableEntity, detail("hash: must be 0x-prefixed 64 hex nibbles"))
		return common.Hash{}, false
	}
	return common.HexToHash(req.Hash), true
}
