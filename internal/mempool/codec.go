package mempool

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// record is the on-disk representation of a PooledUserOp: big.Int and byte
// fields become hex strings so the record survives a plain JSON round trip
// without a custom (un)marshaler per numeric type.
type record struct {
	Sender               string `json:"sender"`
	Nonce                string `json:"nonce"`
	InitCode             string `json:"init_code"`
	CallData             string `json:"call_data"`
	CallGasLimit         string `json:"call_gas_limit"`
	VerificationGasLimit string `json:"verification_gas_limit"`
	PreVerificationGas   string `json:"pre_verification_gas"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	PaymasterAndData     string `json:"paymaster_and_data"`
	Signature            string `json:"signature"`

	OpHash     string `json:"op_hash"`
	EntryPoint string `json:"entry_point"`
	PreOpGas   string `json:"pre_op_gas"`
	ValidAfter int64  `json:"valid_after"`
	ValidUntil int64  `json:"valid_until"`
	ExpiresAt  int64  `json:"expires_at"`
	IsTrusted  bool   `json:"is_trusted"`

	TxHash   string `json:"tx_hash,omitempty"`
	Accepted *bool  `json:"accepted,omitempty"`
}

func bigIntHex(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

func parseBigIntHex(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		return nil, fmt.Errorf("malformed stored integer %q", s)
	}
	return n, nil
}

// EncodePooledUserOp serializes a PooledUserOp for the primary user_ops key
// space.
func EncodePooledUserOp(p *userop.PooledUserOp) ([]byte, error) {
	r := record{
		Sender:               p.Sender.Hex(),
		Nonce:                bigIntHex(p.Nonce),
		InitCode:             "0x" + common.Bytes2Hex(p.InitCode),
		CallData:             "0x" + common.Bytes2Hex(p.CallData),
		CallGasLimit:         bigIntHex(p.CallGasLimit),
		VerificationGasLimit: bigIntHex(p.VerificationGasLimit),
		PreVerificationGas:   bigIntHex(p.PreVerificationGas),
		MaxFeePerGas:         bigIntHex(p.MaxFeePerGas),
		MaxPriorityFeePerGas: bigIntHex(p.MaxPriorityFeePerGas),
		PaymasterAndData:     "0x" + common.Bytes2Hex(p.PaymasterAndData),
		Signature:            "0x" + common.Bytes2Hex(p.Signature),
		OpHash:               p.OpHash.Hex(),
		EntryPoint:           p.EntryPoint.Hex(),
		PreOpGas:             bigIntHex(p.PreOpGas),
		ValidAfter:           p.ValidAfter,
		ValidUntil:           p.ValidUntil,
		ExpiresAt:            p.ExpiresAt,
		IsTrusted:            p.IsTrusted,
		Accepted:             p.Accepted,
	}
	if p.TxHash != nil {
		r.TxHash = p.TxHash.Hex()
	}
	return json.Marshal(r)
}

// DecodePooledUserOp is the inverse of EncodePooledUserOp.
func DecodePooledUserOp(data []byte) (*userop.PooledUserOp, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	nonce, err := parseBigIntHex(r.Nonce)
	if err != nil {
		return nil, err
	}
	callGasLimit, err := parseBigIntHex(r.CallGasLimit)
	if err != nil {
		return nil, err
	}
	verificationGasLimit, err := parseBigIntHex(r.VerificationGasLimit)
	if err != nil {
		return nil, err
	}
	preVerificationGas, err := parseBigIntHex(r.PreVerificationGas)
	if err != nil {
		return nil, err
	}
	maxFeePerGas, err := parseBigIntHex(r.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	maxPriorityFeePerGas, err := parseBigIntHex(r.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	preOpGas, err := parseBigIntHex(r.PreOpGas)
	if err != nil {
		return nil, err
	}

	p := &userop.PooledUserOp{
		UserOp: userop.UserOp{
			Sender:               common.HexToAddress(r.Sender),
			Nonce:                nonce,
			InitCode:             common.FromHex(r.InitCode),
			CallData:             common.FromHex(r.CallData),
			CallGasLimit:         callGasLimit,
			VerificationGasLimit: verificationGasLimit,
			PreVerificationGas:   preVerificationGas,
			MaxFeePerGas:         maxFeePerGas,
			MaxPriorityFeePerGas: maxPriorityFeePerGas,
			PaymasterAndData:     common.FromHex(r.PaymasterAndData),
			Signature:            common.FromHex(r.Signature),
		},
		OpHash:     common.HexToHash(r.OpHash),
		EntryPoint: common.HexToAddress(r.EntryPoint),
		PreOpGas:   preOpGas,
		ValidAfter: r.ValidAfter,
		ValidUntil: r.ValidUntil,
		ExpiresAt:  r.ExpiresAt,
		IsTrusted:  r.IsTrusted,
		Accepted:   r.Accepted,
	}
	if r.TxHash != "" {
		h := common.HexToHash(r.TxHash)
		p.TxHash = &h
	}
	return p, nil
}
