package userop

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EncodingError is returned by Wire.ToUserOp whenever a field is not
// valid 0x-prefixed hex, has an invalid nibble count for its kind, or an
// integer field falls outside [0, 2^256).
type EncodingError struct {
	Detail string
}

func (e *EncodingError) Error() string { return e.Detail }

var hexPattern = regexp.MustCompile(`^0x[0-9a-fA-F]*$`)

func parseHexBytes(field, v string) ([]byte, error) {
	if !hexPattern.MatchString(v) {
		return nil, &EncodingError{Detail: fmt.Sprintf("%s: not a hex value", field)}
	}
	body := v[2:]
	if len(body) == 0 {
		return []byte{}, nil
	}
	if len(body)%2 != 0 {
		return nil, &EncodingError{Detail: fmt.Sprintf("%s: incorrect bytes string", field)}
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return nil, &EncodingError{Detail: fmt.Sprintf("%s: incorrect bytes string", field)}
	}
	return b, nil
}

func parseHexUint256(field, v string) (*big.Int, error) {
	if !hexPattern.MatchString(v) {
		return nil, &EncodingError{Detail: fmt.Sprintf("%s: not a hex value", field)}
	}
	body := v[2:]
	if body == "" {
		body = "0"
	}
	n, ok := new(big.Int).SetString(body, 16)
	if !ok {
		return nil, &EncodingError{Detail: fmt.Sprintf("%s: not a hex value", field)}
	}
	max256 := new(big.Int).Lsh(big.NewInt(1), 256)
	if n.Sign() < 0 || n.Cmp(max256) >= 0 {
		return nil, &EncodingError{Detail: fmt.Sprintf("%s: must be in range [0, 2**256)", field)}
	}
	return n, nil
}

func parseHexAddress(field, v string) (common.Address, error) {
	b, err := parseHexBytes(field, v)
	if err != nil {
		return common.Address{}, err
	}
	if len(b) == 0 {
		return common.Address{}, nil
	}
	if len(b) != 20 {
		return common.Address{}, &EncodingError{Detail: fmt.Sprintf("%s: must be an Ethereum address", field)}
	}
	return common.BytesToAddress(b), nil
}

func addressToHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func bytesToHex(b []byte) string {
	if len(b) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(b)
}

func uint256ToHex(n *big.Int) string {
	if n == nil || n.Sign() == 0 {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

// Wire is the JSON-over-HTTP representation of a UserOp: byte strings and
// addresses are 0x-prefixed lowercase hex, integers are 0x-prefixed hex,
// and the empty byte string is "0x" rather than "0x0".
type Wire struct {
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
}

// ToUserOp validates and decodes the wire form into a UserOp, applying the
// same per-field rules as the pydantic validators in the original service.
func (w *Wire) ToUserOp() (*UserOp, error) {
	sender, err := parseHexAddress("sender", w.Sender)
	if err != nil {
		return nil, err
	}

	nonce, err := parseHexUint256("nonce", w.Nonce)
	if err != nil {
		return nil, err
	}
	callGasLimit, err := parseHexUint256("call_gas_limit", w.CallGasLimit)
	if err != nil {
		return nil, err
	}
	verificationGasLimit, err := parseHexUint256("verification_gas_limit", w.VerificationGasLimit)
	if err != nil {
		return nil, err
	}
	preVerificationGas, err := parseHexUint256("pre_verification_gas", w.PreVerificationGas)
	if err != nil {
		return nil, err
	}
	maxFeePerGas, err := parseHexUint256("max_fee_per_gas", w.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	maxPriorityFeePerGas, err := parseHexUint256("max_priority_fee_per_gas", w.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}

	initCode, err := parseHexBytes("init_code", w.InitCode)
	if err != nil {
		return nil, err
	}
	callData, err := parseHexBytes("call_data", w.CallData)
	if err != nil {
		return nil, err
	}
	paymasterAndData, err := parseHexBytes("paymaster_and_data", w.PaymasterAndData)
	if err != nil {
		return nil, err
	}
	signature, err := parseHexBytes("signature", w.Signature)
	if err != nil {
		return nil, err
	}

	return &UserOp{
		Sender:               sender,
		Nonce:                nonce,
		InitCode:             initCode,
		CallData:             callData,
		CallGasLimit:         callGasLimit,
		VerificationGasLimit: verificationGasLimit,
		PreVerificationGas:   preVerificationGas,
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
		PaymasterAndData:     paymasterAndData,
		Signature:            signature,
	}, nil
}

// FromUserOp renders a UserOp back to its wire form.
func FromUserOp(u *UserOp) *Wire {
	return &Wire{
		Sender:               addressToHex(u.Sender),
		Nonce:                uint256ToHex(u.Nonce),
		InitCode:             bytesToHex(u.InitCode),
		CallData:             bytesToHex(u.CallData),
		CallGasLimit:         uint256ToHex(u.CallGasLimit),
		VerificationGasLimit: uint256ToHex(u.VerificationGasLimit),
		PreVerificationGas:   uint256ToHex(u.PreVerificationGas),
		MaxFeePerGas:         uint256ToHex(u.MaxFeePerGas),
		MaxPriorityFeePerGas: uint256ToHex(u.MaxPriorityFeePerGas),
		PaymasterAndData:     bytesToHex(u.PaymasterAndData),
		Signature:            bytesToHex(u.Signature),
	}
}

// PooledWire is the JSON representation of a PooledUserOp returned by the
// lookup endpoints, with the expires_soon flag described in the expanded
// configuration section.
type PooledWire struct {
	Wire
	EntryPoint  string `json:"entry_point"`
	PreOpGas    string `json:"pre_op_gas"`
	ValidAfter  int64  `json:"valid_after"`
	ValidUntil  int64  `json:"valid_until"`
	ExpiresAt   int64  `json:"expires_at"`
	ExpiresSoon bool   `json:"expires_soon"`
	IsTrusted   bool   `json:"is_trusted"`
	TxHash      string `json:"tx_hash,omitempty"`
	Accepted    *bool  `json:"accepted,omitempty"`
}

// FromPooledUserOp renders a PooledUserOp to its wire form. expiresSoon is
// computed by the caller against Config.ExpiresSoonInterval so this package
// stays free of a config dependency.
func FromPooledUserOp(p *PooledUserOp, expiresSoon bool) *PooledWire {
	w := &PooledWire{
		Wire:        *FromUserOp(&p.UserOp),
		EntryPoint:  addressToHex(p.EntryPoint),
		PreOpGas:    uint256ToHex(p.PreOpGas),
		ValidAfter:  p.ValidAfter,
		ValidUntil:  p.ValidUntil,
		ExpiresAt:   p.ExpiresAt,
		ExpiresSoon: expiresSoon,
		IsTrusted:   p.IsTrusted,
		Accepted:    p.Accepted,
	}
	if p.TxHash != nil {
		w.TxHash = p.TxHash.Hex()
	}
	return w
}
