package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func sampleOp() *UserOp {
	return &UserOp{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(1),
		InitCode:             []byte{},
		CallData:             []byte{0xde, 0xad, 0xbe, 0xef},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(200000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01, 0x02},
	}
}

func TestCalldataGas(t *testing.T) {
	op := sampleOp()
	encoded, err := op.AbiEncode(true)
	if err != nil {
		t.Fatalf("AbiEncode: %v", err)
	}
	var zero, nonzero uint64
	for _, b := range encoded {
		if b == 0 {
			zero++
		} else {
			nonzero++
		}
	}
	want := 4*zero + 16*nonzero

	got, err := op.CalldataGas()
	if err != nil {
		t.Fatalf("CalldataGas: %v", err)
	}
	if got != want {
		t.Errorf("CalldataGas() = %d, want %d", got, want)
	}
}

func TestRequiredPrefund(t *testing.T) {
	tests := []struct {
		name          string
		withPaymaster bool
	}{
		{"without paymaster", false},
		{"with paymaster", true},
	}

	op := sampleOp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			multiplier := int64(1)
			if tt.withPaymaster {
				multiplier = 3
			}
			want := new(big.Int).Set(op.PreVerificationGas)
			want.Add(want, new(big.Int).Mul(op.VerificationGasLimit, big.NewInt(multiplier)))
			want.Add(want, op.CallGasLimit)
			want.Mul(want, op.MaxFeePerGas)

			got := op.RequiredPrefund(tt.withPaymaster)
			if got.Cmp(want) != 0 {
				t.Errorf("RequiredPrefund(%v) = %v, want %v", tt.withPaymaster, got, want)
			}
		})
	}
}

func TestWireRoundTrip(t *testing.T) {
	op := sampleOp()
	wire := FromUserOp(op)

	decoded, err := wire.ToUserOp()
	if err != nil {
		t.Fatalf("ToUserOp: %v", err)
	}

	encodedA, err := op.AbiEncode(true)
	if err != nil {
		t.Fatalf("AbiEncode original: %v", err)
	}
	encodedB, err := decoded.AbiEncode(true)
	if err != nil {
		t.Fatalf("AbiEncode round-tripped: %v", err)
	}
	if string(encodedA) != string(encodedB) {
		t.Errorf("round-tripped UserOp abi-encodes differently")
	}
}

func TestWireEmptyByteStringIsNotZeroHex(t *testing.T) {
	op := sampleOp()
	wire := FromUserOp(op)
	if wire.InitCode != "0x" {
		t.Errorf("InitCode = %q, want %q", wire.InitCode, "0x")
	}
	if wire.PaymasterAndData != "0x" {
		t.Errorf("PaymasterAndData = %q, want %q", wire.PaymasterAndData, "0x")
	}
}

func TestWireRejectsNonHex(t *testing.T) {
	w := FromUserOp(sampleOp())
	w.Nonce = "not-hex"
	if _, err := w.ToUserOp(); err == nil {
		t.Errorf("ToUserOp() with invalid nonce: expected error, got nil")
	}
}

func TestWireRejectsOutOfRangeUint256(t *testing.T) {
	w := FromUserOp(sampleOp())
	// 2^256, one past the maximum representable uint256.
	w.Nonce = "0x" + new(big.Int).Lsh(big.NewInt(1), 256).Text(16)
	if _, err := w.ToUserOp(); err == nil {
		t.Errorf("ToUserOp() with out-of-range nonce: expected error, got nil")
	}
}
