package pipeline

import "fmt"

// Kind is the §7 error taxonomy. Every kind maps to HTTP 422 at the server
// boundary; Detail carries the human-readable message the test suite
// observes.
type Kind int

const (
	KindEncoding Kind = iota
	KindEntryPointNotSupported
	KindDuplicate
	KindOrigin
	KindGas
	KindPaymaster
	KindSimulation
	KindTemporal
	KindBannedBytecode
	KindUntrustedTenancy
	KindOpcodeViolation
)

func (k Kind) String() string {
	switch k {
	case KindEncoding:
		return "EncodingError"
	case KindEntryPointNotSupported:
		return "EntryPointNotSupported"
	case KindDuplicate:
		return "Duplicate"
	case KindOrigin:
		return "OriginError"
	case KindGas:
		return "GasError"
	case KindPaymaster:
		return "PaymasterError"
	case KindSimulation:
		return "SimulationError"
	case KindTemporal:
		return "TemporalError"
	case KindBannedBytecode:
		return "BannedBytecode"
	case KindUntrustedTenancy:
		return "UntrustedTenancy"
	case KindOpcodeViolation:
		return "OpcodeViolation"
	default:
		return "UnknownError"
	}
}

// Error is the single error type the pipeline returns, wrapping the
// underlying cause when there is one. internal/server maps Kind to HTTP
// 422 and Detail to the {"detail": "..."} body, the same wrap-then-map
// shape go/errors.go's VerifyError/SettleError use for their own taxonomy.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func wrapError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}
