package errs

// Code classifies an error for programmatic handling.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL"
	CodeTimeout             Code = "TIMEOUT"
	CodeKeyGenerationFailed Code = "KEY_GENERATION_FAILED"
	CodeKeyNotFound         Code = "KEY_NOT_FOUND"
	CodeDecryptionFailed    Code = "DECRYPTION_FAILED"
	CodeTransport           Code = "TRANSPORT_ERROR"
)
