package backline

import "github.com/lmartins/backline/internal/errs"

// Code identifies an error class independent of its message.
type Code = errs.Code

// Error codes surfaced by the client API and in send_failed events.
const (
	CodeInvalidArgument     = errs.CodeInvalidArgument
	CodeNotFound            = errs.CodeNotFound
	CodeInternal            = errs.CodeInternal
	CodeTimeout             = errs.CodeTimeout
	CodeKeyGenerationFailed = errs.CodeKeyGenerationFailed
	CodeKeyNotFound         = errs.CodeKeyNotFound
	CodeDecryptionFailed    = errs.CodeDecryptionFailed
	CodeTransport           = errs.CodeTransport
)

// CodeOf extracts the code from an error, or CodeUnknown.
func CodeOf(err error) Code { return errs.CodeOf(err) }

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool { return errs.HasCode(err, code) }
