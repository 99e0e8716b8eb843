package uds

import "fmt"

// Negative response codes per ISO 14229-1.
const (
	NRCGeneralReject                          = 0x10
	NRCServiceNotSupported                    = 0x11
	NRCSubFunctionNotSupported                = 0x12
	NRCIncorrectMessageLength                 = 0x13
	NRCResponseTooLong                        = 0x14
	NRCBusyRepeatRequest                      = 0x21
	NRCConditionsNotCorrect                   = 0x22
	NRCRequestSequenceError                   = 0x24
	NRCNoResponseFromSubnetComponent          = 0x25
	NRCFailurePreventsExecution               = 0x26
	NRCRequestOutOfRange                      = 0x31
	NRCSecurityAccessDenied                   = 0x33
	NRCInvalidKey                             = 0x35
	NRCExceedNumberOfAttempts                 = 0x36
	NRCRequiredTimeDelayNotExpired            = 0x37
	NRCUploadDownloadNotAccepted              = 0x70
	NRCTransferDataSuspended                  = 0x71
	NRCGeneralProgrammingFailure              = 0x72
	NRCWrongBlockSequenceCounter              = 0x73
	NRCResponsePending                        = 0x78
	NRCSubFunctionNotSupportedInActiveSession = 0x7E
	NRCServiceNotSupportedInActiveSession     = 0x7F
)

// Error is a negative response from the server.
type Error struct {
	ServiceID byte
	NRC       byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("uds: negative response: sid=0x%02X nrc=0x%02X (%s)", e.ServiceID, e.NRC, nrcDescription(e.NRC))
}

// Retryable reports whether repeating the same request can succeed.
func (e *Error) Retryable() bool {
	switch e.NRC {
	case NRCBusyRepeatRequest, NRCResponsePending:
		return true
	default:
		return false
	}
}

func nrcDescription(nrc byte) string {
	switch nrc {
	case NRCGeneralReject:
		return "general reject"
	case NRCServiceNotSupported:
		return "service not supported"
	case NRCSubFunctionNotSupported:
		return "sub-function not supported"
	case NRCIncorrectMessageLength:
		return "incorrect message length"
	case NRCResponseTooLong:
		return "response too long"
	case NRCBusyRepeatRequest:
		return "busy, repeat request"
	case NRCConditionsNotCorrect:
		return "conditions not correct"
	case NRCRequestSequenceError:
		return "request sequence error"
	case NRCNoResponseFromSubnetComponent:
		return "no response from subnet component"
	case NRCFailurePreventsExecution:
		return "failure prevents execution"
	case NRCRequestOutOfRange:
		return "request out of range"
	case NRCSecurityAccessDenied:
		return "security access denied"
	case NRCInvalidKey:
		return "invalid key"
	case NRCExceedNumberOfAttempts:
		return "exceeded number of attempts"
	case NRCRequiredTimeDelayNotExpired:
		return "required time delay not expired"
	case NRCUploadDownloadNotAccepted:
		return "upload/download not accepted"
	case NRCTransferDataSuspended:
		return "transfer data suspended"
	case NRCGeneralProgrammingFailure:
		return "general programming failure"
	case NRCWrongBlockSequenceCounter:
		return "wrong block sequence counter"
	case NRCResponsePending:
		return "response pending"
	case NRCSubFunctionNotSupportedInActiveSession:
		return "sub-function not supported in active session"
	case NRCServiceNotSupportedInActiveSession:
		return "service not supported in active session"
	default:
		return "unknown"
	}
}
