package verification

// CancelCode is the reason carried by m.key.verification.cancel.
type CancelCode string

const (
	CancelUser                 CancelCode = "m.user"
	CancelTimeout              CancelCode = "m.timeout"
	CancelUnknownTransaction   CancelCode = "m.unknown_transaction"
	CancelUnknownMethod        CancelCode = "m.unknown_method"
	CancelUnexpectedMessage    CancelCode = "m.unexpected_message"
	CancelMismatchedKeys       CancelCode = "m.key_mismatch"
	CancelUserMismatch         CancelCode = "m.user_mismatch"
	CancelInvalidMessage       CancelCode = "m.invalid_message"
	CancelAccepted             CancelCode = "m.accepted"
	CancelMismatchedCommitment CancelCode = "m.mismatched_commitment"
	CancelMismatchedSAS        CancelCode = "m.mismatched_sas"
)

// Reason returns the human-readable text sent with the code.
func (c CancelCode) Reason() string {
	switch c {
	case CancelUser:
		return "User cancelled"
	case CancelTimeout:
		return "Timed out"
	case CancelUnknownTransaction:
		return "Unknown Transaction"
	case CancelUnknownMethod:
		return "Unknown method"
	case CancelUnexpectedMessage:
		return "Unexpected message"
	case CancelMismatchedKeys:
		return "Key mismatch"
	case CancelUserMismatch:
		return "User mismatch"
	case CancelInvalidMessage:
		return "Invalid message"
	case CancelAccepted:
		return "Verification request accepted by another device"
	case CancelMismatchedCommitment:
		return "Mismatched commitment"
	case CancelMismatchedSAS:
		return "Mismatched short authentication string"
	default:
		return "Unknown"
	}
}
