package types

import (
	"fmt"
	"strings"
)

// ErrorType classifies a CryptoError.
type ErrorType string

const (
	MissingFields           ErrorType = "MISSING_FIELDS"
	UnknownInboundSessionID ErrorType = "UNKNOWN_INBOUND_SESSION_ID"
	UnknownMessageIndex     ErrorType = "UNKNOWN_MESSAGE_INDEX"
	KeysWithheld            ErrorType = "KEYS_WITHHELD"
	BadEncryptedMessage     ErrorType = "BAD_ENCRYPTED_MESSAGE"
	UnableToDecrypt         ErrorType = "UNABLE_TO_DECRYPT"
	UnknownDevices          ErrorType = "UNKNOWN_DEVICES"
)

// CryptoError is returned by the encryption and decryption paths.
// errors.Is matches any CryptoError of the same Type.
type CryptoError struct {
	Type   ErrorType
	Reason string
	Err    error
}

// NewCryptoError returns a CryptoError with a formatted reason.
func NewCryptoError(t ErrorType, format string, args ...any) *CryptoError {
	return &CryptoError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

func (e *CryptoError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Is reports whether target is a CryptoError of the same type.
func (e *CryptoError) Is(target error) bool {
	t, ok := target.(*CryptoError)
	return ok && t.Type == e.Type
}

// UnknownDeviceError is the hard stop raised when a room contains devices
// the user has not been told about yet.
type UnknownDeviceError struct {
	Devices DeviceMap[DeviceInfo]
}

func (e *UnknownDeviceError) Error() string {
	keys := e.Devices.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return fmt.Sprintf("%s: %s", UnknownDevices, strings.Join(names, ", "))
}

// Is matches the UnknownDevices CryptoError sentinel.
func (e *UnknownDeviceError) Is(target error) bool {
	t, ok := target.(*CryptoError)
	return ok && t.Type == UnknownDevices
}
