package domain

import (
	interfaces "github.com/element-hq/element-android-sub023/internal/domain/interfaces"
	types "github.com/element-hq/element-android-sub023/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID                  = types.UserID
	DeviceID                = types.DeviceID
	RoomID                  = types.RoomID
	SessionID               = types.SessionID
	TransactionID           = types.TransactionID
	Curve25519Key           = types.Curve25519Key
	Ed25519Key              = types.Ed25519Key
	Fingerprint             = types.Fingerprint
	X25519Public            = types.X25519Public
	X25519Private           = types.X25519Private
	Ed25519Public           = types.Ed25519Public
	Ed25519Private          = types.Ed25519Private
	Identity                = types.Identity
	Account                 = types.Account
	OneTimeKeyPair          = types.OneTimeKeyPair
	OneTimeKey              = types.OneTimeKey
	RatchetHeader           = types.RatchetHeader
	RatchetState            = types.RatchetState
	OlmPreKey               = types.OlmPreKey
	OlmSession              = types.OlmSession
	DeviceVerification      = types.DeviceVerification
	DeviceKeys              = types.DeviceKeys
	DeviceInfo              = types.DeviceInfo
	DeviceKey               = types.DeviceKey
	Event                   = types.Event
	MegolmPayload           = types.MegolmPayload
	OlmCiphertext           = types.OlmCiphertext
	OlmPayload              = types.OlmPayload
	OlmPlaintext            = types.OlmPlaintext
	DecryptedEvent          = types.DecryptedEvent
	DecryptionResult        = types.DecryptionResult
	RoomKeyContent          = types.RoomKeyContent
	ForwardedRoomKeyContent = types.ForwardedRoomKeyContent
	RoomKeyRequestBody      = types.RoomKeyRequestBody
	RoomKeyShareRequest     = types.RoomKeyShareRequest
	WithheldCode            = types.WithheldCode
	RoomKeyWithheldContent  = types.RoomKeyWithheldContent
	InboundGroupSession     = types.InboundGroupSession
	ExportedSession         = types.ExportedSession
	SharedWith              = types.SharedWith
	OutgoingKeyRequestState = types.OutgoingKeyRequestState
	OutgoingKeyRequest      = types.OutgoingKeyRequest
	IncomingKeyRequest      = types.IncomingKeyRequest
	ErrorType               = types.ErrorType
	CryptoError             = types.CryptoError
	UnknownDeviceError      = types.UnknownDeviceError
)

// DeviceMap is a flat map keyed by (user, device).
type DeviceMap[V any] = types.DeviceMap[V]

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	AccountStore             = interfaces.AccountStore
	DeviceStore              = interfaces.DeviceStore
	OlmSessionStore          = interfaces.OlmSessionStore
	InboundGroupSessionStore = interfaces.InboundGroupSessionStore
	SharedSessionStore       = interfaces.SharedSessionStore
	WithheldStore            = interfaces.WithheldStore
	KeyRequestStore          = interfaces.KeyRequestStore
	Transport                = interfaces.Transport
	RoomTransport            = interfaces.RoomTransport
	LocalAccount             = interfaces.LocalAccount
	OlmSessionEnsurer        = interfaces.OlmSessionEnsurer
	OlmEncrypter             = interfaces.OlmEncrypter
	KeyRequester             = interfaces.KeyRequester
	KeyBackup                = interfaces.KeyBackup
	RoomKeyExporter          = interfaces.RoomKeyExporter
)

// Constants re-exported from the types subpackage.
const (
	AllDevices = types.AllDevices

	AlgorithmOlm    = types.AlgorithmOlm
	AlgorithmMegolm = types.AlgorithmMegolm

	KeyAlgorithmCurve25519       = types.KeyAlgorithmCurve25519
	KeyAlgorithmEd25519          = types.KeyAlgorithmEd25519
	KeyAlgorithmSignedCurve25519 = types.KeyAlgorithmSignedCurve25519

	EventTypeEncrypted        = types.EventTypeEncrypted
	EventTypeRoomKey          = types.EventTypeRoomKey
	EventTypeForwardedRoomKey = types.EventTypeForwardedRoomKey
	EventTypeRoomKeyRequest   = types.EventTypeRoomKeyRequest
	EventTypeRoomKeyWithheld  = types.EventTypeRoomKeyWithheld
	EventTypeDummy            = types.EventTypeDummy

	KeyRequestActionRequest      = types.KeyRequestActionRequest
	KeyRequestActionCancellation = types.KeyRequestActionCancellation

	DeviceUnknown    = types.DeviceUnknown
	DeviceUnverified = types.DeviceUnverified
	DeviceVerified   = types.DeviceVerified
	DeviceBlocked    = types.DeviceBlocked

	WithheldBlacklisted  = types.WithheldBlacklisted
	WithheldUnverified   = types.WithheldUnverified
	WithheldUnauthorised = types.WithheldUnauthorised
	WithheldUnavailable  = types.WithheldUnavailable
	WithheldNoOlm        = types.WithheldNoOlm

	KeyRequestUnsent                           = types.KeyRequestUnsent
	KeyRequestSent                             = types.KeyRequestSent
	KeyRequestCancellationPending              = types.KeyRequestCancellationPending
	KeyRequestCancellationPendingAndWillResend = types.KeyRequestCancellationPendingAndWillResend
	KeyRequestCancelled                        = types.KeyRequestCancelled

	MissingFields           = types.MissingFields
	UnknownInboundSessionID = types.UnknownInboundSessionID
	UnknownMessageIndex     = types.UnknownMessageIndex
	KeysWithheld            = types.KeysWithheld
	BadEncryptedMessage     = types.BadEncryptedMessage
	UnableToDecrypt         = types.UnableToDecrypt
	UnknownDevices          = types.UnknownDevices
)

// Sentinels for errors.Is against CryptoError values.
var (
	ErrMissingFields           = &types.CryptoError{Type: types.MissingFields}
	ErrUnknownInboundSessionID = &types.CryptoError{Type: types.UnknownInboundSessionID}
	ErrUnknownMessageIndex     = &types.CryptoError{Type: types.UnknownMessageIndex}
	ErrKeysWithheld            = &types.CryptoError{Type: types.KeysWithheld}
	ErrBadEncryptedMessage     = &types.CryptoError{Type: types.BadEncryptedMessage}
	ErrUnableToDecrypt         = &types.CryptoError{Type: types.UnableToDecrypt}
	ErrUnknownDevices          = &types.CryptoError{Type: types.UnknownDevices}
)

// Function re-exports.
var (
	KeyID          = types.KeyID
	NewCryptoError = types.NewCryptoError
)

// FromNested builds a DeviceMap from the user -> device -> value layout.
func FromNested[V any](nested map[UserID]map[DeviceID]V) DeviceMap[V] {
	return types.FromNested(nested)
}
