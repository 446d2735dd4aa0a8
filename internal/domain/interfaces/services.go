package interfaces

import (
	"context"

	domaintypes "github.com/element-hq/element-android-sub023/internal/domain/types"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_services.go -package=mocks . OlmSessionEnsurer,OlmEncrypter,KeyRequester,KeyBackup

// LocalAccount gives services serialised access to the unlocked device account.
type LocalAccount interface {
	UserID() domaintypes.UserID
	DeviceID() domaintypes.DeviceID
	IdentityKey() domaintypes.Curve25519Key
	FingerprintKey() domaintypes.Ed25519Key
	// View runs fn while holding the account lock. fn must not modify acc.
	View(fn func(acc *domaintypes.Account) error) error
	// Update runs fn while holding the account lock and persists the
	// account when fn succeeds.
	Update(fn func(acc *domaintypes.Account) error) error
}

// OlmSessionEnsurer makes sure a pairwise Olm session exists with each device.
type OlmSessionEnsurer interface {
	// EnsureOlmSessions returns the session id per device. Devices for which
	// no session could be created are absent from the result.
	EnsureOlmSessions(
		ctx context.Context,
		devices []domaintypes.DeviceInfo,
		force bool,
	) (domaintypes.DeviceMap[domaintypes.SessionID], error)
}

// OlmEncrypter seals a to-device event for a single device.
type OlmEncrypter interface {
	EncryptFor(
		device domaintypes.DeviceInfo,
		eventType string,
		content any,
	) (domaintypes.OlmPayload, error)
}

// KeyRequester asks other devices for Megolm keys we are missing.
type KeyRequester interface {
	RequestKeysForEvent(ctx context.Context, event domaintypes.Event, force bool) error
	// OnRoomKeyReceived cancels a pending request once a key covering
	// fromIndex has arrived.
	OnRoomKeyReceived(
		ctx context.Context,
		body domaintypes.RoomKeyRequestBody,
		fromIndex uint32,
	) error
}

// KeyBackup stores inbound sessions that have not been backed up yet.
type KeyBackup interface {
	MaybeBackupKeys(ctx context.Context)
}

// RoomKeyExporter exports an inbound session from a given index so it can
// be forwarded to another device.
type RoomKeyExporter interface {
	ExportSession(
		roomID domaintypes.RoomID,
		senderKey domaintypes.Curve25519Key,
		sessionID domaintypes.SessionID,
		fromIndex *uint32,
	) (domaintypes.ForwardedRoomKeyContent, error)
}
