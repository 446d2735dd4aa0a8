package interfaces

import domaintypes "github.com/element-hq/element-android-sub023/internal/domain/types"

// AccountStore persists the local device account, encrypted with a passphrase.
type AccountStore interface {
	SaveAccount(passphrase string, account domaintypes.Account) error
	LoadAccount(passphrase string) (domaintypes.Account, error)
	HasAccount() (bool, error)
}

// DeviceStore keeps the device lists of every user we track, together with
// the local verification state of each device.
type DeviceStore interface {
	// StoreUserDevices replaces the device list of a user. Devices already
	// known keep their verification state; new devices start as unknown.
	StoreUserDevices(userID domaintypes.UserID, devices []domaintypes.DeviceKeys) error
	UserDevices(userID domaintypes.UserID) (map[domaintypes.DeviceID]domaintypes.DeviceInfo, error)
	Device(userID domaintypes.UserID, deviceID domaintypes.DeviceID) (domaintypes.DeviceInfo, bool, error)
	DeviceByIdentityKey(key domaintypes.Curve25519Key) (domaintypes.DeviceInfo, bool, error)
	SetDeviceVerification(
		userID domaintypes.UserID,
		deviceID domaintypes.DeviceID,
		v domaintypes.DeviceVerification,
	) error
}

// OlmSessionStore persists pairwise Olm sessions by peer identity key.
type OlmSessionStore interface {
	SaveOlmSession(session domaintypes.OlmSession) error
	OlmSessions(peer domaintypes.Curve25519Key) ([]domaintypes.OlmSession, error)
}

// InboundGroupSessionStore persists Megolm sessions we can decrypt with.
type InboundGroupSessionStore interface {
	SaveInboundGroupSession(session domaintypes.InboundGroupSession) error
	InboundGroupSession(
		senderKey domaintypes.Curve25519Key,
		sessionID domaintypes.SessionID,
	) (domaintypes.InboundGroupSession, bool, error)
	InboundGroupSessions() ([]domaintypes.InboundGroupSession, error)
	InboundGroupSessionsToBackUp(limit int) ([]domaintypes.InboundGroupSession, error)
	MarkInboundGroupSessionsBackedUp(sessions []domaintypes.InboundGroupSession) error
}

// SharedSessionStore records which devices received an outbound session.
type SharedSessionStore interface {
	MarkSharedWith(record domaintypes.SharedWith) error
	SharedWith(
		roomID domaintypes.RoomID,
		sessionID domaintypes.SessionID,
		userID domaintypes.UserID,
		deviceID domaintypes.DeviceID,
	) (chainIndex uint32, ok bool, err error)
}

// WithheldStore keeps the withheld notices received for sessions we lack.
type WithheldStore interface {
	SaveWithheld(content domaintypes.RoomKeyWithheldContent) error
	Withheld(
		roomID domaintypes.RoomID,
		sessionID domaintypes.SessionID,
	) (domaintypes.RoomKeyWithheldContent, bool, error)
}

// KeyRequestStore persists outgoing room key requests, one per request body.
type KeyRequestStore interface {
	SaveOutgoingKeyRequest(request domaintypes.OutgoingKeyRequest) error
	OutgoingKeyRequestByBody(
		body domaintypes.RoomKeyRequestBody,
	) (domaintypes.OutgoingKeyRequest, bool, error)
	OutgoingKeyRequestsInState(
		states ...domaintypes.OutgoingKeyRequestState,
	) ([]domaintypes.OutgoingKeyRequest, error)
	DeleteOutgoingKeyRequest(requestID string) error
}
