package megolm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
	megolmproto "github.com/element-hq/element-android-sub023/internal/protocol/megolm"
)

var (
	// ErrNotShared is returned when a key is re-shared with a device that
	// never received the session.
	ErrNotShared = errors.New("megolm: session was not shared with device")
	// ErrUnknownSession is returned for an outbound session we no longer hold.
	ErrUnknownSession = errors.New("megolm: unknown outbound session")
)

// DeviceDirectory is the view of the device store the managers need.
type DeviceDirectory interface {
	Refresh(
		ctx context.Context,
		userIDs []domain.UserID,
	) (map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo, error)
	Device(userID domain.UserID, deviceID domain.DeviceID) (domain.DeviceInfo, bool, error)
	DeviceByIdentityKey(key domain.Curve25519Key) (domain.DeviceInfo, bool, error)
}

// OutboundSessionInfo describes the current outbound session of a room.
type OutboundSessionInfo struct {
	SessionID  domain.SessionID
	CreatedAt  time.Time
	UseCount   int
	SharedWith int
}

type outboundSession struct {
	session      *megolmproto.OutboundSession
	createdAt    time.Time
	useCount     int
	sharedWith   domain.DeviceMap[uint32]
	withheldSent domain.DeviceMap[domain.WithheldCode]
}

type roomState struct {
	mu                  sync.Mutex
	session             *outboundSession
	blacklistUnverified bool
}

type withheldTarget struct {
	device domain.DeviceInfo
	code   domain.WithheldCode
}

// Outbound encrypts room events with per-room Megolm sessions and shares
// the session keys with the recipients' devices.
type Outbound struct {
	cfg       Config
	account   domain.LocalAccount
	devices   DeviceDirectory
	olm       domain.OlmSessionEnsurer
	encrypter domain.OlmEncrypter
	inbound   domain.InboundGroupSessionStore
	shared    domain.SharedSessionStore
	exporter  domain.RoomKeyExporter
	backup    domain.KeyBackup
	transport domain.Transport
	clock     clock.Clock
	logger    zerolog.Logger

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomState
}

// OutboundDeps groups the collaborators of Outbound.
type OutboundDeps struct {
	Account   domain.LocalAccount
	Devices   DeviceDirectory
	Olm       domain.OlmSessionEnsurer
	Encrypter domain.OlmEncrypter
	Inbound   domain.InboundGroupSessionStore
	Shared    domain.SharedSessionStore
	Exporter  domain.RoomKeyExporter
	// Backup is optional.
	Backup    domain.KeyBackup
	Transport domain.Transport
	Clock     clock.Clock
}

// NewOutbound constructs the outbound session manager.
func NewOutbound(cfg Config, deps OutboundDeps, logger zerolog.Logger) *Outbound {
	return &Outbound{
		cfg:       cfg.withDefaults(),
		account:   deps.Account,
		devices:   deps.Devices,
		olm:       deps.Olm,
		encrypter: deps.Encrypter,
		inbound:   deps.Inbound,
		shared:    deps.Shared,
		exporter:  deps.Exporter,
		backup:    deps.Backup,
		transport: deps.Transport,
		clock:     deps.Clock,
		logger:    logger.With().Str("service", "megolm_outbound").Logger(),
		rooms:     make(map[domain.RoomID]*roomState),
	}
}

func (o *Outbound) room(roomID domain.RoomID) *roomState {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rooms[roomID]
	if !ok {
		r = &roomState{}
		o.rooms[roomID] = r
	}
	return r
}

// SetRoomBlacklistUnverified withholds keys from unverified devices in
// one room.
func (o *Outbound) SetRoomBlacklistUnverified(roomID domain.RoomID, blacklist bool) {
	r := o.room(roomID)
	r.mu.Lock()
	r.blacklistUnverified = blacklist
	r.mu.Unlock()
}

// SessionInfo returns the current outbound session of a room.
func (o *Outbound) SessionInfo(roomID domain.RoomID) (OutboundSessionInfo, bool) {
	r := o.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return OutboundSessionInfo{}, false
	}
	return OutboundSessionInfo{
		SessionID:  r.session.session.SessionID(),
		CreatedAt:  r.session.createdAt,
		UseCount:   r.session.useCount,
		SharedWith: len(r.session.sharedWith),
	}, true
}

// Encrypt seals an event for the room, rotating and sharing the session
// as needed. recipients are the room members allowed to read it.
func (o *Outbound) Encrypt(
	ctx context.Context,
	roomID domain.RoomID,
	eventType string,
	content json.RawMessage,
	recipients []domain.UserID,
) (*domain.MegolmPayload, error) {
	r := o.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := o.ensureSharedLocked(ctx, roomID, r, recipients)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.CanonicalJSON(map[string]any{
		"room_id": roomID,
		"type":    eventType,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	ciphertext, err := sess.session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	sess.useCount++
	return &domain.MegolmPayload{
		Algorithm:  domain.AlgorithmMegolm,
		SenderKey:  o.account.IdentityKey(),
		Ciphertext: ciphertext,
		SessionID:  sess.session.SessionID(),
		DeviceID:   o.account.DeviceID(),
	}, nil
}

// PreshareKey shares the room session ahead of the first message.
func (o *Outbound) PreshareKey(ctx context.Context, roomID domain.RoomID, recipients []domain.UserID) error {
	r := o.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := o.ensureSharedLocked(ctx, roomID, r, recipients)
	return err
}

// DiscardSession forces a new session on the next message.
func (o *Outbound) DiscardSession(roomID domain.RoomID) {
	r := o.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		o.logger.Info().Str("room_id", string(roomID)).
			Str("session_id", string(r.session.session.SessionID())).Msg("discarding outbound session")
	}
	r.session = nil
}

// ReshareKey sends a session we created again to a device it was shared
// with, from the index it originally received. Other devices get an
// m.unauthorised withheld notice.
func (o *Outbound) ReshareKey(
	ctx context.Context,
	roomID domain.RoomID,
	sessionID domain.SessionID,
	userID domain.UserID,
	deviceID domain.DeviceID,
	senderKey domain.Curve25519Key,
) error {
	if senderKey != o.account.IdentityKey() {
		return fmt.Errorf("%w: not our session", ErrUnknownSession)
	}
	device, ok, err := o.devices.Device(userID, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown device %s %s", userID, deviceID)
	}
	logger := o.logger.With().Str("room_id", string(roomID)).Str("session_id", string(sessionID)).
		Str("user_id", string(userID)).Str("device_id", string(deviceID)).Logger()

	index, shared, err := o.shared.SharedWith(roomID, sessionID, userID, deviceID)
	if err != nil {
		return err
	}
	if !shared {
		logger.Info().Msg("refusing to re-share with a device that never had the key")
		if err := o.sendWithheld(ctx, roomID, sessionID, []withheldTarget{{device: device, code: domain.WithheldUnauthorised}}); err != nil {
			return err
		}
		return ErrNotShared
	}

	content, err := o.exporter.ExportSession(roomID, senderKey, sessionID, &index)
	if err != nil {
		return err
	}
	ensured, err := o.olm.EnsureOlmSessions(ctx, []domain.DeviceInfo{device}, false)
	if err != nil {
		return err
	}
	if !ensured.Has(userID, deviceID) {
		return o.sendWithheld(ctx, roomID, sessionID, []withheldTarget{{device: device, code: domain.WithheldNoOlm}})
	}
	payload, err := o.encrypter.EncryptFor(device, domain.EventTypeForwardedRoomKey, content)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	messages := make(domain.DeviceMap[json.RawMessage], 1)
	messages.Set(userID, deviceID, raw)
	if err := o.transport.SendToDevice(ctx, domain.EventTypeEncrypted, messages); err != nil {
		return fmt.Errorf("send forwarded key: %w", err)
	}
	logger.Info().Uint32("chain_index", index).Msg("re-shared session")
	return nil
}

// ensureSharedLocked returns a valid session shared with every eligible
// device of recipients. r.mu must be held.
func (o *Outbound) ensureSharedLocked(
	ctx context.Context,
	roomID domain.RoomID,
	r *roomState,
	recipients []domain.UserID,
) (*outboundSession, error) {
	targets, withheld, err := o.resolveDevices(ctx, r, recipients)
	if err != nil {
		return nil, err
	}

	if reason, rotate := o.needsRotation(r.session, targets); rotate {
		if r.session != nil {
			o.logger.Info().Str("room_id", string(roomID)).
				Str("session_id", string(r.session.session.SessionID())).
				Str("reason", reason).Msg("rotating outbound session")
		}
		sess, err := o.newSession(ctx, roomID)
		if err != nil {
			return nil, err
		}
		r.session = sess
	}
	sess := r.session

	if err := o.share(ctx, roomID, sess, targets); err != nil {
		return nil, err
	}

	var notify []withheldTarget
	for _, w := range withheld {
		if code, ok := sess.withheldSent.Get(w.device.UserID, w.device.DeviceID); ok && code == w.code {
			continue
		}
		notify = append(notify, w)
	}
	if len(notify) > 0 {
		if err := o.sendWithheld(ctx, roomID, sess.session.SessionID(), notify); err != nil {
			o.logger.Warn().Err(err).Str("room_id", string(roomID)).Msg("send withheld notices")
		} else {
			for _, w := range notify {
				sess.withheldSent.Set(w.device.UserID, w.device.DeviceID, w.code)
			}
		}
	}
	return sess, nil
}

// resolveDevices splits the recipients' devices into those that get the
// key and those that are told why not.
func (o *Outbound) resolveDevices(
	ctx context.Context,
	r *roomState,
	recipients []domain.UserID,
) (domain.DeviceMap[domain.DeviceInfo], []withheldTarget, error) {
	byUser, err := o.devices.Refresh(ctx, recipients)
	if err != nil {
		return nil, nil, err
	}
	myUser, myDevice := o.account.UserID(), o.account.DeviceID()
	blacklist := o.cfg.BlacklistUnverified || r.blacklistUnverified

	targets := make(domain.DeviceMap[domain.DeviceInfo])
	unknown := make(domain.DeviceMap[domain.DeviceInfo])
	var withheld []withheldTarget
	for _, userID := range recipients {
		for deviceID, d := range byUser[userID] {
			switch {
			case userID == myUser && deviceID == myDevice:
				continue
			case d.IdentityKey() == "":
				continue
			case d.IsBlocked():
				withheld = append(withheld, withheldTarget{device: d, code: domain.WithheldBlacklisted})
				continue
			}
			if d.IsUnknown() {
				unknown.Set(userID, deviceID, d)
			}
			if blacklist && !d.IsVerified() {
				withheld = append(withheld, withheldTarget{device: d, code: domain.WithheldUnverified})
				continue
			}
			targets.Set(userID, deviceID, d)
		}
	}
	if len(unknown) > 0 && o.cfg.WarnOnUnknownDevices {
		return nil, nil, &domain.UnknownDeviceError{Devices: unknown}
	}
	return targets, withheld, nil
}

func (o *Outbound) needsRotation(sess *outboundSession, targets domain.DeviceMap[domain.DeviceInfo]) (string, bool) {
	if sess == nil {
		return "no session", true
	}
	if sess.useCount >= o.cfg.RotationPeriodMsgs {
		return "message count", true
	}
	if o.clock.Now().Sub(sess.createdAt) >= o.cfg.RotationPeriod {
		return "age", true
	}
	for k := range sess.sharedWith {
		if !targets.Has(k.UserID, k.DeviceID) {
			return "device left", true
		}
	}
	return "", false
}

// newSession creates an outbound session and stores its inbound copy so
// our own messages stay readable.
func (o *Outbound) newSession(ctx context.Context, roomID domain.RoomID) (*outboundSession, error) {
	out, err := megolmproto.NewOutboundSession()
	if err != nil {
		return nil, err
	}
	in, err := megolmproto.NewInboundSession(out.SessionKey())
	if err != nil {
		return nil, err
	}
	err = o.inbound.SaveInboundGroupSession(domain.InboundGroupSession{
		RoomID:          roomID,
		SenderKey:       o.account.IdentityKey(),
		SessionID:       out.SessionID(),
		Pickle:          in.Pickle(),
		FirstKnownIndex: in.FirstKnownIndex(),
		KeysClaimed:     map[string]string{domain.KeyAlgorithmEd25519: string(o.account.FingerprintKey())},
		Trusted:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("store own inbound session: %w", err)
	}
	o.logger.Info().Str("room_id", string(roomID)).Str("session_id", string(out.SessionID())).
		Msg("created outbound session")
	if o.backup != nil {
		o.backup.MaybeBackupKeys(ctx)
	}
	return &outboundSession{
		session:      out,
		createdAt:    o.clock.Now(),
		sharedWith:   make(domain.DeviceMap[uint32]),
		withheldSent: make(domain.DeviceMap[domain.WithheldCode]),
	}, nil
}

// share sends the session key to every target that does not have it yet,
// in batches, and records who received it at which index.
func (o *Outbound) share(
	ctx context.Context,
	roomID domain.RoomID,
	sess *outboundSession,
	targets domain.DeviceMap[domain.DeviceInfo],
) error {
	var missing []domain.DeviceInfo
	for _, k := range targets.Keys() {
		if !sess.sharedWith.Has(k.UserID, k.DeviceID) {
			missing = append(missing, targets[k])
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sessionID := sess.session.SessionID()
	logger := o.logger.With().Str("room_id", string(roomID)).Str("session_id", string(sessionID)).Logger()

	ensured, err := o.olm.EnsureOlmSessions(ctx, missing, false)
	if err != nil {
		return fmt.Errorf("ensure olm sessions: %w", err)
	}
	var ready []domain.DeviceInfo
	var noOlm []withheldTarget
	for _, d := range missing {
		if ensured.Has(d.UserID, d.DeviceID) {
			ready = append(ready, d)
			continue
		}
		if code, ok := sess.withheldSent.Get(d.UserID, d.DeviceID); ok && code == domain.WithheldNoOlm {
			continue
		}
		logger.Warn().Str("user_id", string(d.UserID)).Str("device_id", string(d.DeviceID)).
			Msg("no olm session, skipping device")
		noOlm = append(noOlm, withheldTarget{device: d, code: domain.WithheldNoOlm})
	}
	if len(noOlm) > 0 {
		if err := o.sendWithheld(ctx, roomID, sessionID, noOlm); err != nil {
			logger.Warn().Err(err).Msg("send no_olm notices")
		} else {
			for _, w := range noOlm {
				sess.withheldSent.Set(w.device.UserID, w.device.DeviceID, w.code)
			}
		}
	}

	chainIndex := sess.session.MessageIndex()
	content := domain.RoomKeyContent{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: sess.session.SessionKey(),
		ChainIndex: chainIndex,
	}

	var (
		mu        sync.Mutex
		delivered []domain.DeviceInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ShareConcurrency)
	for start := 0; start < len(ready); start += o.cfg.ShareBatchSize {
		batch := ready[start:min(start+o.cfg.ShareBatchSize, len(ready))]
		g.Go(func() error {
			sent, err := o.shareBatch(gctx, content, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			delivered = append(delivered, sent...)
			mu.Unlock()
			return nil
		})
	}
	shareErr := g.Wait()

	for _, d := range delivered {
		sess.sharedWith.Set(d.UserID, d.DeviceID, chainIndex)
		if err := o.shared.MarkSharedWith(domain.SharedWith{
			RoomID:     roomID,
			SessionID:  sessionID,
			UserID:     d.UserID,
			DeviceID:   d.DeviceID,
			ChainIndex: chainIndex,
		}); err != nil {
			return err
		}
	}
	logger.Debug().Int("devices", len(delivered)).Uint32("chain_index", chainIndex).Msg("shared session key")
	if shareErr != nil {
		return fmt.Errorf("share room key: %w", shareErr)
	}
	return nil
}

// shareBatch encrypts the key for each device and sends one to-device
// call. Devices that fail to encrypt are left out.
func (o *Outbound) shareBatch(
	ctx context.Context,
	content domain.RoomKeyContent,
	batch []domain.DeviceInfo,
) ([]domain.DeviceInfo, error) {
	messages := make(domain.DeviceMap[json.RawMessage], len(batch))
	sent := make([]domain.DeviceInfo, 0, len(batch))
	for _, d := range batch {
		payload, err := o.encrypter.EncryptFor(d, domain.EventTypeRoomKey, content)
		if err != nil {
			o.logger.Warn().Err(err).Str("user_id", string(d.UserID)).Str("device_id", string(d.DeviceID)).
				Msg("encrypt room key")
			continue
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		messages.Set(d.UserID, d.DeviceID, raw)
		sent = append(sent, d)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	if err := o.transport.SendToDevice(ctx, domain.EventTypeEncrypted, messages); err != nil {
		return nil, err
	}
	return sent, nil
}

func (o *Outbound) sendWithheld(
	ctx context.Context,
	roomID domain.RoomID,
	sessionID domain.SessionID,
	targets []withheldTarget,
) error {
	messages := make(domain.DeviceMap[json.RawMessage], len(targets))
	for _, w := range targets {
		raw, err := json.Marshal(domain.RoomKeyWithheldContent{
			Algorithm:  domain.AlgorithmMegolm,
			RoomID:     roomID,
			SessionID:  sessionID,
			SenderKey:  o.account.IdentityKey(),
			Code:       w.code,
			Reason:     w.code.Reason(),
			FromDevice: o.account.DeviceID(),
		})
		if err != nil {
			return err
		}
		messages.Set(w.device.UserID, w.device.DeviceID, raw)
	}
	return o.transport.SendToDevice(ctx, domain.EventTypeRoomKeyWithheld, messages)
}
