package megolm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/domain"
	megolmproto "github.com/element-hq/element-android-sub023/internal/protocol/megolm"
	"github.com/element-hq/element-android-sub023/internal/util/keylock"
)

// ReplayHandler receives the outcome of every pending event replayed when
// its session arrives. It runs with the session locked and must not call
// back into Inbound.
type ReplayHandler func(timelineID string, event domain.Event, result *domain.DecryptionResult, err error)

// InboundDeps groups the collaborators of Inbound.
type InboundDeps struct {
	Account  domain.LocalAccount
	Devices  DeviceDirectory
	Sessions domain.InboundGroupSessionStore
	Withheld domain.WithheldStore
	Requests domain.KeyRequestStore
	// Backup is optional.
	Backup domain.KeyBackup
	// TrustEstablished gates automatic key requests. Nil means never.
	TrustEstablished func() bool
}

// Inbound decrypts room events and manages the sessions we received.
type Inbound struct {
	cfg       Config
	account   domain.LocalAccount
	devices   DeviceDirectory
	sessions  domain.InboundGroupSessionStore
	withheld  domain.WithheldStore
	requests  domain.KeyRequestStore
	backup    domain.KeyBackup
	trusted   func() bool
	logger    zerolog.Logger
	locks     keylock.Mutex
	pending   *pendingQueue
	replayMu  sync.Mutex
	requester domain.KeyRequester
	onReplay  ReplayHandler

	seenMu sync.Mutex
	// timeline -> session|index -> event id, to spot replayed ciphertexts.
	seen map[string]map[string]string
}

// NewInbound constructs the inbound session manager.
func NewInbound(cfg Config, deps InboundDeps, logger zerolog.Logger) *Inbound {
	return &Inbound{
		cfg:      cfg.withDefaults(),
		account:  deps.Account,
		devices:  deps.Devices,
		sessions: deps.Sessions,
		withheld: deps.Withheld,
		requests: deps.Requests,
		backup:   deps.Backup,
		trusted:  deps.TrustEstablished,
		logger:   logger.With().Str("service", "megolm_inbound").Logger(),
		pending:  newPendingQueue(),
		seen:     make(map[string]map[string]string),
	}
}

// SetKeyRequester wires the gossip coordinator, which itself depends on
// this manager for exports.
func (in *Inbound) SetKeyRequester(r domain.KeyRequester) {
	in.replayMu.Lock()
	defer in.replayMu.Unlock()
	in.requester = r
}

// SetReplayHandler registers the consumer of replayed pending events.
func (in *Inbound) SetReplayHandler(h ReplayHandler) {
	in.replayMu.Lock()
	defer in.replayMu.Unlock()
	in.onReplay = h
}

func (in *Inbound) hooks() (domain.KeyRequester, ReplayHandler) {
	in.replayMu.Lock()
	defer in.replayMu.Unlock()
	return in.requester, in.onReplay
}

// PendingCount returns the number of queued events for a session, or for
// all sessions when senderKey and sessionID are empty.
func (in *Inbound) PendingCount(senderKey domain.Curve25519Key, sessionID domain.SessionID) int {
	if senderKey == "" && sessionID == "" {
		return in.pending.count("")
	}
	return in.pending.count(sessionKey(senderKey, sessionID))
}

// Decrypt opens a Megolm room event. Events whose session is missing or
// starts too late are queued under timelineID and replayed when the key
// arrives.
func (in *Inbound) Decrypt(ctx context.Context, event domain.Event, timelineID string) (*domain.DecryptionResult, error) {
	var payload domain.MegolmPayload
	if err := json.Unmarshal(event.Content, &payload); err != nil {
		return nil, &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "malformed content", Err: err}
	}
	if event.RoomID == "" || payload.SenderKey == "" || payload.SessionID == "" || payload.Ciphertext == "" {
		return nil, domain.NewCryptoError(domain.MissingFields, "room_id, sender_key, session_id or ciphertext")
	}
	if payload.Algorithm != domain.AlgorithmMegolm {
		return nil, domain.NewCryptoError(domain.BadEncryptedMessage, "unsupported algorithm %q", payload.Algorithm)
	}

	key := sessionKey(payload.SenderKey, payload.SessionID)
	unlock := in.locks.Lock(key)
	result, err := in.decryptLocked(event, payload, timelineID)
	if err == nil {
		unlock()
		return result, nil
	}
	if !errors.Is(err, domain.ErrUnknownInboundSessionID) && !errors.Is(err, domain.ErrUnknownMessageIndex) {
		unlock()
		return nil, err
	}
	in.pending.add(key, timelineID, event)
	unlock()

	logger := in.logger.With().Str("room_id", string(event.RoomID)).Str("session_id", string(payload.SessionID)).Logger()
	if requester, _ := in.hooks(); requester != nil && in.trusted != nil && in.trusted() {
		if rerr := requester.RequestKeysForEvent(ctx, event, false); rerr != nil {
			logger.Warn().Err(rerr).Msg("request keys")
		}
	}
	if w, ok, werr := in.withheld.Withheld(event.RoomID, payload.SessionID); werr == nil && ok {
		return nil, &domain.CryptoError{Type: domain.KeysWithheld, Reason: string(w.Code), Err: err}
	}
	logger.Debug().Err(err).Msg("queued event for later decryption")
	return nil, err
}

func (in *Inbound) decryptLocked(
	event domain.Event,
	payload domain.MegolmPayload,
	timelineID string,
) (*domain.DecryptionResult, error) {
	rec, ok, err := in.sessions.InboundGroupSession(payload.SenderKey, payload.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewCryptoError(domain.UnknownInboundSessionID, "%s", payload.SessionID)
	}
	if rec.RoomID != event.RoomID {
		return nil, domain.NewCryptoError(domain.BadEncryptedMessage, "session belongs to another room")
	}
	sess, err := megolmproto.UnpickleInbound(rec.Pickle)
	if err != nil {
		return nil, &domain.CryptoError{Type: domain.UnableToDecrypt, Reason: "unpickle session", Err: err}
	}
	plaintext, index, err := sess.Decrypt(payload.Ciphertext)
	if errors.Is(err, megolmproto.ErrUnknownMessageIndex) {
		return nil, domain.NewCryptoError(domain.UnknownMessageIndex,
			"index %d below first known %d", index, sess.FirstKnownIndex())
	}
	if err != nil {
		return nil, &domain.CryptoError{Type: domain.UnableToDecrypt, Reason: "megolm decrypt", Err: err}
	}

	var inner struct {
		RoomID domain.RoomID `json:"room_id"`
		Type   string        `json:"type"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "malformed plaintext", Err: err}
	}
	if inner.RoomID != event.RoomID {
		return nil, domain.NewCryptoError(domain.BadEncryptedMessage, "room id mismatch")
	}
	if inner.Type == "" {
		return nil, domain.NewCryptoError(domain.MissingFields, "type")
	}
	if err := in.checkReplay(timelineID, payload, index, event.EventID); err != nil {
		return nil, err
	}

	return &domain.DecryptionResult{
		ClearEvent:                   plaintext,
		SenderCurve25519Key:          rec.SenderKey,
		ClaimedEd25519Key:            rec.ClaimedEd25519(),
		ForwardingCurve25519KeyChain: append([]domain.Curve25519Key(nil), rec.ForwardingChain...),
		MessageIndex:                 index,
	}, nil
}

// checkReplay rejects a second event id reusing a message index in the
// same timeline.
func (in *Inbound) checkReplay(timelineID string, payload domain.MegolmPayload, index uint32, eventID string) error {
	if timelineID == "" || eventID == "" {
		return nil
	}
	in.seenMu.Lock()
	defer in.seenMu.Unlock()
	byIndex, ok := in.seen[timelineID]
	if !ok {
		byIndex = make(map[string]string)
		in.seen[timelineID] = byIndex
	}
	k := fmt.Sprintf("%s|%s|%d", payload.SenderKey, payload.SessionID, index)
	if prev, ok := byIndex[k]; ok && prev != eventID {
		return domain.NewCryptoError(domain.BadEncryptedMessage, "message index %d replayed by %s", index, eventID)
	}
	byIndex[k] = eventID
	return nil
}

// OnRoomKeyEvent handles a decrypted m.room_key or m.forwarded_room_key.
// Forwarded keys are only accepted when we asked for them, or when
// forceAccept is set, and when they come from a device we trust to
// forward them.
func (in *Inbound) OnRoomKeyEvent(ctx context.Context, event domain.DecryptedEvent, forceAccept bool) error {
	switch event.Type {
	case domain.EventTypeRoomKey:
		return in.onRoomKey(ctx, event)
	case domain.EventTypeForwardedRoomKey:
		return in.onForwardedRoomKey(ctx, event, forceAccept)
	default:
		return fmt.Errorf("not a room key event: %s", event.Type)
	}
}

func (in *Inbound) onRoomKey(ctx context.Context, event domain.DecryptedEvent) error {
	var content domain.RoomKeyContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "malformed m.room_key", Err: err}
	}
	if content.Algorithm != domain.AlgorithmMegolm {
		return domain.NewCryptoError(domain.BadEncryptedMessage, "unsupported algorithm %q", content.Algorithm)
	}
	if content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" {
		return domain.NewCryptoError(domain.MissingFields, "room_id, session_id or session_key")
	}
	sess, err := megolmproto.NewInboundSession(content.SessionKey)
	if err != nil {
		return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "session key", Err: err}
	}
	if sess.SessionID() != content.SessionID {
		return domain.NewCryptoError(domain.BadEncryptedMessage, "session id mismatch")
	}
	return in.register(ctx, domain.InboundGroupSession{
		RoomID:          content.RoomID,
		SenderKey:       event.SenderKey,
		SessionID:       content.SessionID,
		Pickle:          sess.Pickle(),
		FirstKnownIndex: sess.FirstKnownIndex(),
		KeysClaimed:     map[string]string{domain.KeyAlgorithmEd25519: string(event.ClaimedEd25519)},
		Trusted:         true,
	})
}

func (in *Inbound) onForwardedRoomKey(ctx context.Context, event domain.DecryptedEvent, forceAccept bool) error {
	var content domain.ForwardedRoomKeyContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "malformed m.forwarded_room_key", Err: err}
	}
	if content.Algorithm != domain.AlgorithmMegolm {
		return domain.NewCryptoError(domain.BadEncryptedMessage, "unsupported algorithm %q", content.Algorithm)
	}
	if content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" ||
		content.SenderKey == "" || content.SenderClaimedEd25519Key == "" {
		return domain.NewCryptoError(domain.MissingFields,
			"room_id, session_id, session_key, sender_key or sender_claimed_ed25519_key")
	}
	logger := in.logger.With().Str("room_id", string(content.RoomID)).
		Str("session_id", string(content.SessionID)).Str("user_id", string(event.Sender)).Logger()

	body := domain.RoomKeyRequestBody{
		Algorithm: content.Algorithm,
		RoomID:    content.RoomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	}
	if !forceAccept {
		_, requested, err := in.requests.OutgoingKeyRequestByBody(body)
		if err != nil {
			return err
		}
		if !requested {
			logger.Warn().Msg("ignoring forwarded key we did not request")
			return nil
		}
	}
	legit, err := in.legitForwarder(event, content)
	if err != nil {
		return err
	}
	if !legit {
		logger.Warn().Str("forwarder_key", string(event.SenderKey)).Msg("ignoring forwarded key from untrusted device")
		return nil
	}

	sess, err := megolmproto.ImportInboundSession(content.SessionKey)
	if err != nil {
		return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "session key", Err: err}
	}
	if sess.SessionID() != content.SessionID {
		return domain.NewCryptoError(domain.BadEncryptedMessage, "session id mismatch")
	}
	chain := append(append([]domain.Curve25519Key(nil), content.ForwardingCurve25519KeyChain...), event.SenderKey)
	return in.register(ctx, domain.InboundGroupSession{
		RoomID:          content.RoomID,
		SenderKey:       content.SenderKey,
		SessionID:       content.SessionID,
		Pickle:          sess.Pickle(),
		FirstKnownIndex: sess.FirstKnownIndex(),
		ForwardingChain: chain,
		KeysClaimed:     map[string]string{domain.KeyAlgorithmEd25519: string(content.SenderClaimedEd25519Key)},
		ExportFormat:    true,
	})
}

// legitForwarder accepts keys from our own verified devices, and from the
// session creator itself unless only own devices may forward.
func (in *Inbound) legitForwarder(event domain.DecryptedEvent, content domain.ForwardedRoomKeyContent) (bool, error) {
	device, ok, err := in.devices.DeviceByIdentityKey(event.SenderKey)
	if err != nil {
		return false, err
	}
	if ok && device.UserID == in.account.UserID() && device.IsVerified() {
		return true, nil
	}
	if !in.cfg.LimitToOwnDevices && content.SenderKey == event.SenderKey {
		return true, nil
	}
	return false, nil
}

// register stores a session unless an equal or better one is known, then
// tells the gossip coordinator and replays queued events.
func (in *Inbound) register(ctx context.Context, rec domain.InboundGroupSession) error {
	key := sessionKey(rec.SenderKey, rec.SessionID)
	unlock := in.locks.Lock(key)

	existing, ok, err := in.sessions.InboundGroupSession(rec.SenderKey, rec.SessionID)
	if err != nil {
		unlock()
		return err
	}
	stored := false
	switch {
	case ok && existing.RoomID != rec.RoomID:
		unlock()
		return domain.NewCryptoError(domain.BadEncryptedMessage, "session already known for another room")
	case ok && existing.FirstKnownIndex <= rec.FirstKnownIndex:
		in.logger.Debug().Str("session_id", string(rec.SessionID)).Msg("already have this session from an earlier index")
	default:
		if err := in.sessions.SaveInboundGroupSession(rec); err != nil {
			unlock()
			return err
		}
		stored = true
		in.logger.Info().Str("room_id", string(rec.RoomID)).Str("session_id", string(rec.SessionID)).
			Uint32("first_known_index", rec.FirstKnownIndex).Msg("added inbound session")
	}

	requester, onReplay := in.hooks()
	queued := in.pending.take(key)
	for _, p := range queued {
		var payload domain.MegolmPayload
		if err := json.Unmarshal(p.event.Content, &payload); err != nil {
			continue
		}
		result, err := in.decryptLocked(p.event, payload, p.timelineID)
		if onReplay != nil {
			onReplay(p.timelineID, p.event, result, err)
		}
	}
	unlock()

	if requester != nil {
		body := domain.RoomKeyRequestBody{
			Algorithm: domain.AlgorithmMegolm,
			RoomID:    rec.RoomID,
			SenderKey: rec.SenderKey,
			SessionID: rec.SessionID,
		}
		if err := requester.OnRoomKeyReceived(ctx, body, rec.FirstKnownIndex); err != nil {
			in.logger.Warn().Err(err).Msg("cancel key request")
		}
	}
	if stored && in.backup != nil {
		in.backup.MaybeBackupKeys(ctx)
	}
	return nil
}

// OnRoomKeyWithheld records a withheld notice for a session we lack.
func (in *Inbound) OnRoomKeyWithheld(sender domain.UserID, content domain.RoomKeyWithheldContent) error {
	if content.Algorithm != domain.AlgorithmMegolm || content.RoomID == "" || content.SessionID == "" || content.Code == "" {
		return domain.NewCryptoError(domain.MissingFields, "algorithm, room_id, session_id or code")
	}
	in.logger.Info().Str("user_id", string(sender)).Str("room_id", string(content.RoomID)).
		Str("session_id", string(content.SessionID)).Str("code", string(content.Code)).Msg("room key withheld")
	return in.withheld.SaveWithheld(content)
}

// ExportSession exports a session from fromIndex, or from its first known
// index when fromIndex is nil, in the form sent as m.forwarded_room_key.
func (in *Inbound) ExportSession(
	roomID domain.RoomID,
	senderKey domain.Curve25519Key,
	sessionID domain.SessionID,
	fromIndex *uint32,
) (domain.ForwardedRoomKeyContent, error) {
	rec, ok, err := in.sessions.InboundGroupSession(senderKey, sessionID)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, err
	}
	if !ok || rec.RoomID != roomID {
		return domain.ForwardedRoomKeyContent{}, domain.NewCryptoError(domain.UnknownInboundSessionID, "%s", sessionID)
	}
	sess, err := megolmproto.UnpickleInbound(rec.Pickle)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, err
	}
	index := sess.FirstKnownIndex()
	if fromIndex != nil && *fromIndex > index {
		index = *fromIndex
	}
	exported, err := sess.Export(index)
	if err != nil {
		return domain.ForwardedRoomKeyContent{}, err
	}
	return domain.ForwardedRoomKeyContent{
		Algorithm:                    domain.AlgorithmMegolm,
		RoomID:                       rec.RoomID,
		SenderKey:                    rec.SenderKey,
		SessionID:                    rec.SessionID,
		SessionKey:                   exported,
		SenderClaimedEd25519Key:      rec.ClaimedEd25519(),
		ForwardingCurve25519KeyChain: append([]domain.Curve25519Key{}, rec.ForwardingChain...),
		ChainIndex:                   index,
	}, nil
}

// ExportSessions converts stored sessions into the portable export form.
func (in *Inbound) ExportSessions(records []domain.InboundGroupSession) ([]domain.ExportedSession, error) {
	out := make([]domain.ExportedSession, 0, len(records))
	for _, rec := range records {
		content, err := in.ExportSession(rec.RoomID, rec.SenderKey, rec.SessionID, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.ExportedSession{
			Algorithm:         content.Algorithm,
			RoomID:            content.RoomID,
			SenderKey:         content.SenderKey,
			SessionID:         content.SessionID,
			SessionKey:        content.SessionKey,
			SenderClaimedKeys: map[string]string{domain.KeyAlgorithmEd25519: string(content.SenderClaimedEd25519Key)},
			ForwardingChain:   content.ForwardingCurve25519KeyChain,
		})
	}
	return out, nil
}

// ImportSessions adds exported sessions, keeping the earliest index when a
// session is already known. backedUp marks sessions restored from backup
// so they are not uploaded again. It returns the number imported.
func (in *Inbound) ImportSessions(ctx context.Context, sessions []domain.ExportedSession, backedUp bool) (int, error) {
	imported := 0
	for _, e := range sessions {
		if e.Algorithm != domain.AlgorithmMegolm || e.RoomID == "" || e.SenderKey == "" || e.SessionKey == "" {
			in.logger.Warn().Str("session_id", string(e.SessionID)).Msg("skipping malformed exported session")
			continue
		}
		sess, err := megolmproto.ImportInboundSession(e.SessionKey)
		if err != nil {
			return imported, fmt.Errorf("import %s: %w", e.SessionID, err)
		}
		if sess.SessionID() != e.SessionID {
			return imported, fmt.Errorf("import %s: session id mismatch", e.SessionID)
		}
		err = in.register(ctx, domain.InboundGroupSession{
			RoomID:          e.RoomID,
			SenderKey:       e.SenderKey,
			SessionID:       e.SessionID,
			Pickle:          sess.Pickle(),
			FirstKnownIndex: sess.FirstKnownIndex(),
			ForwardingChain: e.ForwardingChain,
			KeysClaimed:     e.SenderClaimedKeys,
			ExportFormat:    true,
			BackedUp:        backedUp,
		})
		if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// Compile-time assertion that Inbound implements domain.RoomKeyExporter.
var _ domain.RoomKeyExporter = (*Inbound)(nil)
