package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

// DefaultTimeout cancels a transaction that has not finished in time.
const DefaultTimeout = 10 * time.Minute

// ErrUnexpectedState is returned by user actions taken in the wrong state.
var ErrUnexpectedState = errors.New("verification: action not valid in current state")

// State is the position of a SAS transaction in the handshake.
type State int

const (
	StateCreated State = iota
	// StateStarted: we sent start and wait for accept.
	StateStarted
	// StateOnStarted: we received start and wait for the user to accept.
	StateOnStarted
	// StateOnAccepted: our start was accepted and we sent our key.
	StateOnAccepted
	// StateAccepted: we accepted their start and wait for their key.
	StateAccepted
	StateKeyExchanged
	StateShortCodeReady
	// StateMacExchanged: we sent our MAC and wait for theirs.
	StateMacExchanged
	StateDone
	StateCancelled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateOnStarted:
		return "on_started"
	case StateOnAccepted:
		return "on_accepted"
	case StateAccepted:
		return "accepted"
	case StateKeyExchanged:
		return "key_exchanged"
	case StateShortCodeReady:
		return "short_code_ready"
	case StateMacExchanged:
		return "mac_exchanged"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateDone || s == StateCancelled }

// SASTransaction is one short authentication string handshake with a
// single device of another user (or of ourselves).
type SASTransaction struct {
	svc         *Service
	logger      zerolog.Logger
	id          domain.TransactionID
	incoming    bool
	otherUser   domain.UserID
	otherDevice domain.DeviceID

	mu            sync.Mutex
	state         State
	cancelledByMe bool
	cancelCode    CancelCode
	start         StartContent
	startRaw      json.RawMessage
	accept        AcceptContent
	sas           *sas
	sasBytes      []byte
	myMac         *MacContent
	theirMac      *MacContent
	timer         *clock.Timer
}

func newTransaction(
	svc *Service,
	id domain.TransactionID,
	incoming bool,
	otherUser domain.UserID,
	otherDevice domain.DeviceID,
) *SASTransaction {
	return &SASTransaction{
		svc: svc,
		logger: svc.logger.With().
			Str("txn_id", string(id)).
			Str("user_id", string(otherUser)).
			Str("device_id", string(otherDevice)).
			Logger(),
		id:          id,
		incoming:    incoming,
		otherUser:   otherUser,
		otherDevice: otherDevice,
		state:       StateCreated,
	}
}

// ID returns the transaction id.
func (t *SASTransaction) ID() domain.TransactionID { return t.id }

// OtherUserID returns the user being verified.
func (t *SASTransaction) OtherUserID() domain.UserID { return t.otherUser }

// OtherDeviceID returns the device being verified.
func (t *SASTransaction) OtherDeviceID() domain.DeviceID { return t.otherDevice }

// IsIncoming reports whether the other side sent the start.
func (t *SASTransaction) IsIncoming() bool { return t.incoming }

// State returns the current state.
func (t *SASTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CancelCode returns why the transaction was cancelled and by whom. ok is
// false unless the state is StateCancelled.
func (t *SASTransaction) CancelCode() (code CancelCode, byMe bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCancelled {
		return "", false, false
	}
	return t.cancelCode, t.cancelledByMe, true
}

// ShortCodeMethods returns the agreed short authentication string methods.
func (t *SASTransaction) ShortCodeMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.accept.ShortAuthenticationString...)
}

// Decimal returns the decimal short code once it is available.
func (t *SASTransaction) Decimal() ([3]int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sasBytes == nil || !t.supports(SASDecimal) {
		return [3]int{}, false
	}
	return DecimalCode(t.sasBytes), true
}

// Emoji returns the emoji short code once it is available.
func (t *SASTransaction) Emoji() ([7]Emoji, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sasBytes == nil || !t.supports(SASEmoji) {
		return [7]Emoji{}, false
	}
	return EmojiCode(t.sasBytes), true
}

func (t *SASTransaction) supports(method string) bool {
	for _, m := range t.accept.ShortAuthenticationString {
		if m == method {
			return true
		}
	}
	return false
}

// Accept answers an incoming start. The device must already be known
// locally, otherwise the transaction is cancelled.
func (t *SASTransaction) Accept(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.incoming || t.state != StateOnStarted {
		return fmt.Errorf("%w: accept in %s", ErrUnexpectedState, t.state)
	}

	device, ok, err := t.svc.devices.Device(t.otherUser, t.otherDevice)
	if err != nil {
		return err
	}
	if !ok || device.FingerprintKey() == "" {
		t.logger.Warn().Msg("accepting verification with an unknown device")
		t.cancelLocked(ctx, CancelUser)
		return nil
	}

	keyAgreement, ok1 := firstCommon(KnownKeyAgreementProtocols, t.start.KeyAgreementProtocols)
	hash, ok2 := firstCommon(KnownHashes, t.start.Hashes)
	mac, ok3 := firstCommon(KnownMacs, t.start.MessageAuthenticationCodes)
	shortCodes := intersect(KnownShortCodes, t.start.ShortAuthenticationString)
	if !ok1 || !ok2 || !ok3 || len(shortCodes) == 0 {
		t.cancelLocked(ctx, CancelUnknownMethod)
		return nil
	}

	s, err := newSAS()
	if err != nil {
		return err
	}
	commit, err := commitment(s.PublicKey(), t.startRaw)
	if err != nil {
		return err
	}
	t.sas = s
	t.accept = AcceptContent{
		TransactionID:             t.id,
		Method:                    MethodSAS,
		KeyAgreementProtocol:      keyAgreement,
		Hash:                      hash,
		MessageAuthenticationCode: mac,
		ShortAuthenticationString: shortCodes,
		Commitment:                commit,
	}
	if err := t.sendLocked(ctx, EventTypeAccept, t.accept); err != nil {
		return err
	}
	t.setStateLocked(StateAccepted)
	return nil
}

// UserHasVerifiedShortCode confirms that both screens show the same code
// and sends our MAC.
func (t *SASTransaction) UserHasVerifiedShortCode(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateShortCodeReady {
		if !t.state.Terminal() {
			t.cancelLocked(ctx, CancelUnexpectedMessage)
		}
		return fmt.Errorf("%w: confirm in %s", ErrUnexpectedState, t.state)
	}

	myUser, myDevice := t.svc.account.UserID(), t.svc.account.DeviceID()
	baseInfo := macBaseInfo(myUser, myDevice, t.otherUser, t.otherDevice, t.id)
	keyID := domain.KeyID(domain.KeyAlgorithmEd25519, string(myDevice))

	method := t.accept.MessageAuthenticationCode
	keyMac, err := t.sas.macWith(method, string(t.svc.account.FingerprintKey()), baseInfo+keyID)
	if err != nil {
		return err
	}
	macs := map[string]string{keyID: keyMac}
	keysMac, err := t.sas.macWith(method, keyIDList(macs), baseInfo+"KEY_IDS")
	if err != nil {
		return err
	}
	t.myMac = &MacContent{TransactionID: t.id, Mac: macs, Keys: keysMac}
	if err := t.sendLocked(ctx, EventTypeMac, *t.myMac); err != nil {
		return err
	}
	t.setStateLocked(StateMacExchanged)
	if t.theirMac != nil {
		t.verifyMacsLocked(ctx)
	}
	return nil
}

// ShortCodeDoesNotMatch cancels after the user saw different codes.
func (t *SASTransaction) ShortCodeDoesNotMatch(ctx context.Context) {
	t.Cancel(ctx, CancelMismatchedSAS)
}

// Cancel ends the transaction and notifies the other device. It is a
// no-op once the transaction is finished.
func (t *SASTransaction) Cancel(ctx context.Context, code CancelCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked(ctx, code)
}

// begin sends our start for an outgoing transaction.
func (t *SASTransaction) begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = StartContent{
		FromDevice:                 t.svc.account.DeviceID(),
		Method:                     MethodSAS,
		TransactionID:              t.id,
		KeyAgreementProtocols:      KnownKeyAgreementProtocols,
		Hashes:                     KnownHashes,
		MessageAuthenticationCodes: KnownMacs,
		ShortAuthenticationString:  KnownShortCodes,
	}
	raw, err := json.Marshal(t.start)
	if err != nil {
		return err
	}
	t.startRaw = raw
	t.startTimerLocked()
	if err := t.sendLocked(ctx, EventTypeStart, t.start); err != nil {
		return err
	}
	t.setStateLocked(StateStarted)
	return nil
}

// onStart records an incoming start. raw is the content as received; the
// commitment covers it, unknown fields included. It reports whether the
// transaction is still alive afterwards.
func (t *SASTransaction) onStart(ctx context.Context, content StartContent, raw json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start = content
	t.startRaw = raw
	t.startTimerLocked()
	if _, ok := firstCommon(KnownKeyAgreementProtocols, content.KeyAgreementProtocols); !ok {
		t.cancelLocked(ctx, CancelUnknownMethod)
		return false
	}
	if _, ok := firstCommon(KnownHashes, content.Hashes); !ok {
		t.cancelLocked(ctx, CancelUnknownMethod)
		return false
	}
	if _, ok := firstCommon(KnownMacs, content.MessageAuthenticationCodes); !ok {
		t.cancelLocked(ctx, CancelUnknownMethod)
		return false
	}
	if len(intersect(KnownShortCodes, content.ShortAuthenticationString)) == 0 {
		t.cancelLocked(ctx, CancelUnknownMethod)
		return false
	}
	t.setStateLocked(StateOnStarted)
	return true
}

func (t *SASTransaction) onAccept(ctx context.Context, content AcceptContent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.incoming || t.state != StateStarted {
		t.cancelLocked(ctx, CancelUnexpectedMessage)
		return
	}
	if !content.valid() ||
		!contains(KnownKeyAgreementProtocols, content.KeyAgreementProtocol) ||
		!contains(KnownHashes, content.Hash) ||
		!contains(KnownMacs, content.MessageAuthenticationCode) ||
		len(intersect(KnownShortCodes, content.ShortAuthenticationString)) == 0 {
		t.cancelLocked(ctx, CancelUnknownMethod)
		return
	}
	content.ShortAuthenticationString = intersect(KnownShortCodes, content.ShortAuthenticationString)
	t.accept = content

	s, err := newSAS()
	if err != nil {
		t.failLocked(ctx, err)
		return
	}
	t.sas = s
	if err := t.sendLocked(ctx, EventTypeKey, KeyContent{TransactionID: t.id, Key: s.PublicKey()}); err != nil {
		return
	}
	t.setStateLocked(StateOnAccepted)
}

func (t *SASTransaction) onKey(ctx context.Context, content KeyContent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if content.Key == "" {
		t.cancelLocked(ctx, CancelInvalidMessage)
		return
	}
	myUser, myDevice := t.svc.account.UserID(), t.svc.account.DeviceID()

	var info string
	if t.incoming {
		if t.state != StateAccepted {
			t.cancelLocked(ctx, CancelUnexpectedMessage)
			return
		}
		if err := t.sas.SetTheirKey(content.Key); err != nil {
			t.cancelLocked(ctx, CancelInvalidMessage)
			return
		}
		if err := t.sendLocked(ctx, EventTypeKey, KeyContent{TransactionID: t.id, Key: t.sas.PublicKey()}); err != nil {
			return
		}
		info = sasInfo(t.accept.KeyAgreementProtocol,
			t.otherUser, t.otherDevice, content.Key,
			myUser, myDevice, t.sas.PublicKey(),
			t.id)
	} else {
		if t.state != StateOnAccepted {
			t.cancelLocked(ctx, CancelUnexpectedMessage)
			return
		}
		expected, err := commitment(content.Key, t.startRaw)
		if err != nil || !equalMAC(expected, t.accept.Commitment) {
			t.cancelLocked(ctx, CancelMismatchedCommitment)
			return
		}
		if err := t.sas.SetTheirKey(content.Key); err != nil {
			t.cancelLocked(ctx, CancelInvalidMessage)
			return
		}
		info = sasInfo(t.accept.KeyAgreementProtocol,
			myUser, myDevice, t.sas.PublicKey(),
			t.otherUser, t.otherDevice, content.Key,
			t.id)
	}
	t.state = StateKeyExchanged

	b, err := t.sas.GenerateBytes(info, 6)
	if err != nil {
		t.failLocked(ctx, err)
		return
	}
	t.sasBytes = b
	t.setStateLocked(StateShortCodeReady)
}

func (t *SASTransaction) onMac(ctx context.Context, content MacContent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateShortCodeReady && t.state != StateMacExchanged {
		t.cancelLocked(ctx, CancelUnexpectedMessage)
		return
	}
	if !content.valid() {
		t.cancelLocked(ctx, CancelInvalidMessage)
		return
	}
	if t.theirMac != nil {
		t.cancelLocked(ctx, CancelUnexpectedMessage)
		return
	}
	t.theirMac = &content
	if t.myMac != nil {
		t.verifyMacsLocked(ctx)
	}
}

func (t *SASTransaction) onCancel(code CancelCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.logger.Info().Str("code", string(code)).Msg("verification cancelled by other device")
	t.cancelledByMe = false
	t.cancelCode = code
	t.finishLocked(StateCancelled)
}

func (t *SASTransaction) onDone() {
	t.logger.Debug().Msg("other device finished verification")
}

func (t *SASTransaction) onTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.logger.Info().Msg("verification timed out")
	t.cancelLocked(context.Background(), CancelTimeout)
}

// verifyMacsLocked checks their MAC once both sides have sent one.
func (t *SASTransaction) verifyMacsLocked(ctx context.Context) {
	myUser, myDevice := t.svc.account.UserID(), t.svc.account.DeviceID()
	baseInfo := macBaseInfo(t.otherUser, t.otherDevice, myUser, myDevice, t.id)
	method := t.accept.MessageAuthenticationCode

	keysMac, err := t.sas.macWith(method, keyIDList(t.theirMac.Mac), baseInfo+"KEY_IDS")
	if err != nil || !equalMAC(keysMac, t.theirMac.Keys) {
		t.cancelLocked(ctx, CancelMismatchedKeys)
		return
	}

	keyIDs := make([]string, 0, len(t.theirMac.Mac))
	for keyID := range t.theirMac.Mac {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)

	var verified []domain.DeviceID
	for _, keyID := range keyIDs {
		algorithm, id, ok := strings.Cut(keyID, ":")
		if !ok || algorithm != domain.KeyAlgorithmEd25519 {
			continue
		}
		device, known, err := t.svc.devices.Device(t.otherUser, domain.DeviceID(id))
		if err != nil {
			t.failLocked(ctx, err)
			return
		}
		if !known || device.FingerprintKey() == "" {
			t.logger.Debug().Str("key_id", keyID).Msg("skipping mac for unknown key")
			continue
		}
		expected, err := t.sas.macWith(method, string(device.FingerprintKey()), baseInfo+keyID)
		if err != nil || !equalMAC(expected, t.theirMac.Mac[keyID]) {
			t.cancelLocked(ctx, CancelMismatchedKeys)
			return
		}
		verified = append(verified, device.DeviceID)
	}
	if len(verified) == 0 {
		t.cancelLocked(ctx, CancelMismatchedKeys)
		return
	}

	for _, deviceID := range verified {
		if err := t.svc.devices.SetVerification(t.otherUser, deviceID, domain.DeviceVerified); err != nil {
			t.failLocked(ctx, err)
			return
		}
	}
	if err := t.sendLocked(ctx, EventTypeDone, DoneContent{TransactionID: t.id}); err != nil {
		return
	}
	t.logger.Info().Int("devices", len(verified)).Msg("verification done")
	t.finishLocked(StateDone)
}

// sendLocked sends one event to the other device. A failed send cancels
// the transaction.
func (t *SASTransaction) sendLocked(ctx context.Context, eventType string, content any) error {
	if err := t.svc.send(ctx, t.otherUser, t.otherDevice, eventType, content); err != nil {
		t.logger.Error().Err(err).Str("event_type", eventType).Msg("send failed")
		t.failLocked(ctx, err)
		return err
	}
	return nil
}

// failLocked cancels after a local error, best effort.
func (t *SASTransaction) failLocked(ctx context.Context, err error) {
	if t.state.Terminal() {
		return
	}
	t.logger.Warn().Err(err).Msg("verification failed")
	t.cancelledByMe = true
	t.cancelCode = CancelUser
	t.finishLocked(StateCancelled)
	_ = t.svc.sendCancel(ctx, t.otherUser, t.otherDevice, t.id, CancelUser)
}

func (t *SASTransaction) cancelLocked(ctx context.Context, code CancelCode) {
	if t.state.Terminal() {
		return
	}
	t.logger.Info().Str("code", string(code)).Msg("cancelling verification")
	t.cancelledByMe = true
	t.cancelCode = code
	t.finishLocked(StateCancelled)
	if err := t.svc.sendCancel(ctx, t.otherUser, t.otherDevice, t.id, code); err != nil {
		t.logger.Warn().Err(err).Msg("send cancel")
	}
}

func (t *SASTransaction) finishLocked(state State) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.setStateLocked(state)
	t.svc.deregister(t, state, t.cancelCode)
}

func (t *SASTransaction) setStateLocked(state State) {
	t.state = state
	t.svc.emit(Event{Kind: TransactionUpdated, Transaction: t})
}

func (t *SASTransaction) startTimerLocked() {
	if t.timer != nil {
		return
	}
	t.timer = t.svc.clock.AfterFunc(t.svc.transactionTimeout(), t.onTimeout)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
