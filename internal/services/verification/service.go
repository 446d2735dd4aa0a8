package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

var (
	// ErrUnsupportedMethod is returned for verification methods other than SAS.
	ErrUnsupportedMethod = errors.New("verification: unsupported method")
	// ErrInProgress is returned when a transaction with the device is live.
	ErrInProgress = errors.New("verification: transaction already in progress")
	// ErrUnknownRequest is returned for a request id we never saw.
	ErrUnknownRequest = errors.New("verification: unknown request")
)

// Requests older than this, or this far in the future, are ignored.
const (
	requestMaxAge    = 10 * time.Minute
	requestMaxFuture = 5 * time.Minute
)

// DeviceDirectory is the view of the device store verification needs.
type DeviceDirectory interface {
	Refresh(
		ctx context.Context,
		userIDs []domain.UserID,
	) (map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo, error)
	Device(userID domain.UserID, deviceID domain.DeviceID) (domain.DeviceInfo, bool, error)
	SetVerification(userID domain.UserID, deviceID domain.DeviceID, v domain.DeviceVerification) error
}

// EventKind says what changed.
type EventKind int

const (
	TransactionCreated EventKind = iota
	TransactionUpdated
	RequestCreated
	RequestUpdated
)

// Event is a lifecycle notification. Exactly one of Transaction and
// Request is set.
type Event struct {
	Kind        EventKind
	Transaction *SASTransaction
	Request     *Request
}

// Service runs SAS verification transactions and the request handshake
// that precedes them.
type Service struct {
	account   domain.LocalAccount
	devices   DeviceDirectory
	transport domain.Transport
	clock     clock.Clock
	logger    zerolog.Logger
	timeout   time.Duration
	events    chan Event

	mu           sync.Mutex
	transactions map[domain.TransactionID]*SASTransaction
	requests     map[domain.TransactionID]*Request
}

// New constructs a verification service.
func New(
	account domain.LocalAccount,
	devices DeviceDirectory,
	transport domain.Transport,
	c clock.Clock,
	logger zerolog.Logger,
) *Service {
	return &Service{
		account:      account,
		devices:      devices,
		transport:    transport,
		clock:        c,
		logger:       logger.With().Str("service", "verification").Logger(),
		timeout:      DefaultTimeout,
		events:       make(chan Event, 64),
		transactions: make(map[domain.TransactionID]*SASTransaction),
		requests:     make(map[domain.TransactionID]*Request),
	}
}

// SetTimeout changes the timeout of transactions started afterwards.
func (s *Service) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

func (s *Service) transactionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Events returns the lifecycle notification channel. Notifications are
// dropped when nobody drains it.
func (s *Service) Events() <-chan Event { return s.events }

// Transaction returns a live transaction by id.
func (s *Service) Transaction(id domain.TransactionID) (*SASTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[id]
	return t, ok
}

// ActiveTransaction returns the live transaction with a device, if any.
func (s *Service) ActiveTransaction(userID domain.UserID, deviceID domain.DeviceID) (*SASTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.liveWithLocked(userID, deviceID)
	return t, t != nil
}

// Request returns a known request by id.
func (s *Service) Request(id domain.TransactionID) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	return r, ok
}

// BeginKeyVerification starts an outgoing SAS transaction. An empty txID
// gets a fresh one.
func (s *Service) BeginKeyVerification(
	ctx context.Context,
	method string,
	otherUser domain.UserID,
	otherDevice domain.DeviceID,
	txID domain.TransactionID,
) (*SASTransaction, error) {
	if method != MethodSAS {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	if txID == "" {
		txID = domain.TransactionID(uuid.NewString())
	}

	s.mu.Lock()
	if _, ok := s.transactions[txID]; ok || s.liveWithLocked(otherUser, otherDevice) != nil {
		s.mu.Unlock()
		return nil, ErrInProgress
	}
	t := newTransaction(s, txID, false, otherUser, otherDevice)
	s.transactions[txID] = t
	req := s.requests[txID]
	s.mu.Unlock()

	if req != nil {
		s.advanceRequest(req, RequestStarted, "")
	}
	s.emit(Event{Kind: TransactionCreated, Transaction: t})
	if err := t.begin(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// RequestKeyVerification asks the other user's devices to verify. With
// no devices listed the request goes to all of them.
func (s *Service) RequestKeyVerification(
	ctx context.Context,
	methods []string,
	otherUser domain.UserID,
	otherDevices []domain.DeviceID,
) (*Request, error) {
	now := s.clock.Now()
	r := &Request{
		id:        domain.TransactionID(uuid.NewString()),
		otherUser: otherUser,
		createdAt: now,
		targets:   append([]domain.DeviceID(nil), otherDevices...),
		state:     RequestRequested,
	}
	r.setMethodsLocked(methods, nil)
	if len(r.targets) == 0 {
		r.targets = []domain.DeviceID{domain.AllDevices}
	}

	content := RequestContent{
		FromDevice:    s.account.DeviceID(),
		Methods:       methods,
		TransactionID: r.id,
		Timestamp:     now.UnixMilli(),
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	messages := make(domain.DeviceMap[json.RawMessage], len(r.targets))
	for _, d := range r.targets {
		messages.Set(otherUser, d, raw)
	}

	s.mu.Lock()
	s.requests[r.id] = r
	s.mu.Unlock()
	s.emit(Event{Kind: RequestCreated, Request: r})

	if err := s.transport.SendToDevice(ctx, EventTypeRequest, messages); err != nil {
		s.advanceRequest(r, RequestCancelled, CancelUser)
		return r, fmt.Errorf("send verification request: %w", err)
	}
	return r, nil
}

// ReadyPendingVerification answers an incoming request with the methods
// we support.
func (s *Service) ReadyPendingVerification(
	ctx context.Context,
	methods []string,
	otherUser domain.UserID,
	txID domain.TransactionID,
) error {
	s.mu.Lock()
	r, ok := s.requests[txID]
	s.mu.Unlock()
	if !ok || !r.incoming || r.otherUser != otherUser {
		return ErrUnknownRequest
	}

	r.mu.Lock()
	if r.state != RequestRequested {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: ready in %s", ErrUnexpectedState, state)
	}
	r.setMethodsLocked(methods, nil)
	otherDevice := r.otherDevice
	r.mu.Unlock()

	err := s.send(ctx, otherUser, otherDevice, EventTypeReady, ReadyContent{
		FromDevice:    s.account.DeviceID(),
		Methods:       methods,
		TransactionID: txID,
	})
	if err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	s.advanceRequest(r, RequestReady, "")
	return nil
}

// OnToDeviceEvent handles a clear m.key.verification.* to-device event.
// Other event types are ignored.
func (s *Service) OnToDeviceEvent(ctx context.Context, event domain.Event) {
	logger := s.logger.With().Str("event_type", event.Type).Str("user_id", string(event.Sender)).Logger()
	switch event.Type {
	case EventTypeRequest:
		var content RequestContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification request")
			return
		}
		s.onRequest(event.Sender, content)
	case EventTypeReady:
		var content ReadyContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification ready")
			return
		}
		s.onReady(ctx, event.Sender, content)
	case EventTypeStart:
		var content StartContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification start")
			return
		}
		s.onStart(ctx, event.Sender, content, event.Content)
	case EventTypeAccept:
		var content AcceptContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification accept")
			return
		}
		if t := s.transactionFor(ctx, event.Sender, content.TransactionID); t != nil {
			t.onAccept(ctx, content)
		}
	case EventTypeKey:
		var content KeyContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification key")
			return
		}
		if t := s.transactionFor(ctx, event.Sender, content.TransactionID); t != nil {
			t.onKey(ctx, content)
		}
	case EventTypeMac:
		var content MacContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification mac")
			return
		}
		if t := s.transactionFor(ctx, event.Sender, content.TransactionID); t != nil {
			t.onMac(ctx, content)
		}
	case EventTypeCancel:
		var content CancelContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification cancel")
			return
		}
		s.onCancel(event.Sender, content)
	case EventTypeDone:
		var content DoneContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.Warn().Err(err).Msg("malformed verification done")
			return
		}
		s.mu.Lock()
		t := s.transactions[content.TransactionID]
		s.mu.Unlock()
		if t != nil && t.otherUser == event.Sender {
			t.onDone()
		}
	}
}

func (s *Service) onRequest(sender domain.UserID, content RequestContent) {
	logger := s.logger.With().Str("txn_id", string(content.TransactionID)).Str("user_id", string(sender)).Logger()
	if content.TransactionID == "" || content.FromDevice == "" || len(content.Methods) == 0 {
		logger.Warn().Msg("invalid verification request")
		return
	}
	if sender == s.account.UserID() && content.FromDevice == s.account.DeviceID() {
		return
	}
	now := s.clock.Now()
	sent := time.UnixMilli(content.Timestamp)
	if now.Sub(sent) > requestMaxAge || sent.Sub(now) > requestMaxFuture {
		logger.Info().Time("sent", sent).Msg("ignoring stale verification request")
		return
	}

	r := &Request{
		id:          content.TransactionID,
		incoming:    true,
		otherUser:   sender,
		otherDevice: content.FromDevice,
		createdAt:   now,
		state:       RequestRequested,
	}
	r.setMethodsLocked(nil, content.Methods)

	s.mu.Lock()
	if _, exists := s.requests[r.id]; exists {
		s.mu.Unlock()
		logger.Debug().Msg("duplicate verification request")
		return
	}
	s.requests[r.id] = r
	s.mu.Unlock()
	logger.Info().Msg("verification requested")
	s.emit(Event{Kind: RequestCreated, Request: r})
}

func (s *Service) onReady(ctx context.Context, sender domain.UserID, content ReadyContent) {
	s.mu.Lock()
	r, ok := s.requests[content.TransactionID]
	s.mu.Unlock()
	if !ok || r.incoming || r.otherUser != sender || content.FromDevice == "" {
		s.logger.Debug().Str("txn_id", string(content.TransactionID)).Msg("ready for unknown request")
		return
	}

	r.mu.Lock()
	if r.state != RequestRequested {
		r.mu.Unlock()
		return
	}
	r.otherDevice = content.FromDevice
	r.setMethodsLocked(nil, content.Methods)
	var others []domain.DeviceID
	for _, d := range r.targets {
		if d != content.FromDevice && d != domain.AllDevices {
			others = append(others, d)
		}
	}
	r.mu.Unlock()
	s.advanceRequest(r, RequestReady, "")

	// The other devices we asked no longer need to answer.
	for _, d := range others {
		if err := s.sendCancel(ctx, sender, d, r.id, CancelAccepted); err != nil {
			s.logger.Warn().Err(err).Str("device_id", string(d)).Msg("send cancel")
		}
	}
}

// onStart opens an incoming transaction. When both sides start with each
// other at once, both transactions are cancelled with m.unexpected_message
// (not m.unknown_transaction), matching what other clients send in that
// race, and the users start over.
func (s *Service) onStart(ctx context.Context, sender domain.UserID, content StartContent, raw json.RawMessage) {
	logger := s.logger.With().
		Str("txn_id", string(content.TransactionID)).
		Str("user_id", string(sender)).
		Str("device_id", string(content.FromDevice)).
		Logger()
	if content.TransactionID == "" || content.FromDevice == "" {
		logger.Warn().Msg("verification start without transaction or device")
		return
	}
	if !content.valid() {
		logger.Warn().Str("method", content.Method).Msg("invalid verification start")
		s.cancelUnregistered(ctx, sender, content.FromDevice, content.TransactionID, CancelUnknownMethod)
		return
	}

	device, ok, err := s.devices.Device(sender, content.FromDevice)
	if err == nil && !ok {
		if _, err = s.devices.Refresh(ctx, []domain.UserID{sender}); err == nil {
			device, ok, err = s.devices.Device(sender, content.FromDevice)
		}
	}
	if err != nil || !ok {
		logger.Warn().Err(err).Msg("verification start from unknown device")
		s.cancelUnregistered(ctx, sender, content.FromDevice, content.TransactionID, CancelUnexpectedMessage)
		return
	}

	s.mu.Lock()
	if existing, dup := s.transactions[content.TransactionID]; dup {
		s.mu.Unlock()
		logger.Warn().Msg("duplicate verification start")
		existing.Cancel(ctx, CancelUnexpectedMessage)
		return
	}
	if existing := s.liveWithLocked(sender, device.DeviceID); existing != nil {
		s.mu.Unlock()
		logger.Warn().Str("existing_txn_id", string(existing.id)).Msg("concurrent verification starts")
		existing.Cancel(ctx, CancelUnexpectedMessage)
		s.cancelUnregistered(ctx, sender, content.FromDevice, content.TransactionID, CancelUnexpectedMessage)
		return
	}
	t := newTransaction(s, content.TransactionID, true, sender, device.DeviceID)
	s.transactions[t.id] = t
	req := s.requests[t.id]
	s.mu.Unlock()

	s.emit(Event{Kind: TransactionCreated, Transaction: t})
	if !t.onStart(ctx, content, raw) {
		return
	}
	if req != nil && req.State() == RequestReady && req.OtherDeviceID() == device.DeviceID {
		s.advanceRequest(req, RequestStarted, "")
		if err := t.Accept(ctx); err != nil {
			logger.Warn().Err(err).Msg("auto-accept failed")
		}
	}
}

func (s *Service) onCancel(sender domain.UserID, content CancelContent) {
	s.mu.Lock()
	t := s.transactions[content.TransactionID]
	r := s.requests[content.TransactionID]
	s.mu.Unlock()

	if t != nil && t.otherUser == sender {
		t.onCancel(content.Code)
		return
	}
	if r != nil && r.otherUser == sender {
		s.advanceRequest(r, RequestCancelled, content.Code)
	}
}

// transactionFor returns the live transaction an event refers to, or
// nil. An event from a user other than the one being verified cancels.
func (s *Service) transactionFor(
	ctx context.Context,
	sender domain.UserID,
	txID domain.TransactionID,
) *SASTransaction {
	s.mu.Lock()
	t := s.transactions[txID]
	s.mu.Unlock()
	if t == nil {
		s.logger.Debug().Str("txn_id", string(txID)).Msg("event for unknown transaction")
		return nil
	}
	if t.otherUser != sender {
		t.Cancel(ctx, CancelUserMismatch)
		return nil
	}
	return t
}

func (s *Service) liveWithLocked(userID domain.UserID, deviceID domain.DeviceID) *SASTransaction {
	for _, t := range s.transactions {
		if t.otherUser == userID && t.otherDevice == deviceID {
			return t
		}
	}
	return nil
}

// deregister drops a finished transaction and moves its request along.
func (s *Service) deregister(t *SASTransaction, state State, code CancelCode) {
	s.mu.Lock()
	if s.transactions[t.id] == t {
		delete(s.transactions, t.id)
	}
	r := s.requests[t.id]
	s.mu.Unlock()
	if r == nil {
		return
	}
	if state == StateDone {
		s.advanceRequest(r, RequestDone, "")
	} else {
		s.advanceRequest(r, RequestCancelled, code)
	}
}

func (s *Service) advanceRequest(r *Request, state RequestState, code CancelCode) {
	r.mu.Lock()
	if r.state == RequestDone || r.state == RequestCancelled {
		r.mu.Unlock()
		return
	}
	r.state = state
	if state == RequestCancelled {
		r.cancelCode = code
	}
	r.mu.Unlock()
	s.emit(Event{Kind: RequestUpdated, Request: r})
}

func (s *Service) cancelUnregistered(
	ctx context.Context,
	userID domain.UserID,
	deviceID domain.DeviceID,
	txID domain.TransactionID,
	code CancelCode,
) {
	if err := s.sendCancel(ctx, userID, deviceID, txID, code); err != nil {
		s.logger.Warn().Err(err).Str("txn_id", string(txID)).Msg("send cancel")
	}
}

func (s *Service) sendCancel(
	ctx context.Context,
	userID domain.UserID,
	deviceID domain.DeviceID,
	txID domain.TransactionID,
	code CancelCode,
) error {
	return s.send(ctx, userID, deviceID, EventTypeCancel, CancelContent{
		TransactionID: txID,
		Code:          code,
		Reason:        code.Reason(),
	})
}

func (s *Service) send(
	ctx context.Context,
	userID domain.UserID,
	deviceID domain.DeviceID,
	eventType string,
	content any,
) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	messages := make(domain.DeviceMap[json.RawMessage], 1)
	messages.Set(userID, deviceID, raw)
	return s.transport.SendToDevice(ctx, eventType, messages)
}

func (s *Service) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn().Int("kind", int(e.Kind)).Msg("verification event dropped")
	}
}
