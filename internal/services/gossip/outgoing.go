package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	megolmproto "github.com/element-hq/element-android-sub023/internal/protocol/megolm"
)

// Outgoing asks other devices for Megolm keys we are missing. Requests are
// persisted one per body and sent by ProcessPending.
type Outgoing struct {
	account   domain.LocalAccount
	store     domain.KeyRequestStore
	transport domain.Transport
	clock     clock.Clock
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewOutgoing constructs the outgoing key request manager.
func NewOutgoing(
	account domain.LocalAccount,
	store domain.KeyRequestStore,
	transport domain.Transport,
	c clock.Clock,
	logger zerolog.Logger,
) *Outgoing {
	return &Outgoing{
		account:   account,
		store:     store,
		transport: transport,
		clock:     c,
		logger:    logger.With().Str("service", "gossip_outgoing").Logger(),
	}
}

// RequestKeysForEvent queues a request for the session of an undecryptable
// room event. Our own devices are always asked; the sender's device is
// asked too when someone else sent the event. An existing request for the
// same session is reused. force re-sends a request that was already sent.
func (o *Outgoing) RequestKeysForEvent(ctx context.Context, event domain.Event, force bool) error {
	var payload domain.MegolmPayload
	if err := json.Unmarshal(event.Content, &payload); err != nil {
		return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "content", Err: err}
	}
	if event.RoomID == "" || payload.SenderKey == "" || payload.SessionID == "" || payload.Ciphertext == "" {
		return domain.NewCryptoError(domain.MissingFields, "room_id, sender_key, session_id and ciphertext are required")
	}
	index, err := megolmproto.MessageIndex(payload.Ciphertext)
	if err != nil {
		return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "ciphertext", Err: err}
	}

	body := domain.RoomKeyRequestBody{
		Algorithm: payload.Algorithm,
		RoomID:    event.RoomID,
		SenderKey: payload.SenderKey,
		SessionID: payload.SessionID,
	}
	me := o.account.UserID()
	recipients := map[domain.UserID][]domain.DeviceID{me: {domain.AllDevices}}
	if event.Sender != me && event.Sender != "" {
		device := payload.DeviceID
		if device == "" {
			device = domain.AllDevices
		}
		recipients[event.Sender] = []domain.DeviceID{device}
	}
	return o.request(body, recipients, index, force)
}

func (o *Outgoing) request(
	body domain.RoomKeyRequestBody,
	recipients map[domain.UserID][]domain.DeviceID,
	index uint32,
	force bool,
) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := o.logger.With().Str("room_id", string(body.RoomID)).Str("session_id", string(body.SessionID)).Logger()
	existing, ok, err := o.store.OutgoingKeyRequestByBody(body)
	if err != nil {
		return err
	}
	if !ok || existing.State == domain.KeyRequestCancelled {
		if ok {
			if err := o.store.DeleteOutgoingKeyRequest(existing.RequestID); err != nil {
				return err
			}
		}
		logger.Debug().Uint32("index", index).Msg("queueing key request")
		return o.store.SaveOutgoingKeyRequest(domain.OutgoingKeyRequest{
			RequestID:   uuid.NewString(),
			Body:        body,
			Recipients:  recipients,
			FromIndex:   index,
			State:       domain.KeyRequestUnsent,
			CreatedUnix: o.clock.Now().Unix(),
		})
	}

	changed := false
	if index < existing.FromIndex {
		existing.FromIndex = index
		changed = true
	}
	switch existing.State {
	case domain.KeyRequestSent:
		if force {
			existing.State = domain.KeyRequestCancellationPendingAndWillResend
			changed = true
		}
	case domain.KeyRequestCancellationPending:
		// Needed again before the cancellation went out.
		existing.State = domain.KeyRequestCancellationPendingAndWillResend
		changed = true
	}
	if !changed {
		return nil
	}
	logger.Debug().Stringer("state", existing.State).Msg("updating key request")
	return o.store.SaveOutgoingKeyRequest(existing)
}

// OnRoomKeyReceived stops asking for a session once a key covering the
// index we needed has arrived. Unsent requests are dropped, sent ones are
// cancelled on the next ProcessPending.
func (o *Outgoing) OnRoomKeyReceived(_ context.Context, body domain.RoomKeyRequestBody, fromIndex uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, ok, err := o.store.OutgoingKeyRequestByBody(body)
	if err != nil || !ok {
		return err
	}
	if fromIndex > req.FromIndex {
		return nil
	}
	switch req.State {
	case domain.KeyRequestUnsent:
		return o.store.DeleteOutgoingKeyRequest(req.RequestID)
	case domain.KeyRequestSent, domain.KeyRequestCancellationPendingAndWillResend:
		req.State = domain.KeyRequestCancellationPending
		return o.store.SaveOutgoingKeyRequest(req)
	default:
		return nil
	}
}

// CancelRequest withdraws the request for a body, if any.
func (o *Outgoing) CancelRequest(body domain.RoomKeyRequestBody) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	req, ok, err := o.store.OutgoingKeyRequestByBody(body)
	if err != nil || !ok {
		return err
	}
	switch req.State {
	case domain.KeyRequestUnsent:
		return o.store.DeleteOutgoingKeyRequest(req.RequestID)
	case domain.KeyRequestSent, domain.KeyRequestCancellationPendingAndWillResend:
		req.State = domain.KeyRequestCancellationPending
		return o.store.SaveOutgoingKeyRequest(req)
	default:
		return nil
	}
}

// Request returns the stored request for a body.
func (o *Outgoing) Request(body domain.RoomKeyRequestBody) (domain.OutgoingKeyRequest, bool, error) {
	return o.store.OutgoingKeyRequestByBody(body)
}

// ProcessPending sends queued requests and cancellations. A request whose
// send fails stays queued; the others are still sent and the failures are
// returned joined.
func (o *Outgoing) ProcessPending(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending, err := o.store.OutgoingKeyRequestsInState(
		domain.KeyRequestUnsent,
		domain.KeyRequestCancellationPending,
		domain.KeyRequestCancellationPendingAndWillResend,
	)
	if err != nil {
		return err
	}
	var errs []error
	for _, req := range pending {
		if err := o.process(ctx, req); err != nil {
			o.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("key request not sent")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Outgoing) process(ctx context.Context, req domain.OutgoingKeyRequest) error {
	logger := o.logger.With().Str("request_id", req.RequestID).
		Str("session_id", string(req.Body.SessionID)).Logger()

	switch req.State {
	case domain.KeyRequestUnsent:
		if err := o.send(ctx, req, domain.KeyRequestActionRequest); err != nil {
			return fmt.Errorf("send key request: %w", err)
		}
		req.State = domain.KeyRequestSent
		logger.Info().Msg("sent key request")
		return o.store.SaveOutgoingKeyRequest(req)

	case domain.KeyRequestCancellationPending:
		if err := o.send(ctx, req, domain.KeyRequestActionCancellation); err != nil {
			return fmt.Errorf("send key request cancellation: %w", err)
		}
		req.State = domain.KeyRequestCancelled
		logger.Info().Msg("cancelled key request")
		return o.store.SaveOutgoingKeyRequest(req)

	case domain.KeyRequestCancellationPendingAndWillResend:
		if err := o.send(ctx, req, domain.KeyRequestActionCancellation); err != nil {
			return fmt.Errorf("send key request cancellation: %w", err)
		}
		if err := o.store.DeleteOutgoingKeyRequest(req.RequestID); err != nil {
			return err
		}
		req.RequestID = uuid.NewString()
		req.State = domain.KeyRequestUnsent
		if err := o.store.SaveOutgoingKeyRequest(req); err != nil {
			return err
		}
		logger.Info().Str("new_request_id", req.RequestID).Msg("re-sending key request")
		return o.process(ctx, req)
	}
	return nil
}

func (o *Outgoing) send(ctx context.Context, req domain.OutgoingKeyRequest, action string) error {
	content := domain.RoomKeyShareRequest{
		Action:             action,
		RequestingDeviceID: o.account.DeviceID(),
		RequestID:          req.RequestID,
	}
	if action == domain.KeyRequestActionRequest {
		body := req.Body
		content.Body = &body
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	messages := make(domain.DeviceMap[json.RawMessage])
	for userID, deviceIDs := range req.Recipients {
		for _, deviceID := range deviceIDs {
			messages.Set(userID, deviceID, raw)
		}
	}
	return o.transport.SendToDevice(ctx, domain.EventTypeRoomKeyRequest, messages)
}

var _ domain.KeyRequester = (*Outgoing)(nil)
