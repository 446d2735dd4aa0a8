package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/services/gossip"
	"github.com/element-hq/element-android-sub023/internal/services/verification"
)

const verificationPrefix = "m.key.verification."

// Replayed is a room event that was decrypted once its session arrived.
type Replayed struct {
	TimelineID string
	Event      domain.Event
	Result     *domain.DecryptionResult
	Err        error
}

// SyncResult summarises one Sync call.
type SyncResult struct {
	ToDevice int
	Gossip   []gossip.Result
	Replayed []Replayed
}

// Machine routes to-device events to the services of a Wire and drives the
// room encryption of the CLI.
type Machine struct {
	w      *Wire
	logger zerolog.Logger

	mu       sync.Mutex
	replayed []Replayed
}

// NewMachine returns the event router for w.
func NewMachine(w *Wire) *Machine {
	m := &Machine{
		w:      w,
		logger: w.Logger.With().Str("service", "machine").Logger(),
	}
	w.Inbound.SetReplayHandler(m.onReplay)
	return m
}

func (m *Machine) onReplay(timelineID string, event domain.Event, result *domain.DecryptionResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayed = append(m.replayed, Replayed{TimelineID: timelineID, Event: event, Result: result, Err: err})
}

func (m *Machine) takeReplayed() []Replayed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.replayed
	m.replayed = nil
	return out
}

// Sync pulls queued to-device events, routes them, then sends pending key
// requests and answers incoming ones. Failures of single events are
// reported in the joined error; the rest are still handled.
func (m *Machine) Sync(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	events, err := m.w.Transport.Sync(ctx, 0)
	if err != nil {
		return result, fmt.Errorf("sync: %w", err)
	}
	result.ToDevice = len(events)

	var errs []error
	for _, e := range events {
		if err := m.HandleToDevice(ctx, e); err != nil {
			m.logger.Warn().Err(err).Str("event_type", e.Type).Str("sender", string(e.Sender)).Msg("to-device event failed")
			errs = append(errs, err)
		}
	}

	if _, err := m.w.OneTimeKeys.Replenish(ctx); err != nil {
		errs = append(errs, err)
	}
	results, err := m.ProcessGossip(ctx)
	result.Gossip = results
	if err != nil {
		errs = append(errs, err)
	}
	result.Replayed = m.takeReplayed()
	return result, errors.Join(errs...)
}

// HandleToDevice routes one to-device event.
func (m *Machine) HandleToDevice(ctx context.Context, event domain.Event) error {
	switch {
	case event.Type == domain.EventTypeEncrypted:
		dec, err := m.w.Messages.Decrypt(event)
		if err != nil {
			return err
		}
		return m.handleDecrypted(ctx, dec)

	case event.Type == domain.EventTypeRoomKeyWithheld:
		var content domain.RoomKeyWithheldContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "withheld content", Err: err}
		}
		return m.w.Inbound.OnRoomKeyWithheld(event.Sender, content)

	case event.Type == domain.EventTypeRoomKeyRequest:
		if m.w.Incoming == nil {
			return nil
		}
		var content domain.RoomKeyShareRequest
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return fmt.Errorf("key request content: %w", err)
		}
		m.w.Incoming.OnRequest(event.Sender, content)
		return nil

	case strings.HasPrefix(event.Type, verificationPrefix):
		m.w.Verification.OnToDeviceEvent(ctx, event)
		return nil
	}
	m.logger.Debug().Str("event_type", event.Type).Msg("ignoring to-device event")
	return nil
}

func (m *Machine) handleDecrypted(ctx context.Context, dec domain.DecryptedEvent) error {
	switch {
	case dec.Type == domain.EventTypeRoomKey, dec.Type == domain.EventTypeForwardedRoomKey:
		return m.w.Inbound.OnRoomKeyEvent(ctx, dec, false)
	case strings.HasPrefix(dec.Type, verificationPrefix):
		m.w.Verification.OnToDeviceEvent(ctx, domain.Event{
			Type:    dec.Type,
			Sender:  dec.Sender,
			Content: dec.Content,
		})
	case dec.Type == domain.EventTypeDummy:
	default:
		m.logger.Debug().Str("event_type", dec.Type).Msg("ignoring encrypted to-device event")
	}
	return nil
}

// Verification returns the SAS verification service.
func (m *Machine) Verification() *verification.Service { return m.w.Verification }

// ProcessGossip sends pending key requests and answers the queued ones.
func (m *Machine) ProcessGossip(ctx context.Context) ([]gossip.Result, error) {
	if m.w.Outgoing == nil {
		return nil, nil
	}
	var errs []error
	if err := m.w.Outgoing.ProcessPending(ctx); err != nil {
		errs = append(errs, err)
	}
	results, err := m.w.Incoming.ProcessIncoming(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}

// EncryptRoomEvent encrypts an event for the current members of the room.
func (m *Machine) EncryptRoomEvent(
	ctx context.Context,
	roomID domain.RoomID,
	eventType string,
	content json.RawMessage,
) (*domain.MegolmPayload, error) {
	members, err := m.w.Transport.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	return m.w.Outbound.Encrypt(ctx, roomID, eventType, content, members)
}

// SendRoomMessage encrypts an event for the current room members and posts
// it. It returns the relay's event id.
func (m *Machine) SendRoomMessage(
	ctx context.Context,
	roomID domain.RoomID,
	eventType string,
	content json.RawMessage,
) (string, error) {
	payload, err := m.EncryptRoomEvent(ctx, roomID, eventType, content)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return m.w.Transport.SendRoomEvent(ctx, roomID, domain.EventTypeEncrypted, raw)
}

// DecryptRoomEvent opens a room event, using its room as the timeline.
// Undecryptable events stay queued and show up in a later SyncResult.
func (m *Machine) DecryptRoomEvent(ctx context.Context, event domain.Event) (*domain.DecryptionResult, error) {
	if event.Type != domain.EventTypeEncrypted {
		return nil, domain.NewCryptoError(domain.BadEncryptedMessage, "not encrypted: %s", event.Type)
	}
	return m.w.Inbound.Decrypt(ctx, event, string(event.RoomID))
}
