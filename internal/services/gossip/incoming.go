package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

// DeviceDirectory is the view of the device list Incoming needs.
type DeviceDirectory interface {
	Refresh(
		ctx context.Context,
		userIDs []domain.UserID,
	) (map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo, error)
	Device(userID domain.UserID, deviceID domain.DeviceID) (domain.DeviceInfo, bool, error)
}

// Outcome is what happened to an incoming key request.
type Outcome string

const (
	OutcomeIgnored  Outcome = "ignored"
	OutcomeShared   Outcome = "shared"
	OutcomeWithheld Outcome = "withheld"
)

// Result reports how an incoming request was handled.
type Result struct {
	Request domain.IncomingKeyRequest
	Outcome Outcome
	Code    domain.WithheldCode
}

// IncomingDeps groups the collaborators of Incoming.
type IncomingDeps struct {
	Account   domain.LocalAccount
	Devices   DeviceDirectory
	Olm       domain.OlmSessionEnsurer
	Encrypter domain.OlmEncrypter
	Exporter  domain.RoomKeyExporter
	Shared    domain.SharedSessionStore
	Transport domain.Transport
	Policy    *Policy
	Clock     clock.Clock
}

// Incoming answers key requests from other devices.
type Incoming struct {
	account   domain.LocalAccount
	devices   DeviceDirectory
	olm       domain.OlmSessionEnsurer
	encrypter domain.OlmEncrypter
	exporter  domain.RoomKeyExporter
	shared    domain.SharedSessionStore
	transport domain.Transport
	policy    *Policy
	clock     clock.Clock
	logger    zerolog.Logger

	mu    sync.Mutex
	queue []domain.IncomingKeyRequest
}

// NewIncoming constructs the incoming key request handler. A nil Policy
// selects DefaultSharePolicy.
func NewIncoming(deps IncomingDeps, logger zerolog.Logger) (*Incoming, error) {
	policy := deps.Policy
	if policy == nil {
		var err error
		if policy, err = NewPolicy(DefaultSharePolicy); err != nil {
			return nil, err
		}
	}
	return &Incoming{
		account:   deps.Account,
		devices:   deps.Devices,
		olm:       deps.Olm,
		encrypter: deps.Encrypter,
		exporter:  deps.Exporter,
		shared:    deps.Shared,
		transport: deps.Transport,
		policy:    policy,
		clock:     deps.Clock,
		logger:    logger.With().Str("service", "gossip_incoming").Logger(),
	}, nil
}

// OnRequest queues a m.room_key_request from sender. A cancellation drops
// the matching queued request.
func (in *Incoming) OnRequest(sender domain.UserID, content domain.RoomKeyShareRequest) {
	in.mu.Lock()
	defer in.mu.Unlock()

	match := func(r domain.IncomingKeyRequest) bool {
		return r.UserID == sender && r.DeviceID == content.RequestingDeviceID && r.RequestID == content.RequestID
	}
	switch content.Action {
	case domain.KeyRequestActionRequest:
		if content.Body == nil || content.RequestID == "" || content.RequestingDeviceID == "" {
			in.logger.Warn().Str("user_id", string(sender)).Msg("malformed key request")
			return
		}
		for _, r := range in.queue {
			if match(r) {
				return
			}
		}
		in.queue = append(in.queue, domain.IncomingKeyRequest{
			RequestID:    content.RequestID,
			UserID:       sender,
			DeviceID:     content.RequestingDeviceID,
			Body:         *content.Body,
			ReceivedUnix: in.clock.Now().Unix(),
		})
	case domain.KeyRequestActionCancellation:
		kept := in.queue[:0]
		for _, r := range in.queue {
			if !match(r) {
				kept = append(kept, r)
			}
		}
		in.queue = kept
	default:
		in.logger.Debug().Str("action", content.Action).Msg("unknown key request action")
	}
}

// Pending returns the number of queued requests.
func (in *Incoming) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// ProcessIncoming handles every queued request. Requests that fail are
// logged and reported in the joined error; the rest still run.
func (in *Incoming) ProcessIncoming(ctx context.Context) ([]Result, error) {
	in.mu.Lock()
	queue := in.queue
	in.queue = nil
	in.mu.Unlock()

	results := make([]Result, 0, len(queue))
	var errs []error
	for _, req := range queue {
		res, err := in.handle(ctx, req)
		if err != nil {
			in.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("key request failed")
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (in *Incoming) handle(ctx context.Context, req domain.IncomingKeyRequest) (Result, error) {
	logger := in.logger.With().
		Str("user_id", string(req.UserID)).
		Str("device_id", string(req.DeviceID)).
		Str("room_id", string(req.Body.RoomID)).
		Str("session_id", string(req.Body.SessionID)).Logger()
	result := Result{Request: req, Outcome: OutcomeIgnored}

	ownUser := req.UserID == in.account.UserID()
	if ownUser && req.DeviceID == in.account.DeviceID() {
		return result, nil
	}
	if req.Body.Algorithm != domain.AlgorithmMegolm {
		logger.Debug().Str("algorithm", req.Body.Algorithm).Msg("ignoring key request for unsupported algorithm")
		return result, nil
	}

	device, ok, err := in.devices.Device(req.UserID, req.DeviceID)
	if err != nil {
		return result, err
	}
	if !ok {
		if _, err := in.devices.Refresh(ctx, []domain.UserID{req.UserID}); err != nil {
			return result, fmt.Errorf("refresh devices: %w", err)
		}
		if device, ok, err = in.devices.Device(req.UserID, req.DeviceID); err != nil {
			return result, err
		}
		if !ok {
			logger.Warn().Msg("ignoring key request from unknown device")
			return result, nil
		}
	}
	if device.IsBlocked() {
		return in.withhold(ctx, result, device, domain.WithheldBlacklisted)
	}

	sharedIndex, previouslyShared, err := in.shared.SharedWith(
		req.Body.RoomID, req.Body.SessionID, req.UserID, req.DeviceID)
	if err != nil {
		return result, err
	}
	allowed, err := in.policy.Allows(Facts{
		OwnDevice:        ownUser,
		Verified:         device.IsVerified(),
		PreviouslyShared: previouslyShared,
		UserID:           string(req.UserID),
		DeviceID:         string(req.DeviceID),
		RoomID:           string(req.Body.RoomID),
	})
	if err != nil {
		return result, err
	}
	if !allowed {
		logger.Info().Msg("key request not allowed by share policy")
		return in.withhold(ctx, result, device, domain.WithheldUnauthorised)
	}

	// Our own verified devices get the session from its earliest index,
	// everyone else only from where it was first shared with them.
	var fromIndex *uint32
	if !(ownUser && device.IsVerified()) && previouslyShared {
		fromIndex = &sharedIndex
	}
	content, err := in.exporter.ExportSession(req.Body.RoomID, req.Body.SenderKey, req.Body.SessionID, fromIndex)
	if err != nil {
		var cerr *domain.CryptoError
		if errors.As(err, &cerr) {
			logger.Info().Err(err).Msg("requested session unavailable")
			return in.withhold(ctx, result, device, domain.WithheldUnavailable)
		}
		return result, fmt.Errorf("export session: %w", err)
	}

	ensured, err := in.olm.EnsureOlmSessions(ctx, []domain.DeviceInfo{device}, false)
	if err != nil {
		return result, fmt.Errorf("ensure olm session: %w", err)
	}
	if !ensured.Has(device.UserID, device.DeviceID) {
		return in.withhold(ctx, result, device, domain.WithheldNoOlm)
	}

	payload, err := in.encrypter.EncryptFor(device, domain.EventTypeForwardedRoomKey, content)
	if err != nil {
		return result, fmt.Errorf("encrypt forwarded key: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return result, err
	}
	messages := make(domain.DeviceMap[json.RawMessage])
	messages.Set(device.UserID, device.DeviceID, raw)
	if err := in.transport.SendToDevice(ctx, domain.EventTypeEncrypted, messages); err != nil {
		return result, fmt.Errorf("send forwarded key: %w", err)
	}
	logger.Info().Uint32("chain_index", content.ChainIndex).Msg("forwarded room key")
	result.Outcome = OutcomeShared
	return result, nil
}

func (in *Incoming) withhold(
	ctx context.Context,
	result Result,
	device domain.DeviceInfo,
	code domain.WithheldCode,
) (Result, error) {
	body := result.Request.Body
	raw, err := json.Marshal(domain.RoomKeyWithheldContent{
		Algorithm:  body.Algorithm,
		RoomID:     body.RoomID,
		SessionID:  body.SessionID,
		SenderKey:  body.SenderKey,
		Code:       code,
		Reason:     code.Reason(),
		FromDevice: in.account.DeviceID(),
	})
	if err != nil {
		return result, err
	}
	messages := make(domain.DeviceMap[json.RawMessage])
	messages.Set(device.UserID, device.DeviceID, raw)
	if err := in.transport.SendToDevice(ctx, domain.EventTypeRoomKeyWithheld, messages); err != nil {
		return result, fmt.Errorf("send withheld: %w", err)
	}
	result.Outcome = OutcomeWithheld
	result.Code = code
	return result, nil
}
