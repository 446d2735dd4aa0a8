package app

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/config"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/relay"
	"github.com/element-hq/element-android-sub023/internal/services/backup"
	"github.com/element-hq/element-android-sub023/internal/services/devices"
	"github.com/element-hq/element-android-sub023/internal/services/gossip"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/megolm"
	"github.com/element-hq/element-android-sub023/internal/services/message"
	"github.com/element-hq/element-android-sub023/internal/services/onetimekey"
	"github.com/element-hq/element-android-sub023/internal/services/session"
	"github.com/element-hq/element-android-sub023/internal/services/verification"
	"github.com/element-hq/element-android-sub023/internal/store"
)

// Transport is everything a device needs from the relay.
type Transport interface {
	domain.Transport
	domain.RoomTransport
}

// Wire bundles all stores, services, and clients of one device.
type Wire struct {
	Config    *config.Config
	Clock     clock.Clock
	Logger    zerolog.Logger
	Transport Transport

	Store        *store.BoltStore
	Account      *identity.Service
	OneTimeKeys  *onetimekey.Service
	Devices      *devices.Service
	Sessions     *session.Service
	Messages     *message.Service
	Inbound      *megolm.Inbound
	Outbound     *megolm.Outbound
	Backup       *backup.Service
	Verification *verification.Service

	// Outgoing and Incoming are nil when gossip is disabled.
	Outgoing *gossip.Outgoing
	Incoming *gossip.Incoming
}

// Open builds the wire for cfg against the configured relay.
func Open(cfg *config.Config, logger zerolog.Logger) (*Wire, error) {
	transport := relay.NewHTTP(cfg.RelayURL, domain.UserID(cfg.UserID), domain.DeviceID(cfg.DeviceID))
	return NewWire(cfg, transport, clock.Real(), logger)
}

// NewWire constructs the dependency graph from cfg. The account is still
// locked; call Create or Unlock before using the services.
func NewWire(cfg *config.Config, transport Transport, c clock.Clock, logger zerolog.Logger) (*Wire, error) {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}

	// File-based stores
	account := identity.New(store.NewAccountFileStore(cfg.Home), logger)
	deviceStore := store.NewDeviceFileStore(cfg.Home)
	bolt, err := store.OpenBoltStore(cfg.Home)
	if err != nil {
		return nil, err
	}

	w := &Wire{
		Config:    cfg,
		Clock:     c,
		Logger:    logger,
		Transport: transport,
		Store:     bolt,
		Account:   account,
	}

	w.OneTimeKeys = onetimekey.New(account, transport, logger)
	w.Devices = devices.New(deviceStore, transport, logger)
	w.Sessions = session.New(account, bolt, transport, c, logger)
	w.Messages = message.New(account, bolt, c, logger)

	w.Backup, err = backup.New(backup.Config{
		Dir:       cfg.Backup.Dir,
		Recipient: cfg.Backup.Recipient,
		BatchSize: cfg.Backup.BatchSize,
	}, bolt, c, logger)
	if err != nil {
		_ = bolt.Close()
		return nil, err
	}

	megolmCfg := megolmConfig(cfg)
	w.Inbound = megolm.NewInbound(megolmCfg, megolm.InboundDeps{
		Account:          account,
		Devices:          w.Devices,
		Sessions:         bolt,
		Withheld:         bolt,
		Requests:         bolt,
		Backup:           w.Backup,
		TrustEstablished: w.TrustEstablished,
	}, logger)
	w.Backup.SetExporter(w.Inbound)

	w.Outbound = megolm.NewOutbound(megolmCfg, megolm.OutboundDeps{
		Account:   account,
		Devices:   w.Devices,
		Olm:       w.Sessions,
		Encrypter: w.Messages,
		Inbound:   bolt,
		Shared:    bolt,
		Exporter:  w.Inbound,
		Backup:    w.Backup,
		Transport: transport,
		Clock:     c,
	}, logger)

	if cfg.Gossip.Enabled {
		policy, err := gossip.NewPolicy(cfg.Gossip.SharePolicy)
		if err != nil {
			_ = bolt.Close()
			return nil, err
		}
		w.Outgoing = gossip.NewOutgoing(account, bolt, transport, c, logger)
		w.Incoming, err = gossip.NewIncoming(gossip.IncomingDeps{
			Account:   account,
			Devices:   w.Devices,
			Olm:       w.Sessions,
			Encrypter: w.Messages,
			Exporter:  w.Inbound,
			Shared:    bolt,
			Transport: transport,
			Policy:    policy,
			Clock:     c,
		}, logger)
		if err != nil {
			_ = bolt.Close()
			return nil, err
		}
		w.Inbound.SetKeyRequester(w.Outgoing)
	}

	w.Verification = verification.New(account, w.Devices, transport, c, logger)
	w.Verification.SetTimeout(cfg.VerificationTimeout())
	return w, nil
}

func megolmConfig(cfg *config.Config) megolm.Config {
	return megolm.Config{
		RotationPeriodMsgs:   cfg.Megolm.RotationMsgs,
		RotationPeriod:       cfg.RotationPeriod(),
		ShareBatchSize:       cfg.Megolm.ShareBatchSize,
		ShareConcurrency:     cfg.Megolm.ShareConcurrency,
		BlacklistUnverified:  cfg.Megolm.BlacklistUnverified,
		WarnOnUnknownDevices: cfg.Megolm.WarnUnknownDevices,
		LimitToOwnDevices:    cfg.Megolm.LimitToOwnDevices,
	}
}

// Create makes a new account and points the relay client at it.
func (w *Wire) Create(passphrase string, userID domain.UserID, deviceID domain.DeviceID) (domain.Fingerprint, error) {
	fp, err := w.Account.Create(passphrase, userID, deviceID)
	if err != nil {
		return "", err
	}
	w.bindTransport()
	return fp, nil
}

// Unlock opens the stored account and points the relay client at it.
func (w *Wire) Unlock(passphrase string) error {
	if err := w.Account.Unlock(passphrase); err != nil {
		return err
	}
	w.bindTransport()
	return nil
}

func (w *Wire) bindTransport() {
	if h, ok := w.Transport.(*relay.HTTP); ok {
		h.UserID = w.Account.UserID()
		h.DeviceID = w.Account.DeviceID()
	}
}

// TrustEstablished reports whether another device of ours is verified.
// Automatic key requests wait for it.
func (w *Wire) TrustEstablished() bool {
	own, err := w.Devices.UserDevices(w.Account.UserID())
	if err != nil {
		w.Logger.Warn().Err(err).Msg("load own devices")
		return false
	}
	for id, d := range own {
		if id != w.Account.DeviceID() && d.IsVerified() {
			return true
		}
	}
	return false
}

// Close releases the crypto store.
func (w *Wire) Close() error { return w.Store.Close() }
