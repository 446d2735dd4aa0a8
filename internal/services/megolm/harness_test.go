package megolm_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/relay"
	"github.com/element-hq/element-android-sub023/internal/services/devices"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/megolm"
	"github.com/element-hq/element-android-sub023/internal/services/message"
	"github.com/element-hq/element-android-sub023/internal/services/onetimekey"
	"github.com/element-hq/element-android-sub023/internal/services/session"
	"github.com/element-hq/element-android-sub023/internal/store"
)

const room domain.RoomID = "!room:example.org"

type node struct {
	user      domain.UserID
	device    domain.DeviceID
	account   *identity.Service
	transport *relay.Local
	bolt      *store.BoltStore
	devices   *devices.Service
	messages  *message.Service
	outbound  *megolm.Outbound
	inbound   *megolm.Inbound
}

func newNode(
	t *testing.T,
	hub *relay.Hub,
	c clock.Clock,
	cfg megolm.Config,
	user domain.UserID,
	device domain.DeviceID,
) *node {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	acc := identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop())
	_, err := acc.Create("Correct-Horse-9-Battery", user, device)
	require.NoError(t, err)

	bolt, err := store.OpenBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	transport := relay.NewLocal(hub, user, device)
	otks := onetimekey.New(acc, transport, zerolog.Nop())
	require.NoError(t, otks.PublishDeviceKeys(ctx))
	_, err = otks.Replenish(ctx)
	require.NoError(t, err)

	devs := devices.New(store.NewDeviceFileStore(dir), transport, zerolog.Nop())
	msgs := message.New(acc, bolt, c, zerolog.Nop())
	in := megolm.NewInbound(cfg, megolm.InboundDeps{
		Account:  acc,
		Devices:  devs,
		Sessions: bolt,
		Withheld: bolt,
		Requests: bolt,
	}, zerolog.Nop())
	out := megolm.NewOutbound(cfg, megolm.OutboundDeps{
		Account:   acc,
		Devices:   devs,
		Olm:       session.New(acc, bolt, transport, c, zerolog.Nop()),
		Encrypter: msgs,
		Inbound:   bolt,
		Shared:    bolt,
		Exporter:  in,
		Transport: transport,
		Clock:     c,
	}, zerolog.Nop())

	return &node{
		user:      user,
		device:    device,
		account:   acc,
		transport: transport,
		bolt:      bolt,
		devices:   devs,
		messages:  msgs,
		outbound:  out,
		inbound:   in,
	}
}

// receive handles every queued to-device event and returns the types seen.
func (n *node) receive(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	events, err := n.transport.Sync(ctx, 0)
	require.NoError(t, err)

	var seen []string
	for _, e := range events {
		switch e.Type {
		case domain.EventTypeEncrypted:
			dec, err := n.messages.Decrypt(e)
			require.NoError(t, err)
			seen = append(seen, dec.Type)
			if dec.Type == domain.EventTypeRoomKey || dec.Type == domain.EventTypeForwardedRoomKey {
				require.NoError(t, n.inbound.OnRoomKeyEvent(ctx, dec, false))
			}
		case domain.EventTypeRoomKeyWithheld:
			var content domain.RoomKeyWithheldContent
			require.NoError(t, json.Unmarshal(e.Content, &content))
			require.NoError(t, n.inbound.OnRoomKeyWithheld(e.Sender, content))
			seen = append(seen, e.Type+":"+string(content.Code))
		default:
			seen = append(seen, e.Type)
		}
	}
	return seen
}

func roomEvent(t *testing.T, sender domain.UserID, eventID string, payload *domain.MegolmPayload) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Event{
		Type:    domain.EventTypeEncrypted,
		EventID: eventID,
		RoomID:  room,
		Sender:  sender,
		Content: raw,
	}
}

func text(body string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return raw
}
