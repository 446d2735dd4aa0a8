package gossip_test

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
	"github.com/element-hq/element-android-sub023/internal/services/gossip"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/megolm"
	"github.com/element-hq/element-android-sub023/internal/services/message"
	"github.com/element-hq/element-android-sub023/internal/services/onetimekey"
	"github.com/element-hq/element-android-sub023/internal/services/session"
	"github.com/element-hq/element-android-sub023/internal/store"
)

const room domain.RoomID = "!room:example.org"

var (
	alice domain.UserID = "@alice:example.org"
	bob   domain.UserID = "@bob:example.org"
)

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
	outgoing  *gossip.Outgoing
	incoming  *gossip.Incoming
}

func newNode(t *testing.T, hub *relay.Hub, c clock.Clock, user domain.UserID, device domain.DeviceID) *node {
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
	olm := session.New(acc, bolt, transport, c, zerolog.Nop())
	cfg := megolm.DefaultConfig()
	in := megolm.NewInbound(cfg, megolm.InboundDeps{
		Account:          acc,
		Devices:          devs,
		Sessions:         bolt,
		Withheld:         bolt,
		Requests:         bolt,
		TrustEstablished: func() bool { return true },
	}, zerolog.Nop())
	out := megolm.NewOutbound(cfg, megolm.OutboundDeps{
		Account:   acc,
		Devices:   devs,
		Olm:       olm,
		Encrypter: msgs,
		Inbound:   bolt,
		Shared:    bolt,
		Exporter:  in,
		Transport: transport,
		Clock:     c,
	}, zerolog.Nop())
	outgoing := gossip.NewOutgoing(acc, bolt, transport, c, zerolog.Nop())
	in.SetKeyRequester(outgoing)
	incoming, err := gossip.NewIncoming(gossip.IncomingDeps{
		Account:   acc,
		Devices:   devs,
		Olm:       olm,
		Encrypter: msgs,
		Exporter:  in,
		Shared:    bolt,
		Transport: transport,
		Clock:     c,
	}, zerolog.Nop())
	require.NoError(t, err)

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
		outgoing:  outgoing,
		incoming:  incoming,
	}
}

// receive routes every queued to-device event and returns what was seen.
// Key requests are reported as "m.room_key_request:<action>".
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
		case domain.EventTypeRoomKeyRequest:
			var content domain.RoomKeyShareRequest
			require.NoError(t, json.Unmarshal(e.Content, &content))
			n.incoming.OnRequest(e.Sender, content)
			seen = append(seen, e.Type+":"+content.Action)
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

func (n *node) trust(t *testing.T, user domain.UserID, device domain.DeviceID, v domain.DeviceVerification) {
	t.Helper()
	_, err := n.devices.Refresh(context.Background(), []domain.UserID{user})
	require.NoError(t, err)
	require.NoError(t, n.devices.SetVerification(user, device, v))
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

func bodyOf(payload *domain.MegolmPayload) domain.RoomKeyRequestBody {
	return domain.RoomKeyRequestBody{
		Algorithm: domain.AlgorithmMegolm,
		RoomID:    room,
		SenderKey: payload.SenderKey,
		SessionID: payload.SessionID,
	}
}
