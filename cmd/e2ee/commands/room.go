package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join ROOM",
		Short: "Join a room on the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			if err := wire.Transport.JoinRoom(cmd.Context(), domain.RoomID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Joined %s\n", args[0])
			return nil
		},
	}
}

// send: encrypt a text message for every member of ROOM.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send ROOM MESSAGE...",
		Short: "Encrypt and send a room message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			content, err := json.Marshal(map[string]string{
				"msgtype": "m.text",
				"body":    strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			// Pick up new devices and pending requests before sharing.
			if _, err := machine.Sync(ctx); err != nil {
				wire.Logger.Warn().Err(err).Msg("sync before send")
			}
			var unknown *domain.UnknownDeviceError
			eventID, err := machine.SendRoomMessage(ctx, domain.RoomID(args[0]), "m.room.message", content)
			if errors.As(err, &unknown) {
				return fmt.Errorf("%w\nreview them with `devices list` and `devices trust`", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", eventID)
			return nil
		},
	}
}

// recv: decrypt the messages of ROOM after --since.
func recvCmd() *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "recv ROOM",
		Short: "Fetch and decrypt the messages of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := machine.Sync(ctx); err != nil {
				wire.Logger.Warn().Err(err).Msg("sync before recv")
			}
			events, next, err := wire.Transport.RoomMessages(ctx, domain.RoomID(args[0]), since)
			if err != nil {
				return err
			}
			for _, e := range events {
				res, err := machine.DecryptRoomEvent(ctx, e)
				if err != nil {
					fmt.Printf("[%s] ** unable to decrypt: %v **\n", e.Sender, err)
					continue
				}
				fmt.Printf("[%s] %s\n", e.Sender, clearBody(res))
			}
			fmt.Printf("-- next: %d\n", next)
			return nil
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "position returned by a previous recv")
	return cmd
}

func clearBody(res *domain.DecryptionResult) string {
	var clear struct {
		Type    string `json:"type"`
		Content struct {
			Body string `json:"body"`
		} `json:"content"`
	}
	if err := json.Unmarshal(res.ClearEvent, &clear); err != nil || clear.Content.Body == "" {
		return string(res.ClearEvent)
	}
	return clear.Content.Body
}
