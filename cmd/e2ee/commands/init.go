package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

func initCmd() *cobra.Command {
	var userID, deviceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the device account and publish its keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errors.New("passphrase required (-p)")
			}
			if cfg.RelayURL == "" {
				return errors.New("no relay configured. use --relay or relay_url")
			}
			if userID == "" {
				userID = cfg.UserID
			}
			if userID == "" {
				return errors.New("--user required")
			}
			if deviceID == "" {
				deviceID = cfg.DeviceID
			}
			if deviceID == "" {
				deviceID = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
			}

			fp, err := wire.Create(passphrase, domain.UserID(userID), domain.DeviceID(deviceID))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := wire.OneTimeKeys.PublishDeviceKeys(ctx); err != nil {
				return err
			}
			if _, err := wire.OneTimeKeys.Replenish(ctx); err != nil {
				return err
			}
			fmt.Printf("Device %s created for %s.\nFingerprint: %s\n", deviceID, userID, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id, e.g. @alice:example.org")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (default random)")
	return cmd
}
