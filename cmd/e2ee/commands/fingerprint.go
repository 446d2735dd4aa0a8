package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the device fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			fmt.Printf("%s %s\nFingerprint: %s\n", wire.Account.UserID(), wire.Account.DeviceID(), wire.Account.Fingerprint())
			return nil
		},
	}
}
