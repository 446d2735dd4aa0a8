package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List a user's devices or set their trust",
	}
	cmd.AddCommand(devicesListCmd(), devicesTrustCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list USER",
		Short: "Download and print the devices of USER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			userID := domain.UserID(args[0])
			byUser, err := wire.Devices.Refresh(cmd.Context(), []domain.UserID{userID})
			if err != nil {
				return err
			}
			devs := byUser[userID]
			ids := make([]string, 0, len(devs))
			for id := range devs {
				ids = append(ids, string(id))
			}
			sort.Strings(ids)
			for _, id := range ids {
				d := devs[domain.DeviceID(id)]
				fmt.Printf("%-12s %-10s %s\n", id, d.Verification, d.FingerprintKey())
			}
			return nil
		},
	}
}

func devicesTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "trust USER DEVICE verified|unverified|blocked",
		Short:     "Set the local trust of a device",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"verified", "unverified", "blocked"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			var v domain.DeviceVerification
			switch args[2] {
			case "verified":
				v = domain.DeviceVerified
			case "unverified":
				v = domain.DeviceUnverified
			case "blocked":
				v = domain.DeviceBlocked
			default:
				return fmt.Errorf("unknown trust level %q", args[2])
			}
			userID := domain.UserID(args[0])
			if _, err := wire.Devices.Refresh(cmd.Context(), []domain.UserID{userID}); err != nil {
				return err
			}
			if err := wire.Devices.SetVerification(userID, domain.DeviceID(args[1]), v); err != nil {
				return err
			}
			fmt.Printf("%s %s is now %s\n", args[0], args[1], v)
			return nil
		},
	}
}
