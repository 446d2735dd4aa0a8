package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Process queued to-device events and key requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			res, err := machine.Sync(cmd.Context())
			fmt.Printf("%d to-device events\n", res.ToDevice)
			for _, g := range res.Gossip {
				fmt.Printf("key request %s from %s %s: %s %s\n",
					g.Request.RequestID, g.Request.UserID, g.Request.DeviceID, g.Outcome, g.Code)
			}
			for _, r := range res.Replayed {
				if r.Err != nil {
					fmt.Printf("[%s] %s still undecryptable: %v\n", r.TimelineID, r.Event.EventID, r.Err)
					continue
				}
				fmt.Printf("[%s] %s: %s\n", r.TimelineID, r.Event.Sender, clearBody(r.Result))
			}
			return err
		},
	}
}
