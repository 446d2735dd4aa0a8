package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/app"
	"github.com/element-hq/element-android-sub023/internal/config"
)

var (
	cfgPath    string
	home       string
	passphrase string
	relayURL   string

	cfg     *config.Config
	wire    *app.Wire
	machine *app.Machine
)

func Execute() error {
	root := &cobra.Command{
		Use:          "e2ee",
		Short:        "End-to-end encrypted rooms over a relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("home") {
				if err := os.Setenv("E2EE_HOME", home); err != nil {
					return err
				}
			}
			var err error
			if cfg, err = config.Load(cfgPath); err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}

			logger := app.NewLogger(cfg.Log, os.Stderr)
			if wire, err = app.Open(cfg, logger); err != nil {
				return err
			}
			machine = app.NewMachine(wire)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire == nil {
				return nil
			}
			return wire.Close()
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (.yaml or .jsonc)")
	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.e2ee)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the account")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		devicesCmd(),
		verifyCmd(),
		joinCmd(),
		sendCmd(),
		recvCmd(),
		syncCmd(),
		backupCmd(),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return root.ExecuteContext(ctx)
}

// unlock opens the account for commands that need keys.
func unlock() error {
	if passphrase == "" {
		return errors.New("passphrase required (-p)")
	}
	if cfg.RelayURL == "" {
		return errors.New("no relay configured. use --relay or relay_url")
	}
	return wire.Unlock(passphrase)
}
