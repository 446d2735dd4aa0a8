package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/services/backup"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up, restore, export and import room keys",
	}
	cmd.AddCommand(
		backupKeygenCmd(),
		backupRunCmd(),
		backupRestoreCmd(),
		backupExportCmd(),
		backupImportCmd(),
	)
	return cmd
}

func backupKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age key pair for backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, recipient, err := backup.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("# keep this secret, it restores the backup\n%s\n", identity)
			fmt.Printf("# set backup.recipient to\n%s\n", recipient)
			return nil
		},
	}
}

func backupRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Back up every room key not backed up yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			n, err := wire.Backup.BackupKeys(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Backed up %d sessions to %s\n", n, cfg.Backup.Dir)
			return nil
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	var identityFile string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore room keys from the backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			raw, err := os.ReadFile(identityFile)
			if err != nil {
				return err
			}
			n, err := wire.Backup.Restore(cmd.Context(), identityLine(string(raw)))
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d sessions\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&identityFile, "identity", "i", "", "file holding the age identity")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

// identityLine returns the first non-comment line of an age identity file.
func identityLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

func backupExportCmd() *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Export all room keys protected by a passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			if exportPass == "" {
				return errors.New("--export-passphrase required")
			}
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			n, err := wire.Backup.ExportKeys(f, exportPass)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d sessions to %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the export")
	return cmd
}

func backupImportCmd() *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import room keys from an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := wire.Backup.ImportKeys(cmd.Context(), f, exportPass)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d sessions\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the export")
	_ = cmd.MarkFlagRequired("export-passphrase")
	return cmd
}
