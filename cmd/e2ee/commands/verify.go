package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/services/verification"
)

const pollInterval = time.Second

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run SAS verification with another device",
	}
	cmd.AddCommand(verifyStartCmd(), verifyWaitCmd())
	return cmd
}

func verifyStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start USER DEVICE",
		Short: "Start verifying DEVICE of USER",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.VerificationTimeout())
			defer cancel()

			userID, deviceID := domain.UserID(args[0]), domain.DeviceID(args[1])
			if _, err := wire.Devices.Refresh(ctx, []domain.UserID{userID}); err != nil {
				return err
			}
			t, err := wire.Verification.BeginKeyVerification(ctx, verification.MethodSAS, userID, deviceID, "")
			if err != nil {
				return err
			}
			fmt.Printf("Started %s, waiting for %s %s to accept...\n", t.ID(), userID, deviceID)
			return runSAS(ctx, t)
		},
	}
}

func verifyWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Wait for an incoming verification and accept it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.VerificationTimeout())
			defer cancel()

			t, err := waitIncoming(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Incoming verification %s from %s %s\n", t.ID(), t.OtherUserID(), t.OtherDeviceID())
			if _, err := wire.Devices.Refresh(ctx, []domain.UserID{t.OtherUserID()}); err != nil {
				return err
			}
			if err := t.Accept(ctx); err != nil {
				return err
			}
			return runSAS(ctx, t)
		},
	}
}

func waitIncoming(ctx context.Context) (*verification.SASTransaction, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := machine.Sync(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "sync:", err)
		}
	drain:
		for {
			select {
			case e := <-wire.Verification.Events():
				if e.Kind == verification.TransactionCreated && e.Transaction.IsIncoming() {
					return e.Transaction, nil
				}
			default:
				break drain
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runSAS syncs until the transaction finishes, asking the user to compare
// the short code once both sides have it.
func runSAS(ctx context.Context, t *verification.SASTransaction) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	prompted := false
	for {
		if _, err := machine.Sync(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "sync:", err)
		}
		switch t.State() {
		case verification.StateDone:
			fmt.Printf("%s %s is verified.\n", t.OtherUserID(), t.OtherDeviceID())
			return nil
		case verification.StateCancelled:
			code, byMe, _ := t.CancelCode()
			if byMe {
				return fmt.Errorf("verification cancelled: %s", code)
			}
			return fmt.Errorf("verification cancelled by other device: %s", code)
		case verification.StateShortCodeReady:
			if prompted {
				break
			}
			prompted = true
			match, err := compare(t)
			if err != nil {
				t.Cancel(ctx, verification.CancelUser)
				return err
			}
			if !match {
				t.ShortCodeDoesNotMatch(ctx)
				continue
			}
			if err := t.UserHasVerifiedShortCode(ctx); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			t.Cancel(context.Background(), verification.CancelTimeout)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func compare(t *verification.SASTransaction) (bool, error) {
	if emoji, ok := t.Emoji(); ok {
		parts := make([]string, len(emoji))
		for i, e := range emoji {
			parts[i] = fmt.Sprintf("%s %s", e.Symbol, e.Description)
		}
		fmt.Println("Emoji:  ", strings.Join(parts, " | "))
	}
	if dec, ok := t.Decimal(); ok {
		fmt.Printf("Decimal: %d %d %d\n", dec[0], dec[1], dec[2])
	}
	fmt.Print("Do they match the other device? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
