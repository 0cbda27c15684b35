package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"devicelink/internal/deviceclient"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func pairCmd(opts *globalOptions) *cobra.Command {
	var (
		resume  bool
		showQR  bool
		maxWait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Show a pairing code and wait until it is linked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			var handle *deviceclient.PairingHandle
			if resume {
				if handle, err = client.Pending(); err != nil {
					return err
				}
			}
			if handle == nil {
				if handle, err = client.Register(ctx); err != nil {
					return err
				}
			}

			printPairing(handle, showQR)
			fmt.Println("Waiting for approval... (Ctrl+C to cancel)")

			cred, err := client.PollUntilLinked(ctx, handle, deviceclient.PollOptions{MaxWait: maxWait})
			switch {
			case err == nil:
				fmt.Printf("Linked. Device %s is signed in until %s.\n", cred.DeviceID, cred.ExpiresAt.Local().Format(time.RFC1123))
				return nil
			case errors.Is(err, deviceclient.ErrPollCanceled):
				fmt.Println("Canceled. Run 'devicectl pair --resume' to keep waiting on the same code.")
				return nil
			case errors.Is(err, deviceclient.ErrTimeout):
				return fmt.Errorf("no approval within %s; run 'devicectl pair --resume' or start over", maxWait)
			case errors.Is(err, deviceclient.ErrExpired), errors.Is(err, deviceclient.ErrUnknownCode):
				return errors.New("pairing code is no longer valid; run 'devicectl pair' for a new one")
			case errors.Is(err, deviceclient.ErrMismatch):
				return errors.New("pairing code belongs to another device; run 'devicectl pair' for a new one")
			default:
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "keep polling the code from the last pair run")
	cmd.Flags().BoolVar(&showQR, "qr", true, "print the pairing link as a QR code")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 5*time.Minute, "give up after this long")
	return cmd
}

func printPairing(h *deviceclient.PairingHandle, showQR bool) {
	fmt.Println()
	fmt.Printf("  Pairing code: %s\n", h.Code)
	fmt.Printf("  Expires:      %s\n", h.ExpiresAt.Local().Format(time.Kitchen))
	if h.PairingURL == "" {
		fmt.Println()
		return
	}
	fmt.Printf("  Approve at:   %s\n", h.PairingURL)
	fmt.Println()
	if !showQR {
		return
	}
	q, err := qrcode.New(h.PairingURL, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println(q.ToSmallString(false))
}

func tokenCmd(opts *globalOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid bearer token, refreshing it if it is close to expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			cred, err := client.GetValidTokenOrRefresh(ctx)
			if errors.Is(err, deviceclient.ErrSignedOut) {
				return errors.New("signed out; run 'devicectl pair'")
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(cred)
			}
			fmt.Println(cred.Token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether this device is signed in or pairing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			cred, err := client.Credential()
			if err != nil {
				return err
			}
			pending, err := client.Pending()
			if err != nil {
				return err
			}

			switch {
			case cred != nil && time.Now().Before(cred.ExpiresAt):
				fmt.Printf("Signed in as device %s, token expires %s.\n", cred.DeviceID, cred.ExpiresAt.Local().Format(time.RFC1123))
			case cred != nil:
				fmt.Printf("Token for device %s expired %s.\n", cred.DeviceID, cred.ExpiresAt.Local().Format(time.RFC1123))
			default:
				fmt.Println("Signed out.")
			}
			if pending != nil {
				fmt.Printf("Pairing in progress: code %s, expires %s.\n", pending.Code, pending.ExpiresAt.Local().Format(time.Kitchen))
			}
			return nil
		},
	}
}

func watchCmd(opts *globalOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the token fresh and report sign-in state changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			w := deviceclient.NewExpiryWatcher(client, interval)
			w.Start(ctx)
			defer w.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case sc := <-w.Changes():
					line := fmt.Sprintf("%s  %s  device=%s", sc.At.Format(time.RFC3339), sc.State, sc.DeviceID)
					if sc.Reason != nil {
						line += "  reason=" + sc.Reason.Error()
					}
					fmt.Println(line)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "how often to check the token")
	return cmd
}

func signOutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Revoke this device's token and forget it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(opts)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := client.SignOut(ctx); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		},
	}
}
