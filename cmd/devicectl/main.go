// Command devicectl pairs this machine with a devicelink account and manages its token.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"devicelink/internal/deviceclient"
)

type globalOptions struct {
	server     string
	statePath  string
	useKeyring bool
	verbose    bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "devicectl",
		Short:         "Pair this device with a devicelink account",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	defaultServer := os.Getenv("DEVICELINK_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "server base URL (env DEVICELINK_SERVER)")
	cmd.PersistentFlags().StringVar(&opts.statePath, "state", "", "state file (default: user config dir)")
	cmd.PersistentFlags().BoolVar(&opts.useKeyring, "keyring", false, "keep the token in the OS keychain")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(pairCmd(opts))
	cmd.AddCommand(tokenCmd(opts))
	cmd.AddCommand(statusCmd(opts))
	cmd.AddCommand(watchCmd(opts))
	cmd.AddCommand(signOutCmd(opts))

	return cmd
}

func newClient(opts *globalOptions) (*deviceclient.Client, error) {
	api, err := deviceclient.NewAPI(opts.server)
	if err != nil {
		return nil, err
	}

	path := opts.statePath
	if path == "" {
		path, err = deviceclient.DefaultStatePath()
		if err != nil {
			return nil, err
		}
	}
	var store deviceclient.Storage = deviceclient.NewFileStorage(path)
	if opts.useKeyring {
		store = deviceclient.NewKeyringStorage(store, opts.server)
	}

	return deviceclient.New(api, store, deviceclient.DefaultConfig()), nil
}
