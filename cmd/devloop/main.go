package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/devloop"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "devloop",
		Short:         "Run a process and restart it when its inputs change",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd(), newStopCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		reload     string
		interval   int
		daemon     bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command args...]",
		Short: "Start the process and watch for changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := devloop.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("reload") {
				cfg.Reload = reload
			}
			if cmd.Flags().Changed("scan-interval") {
				cfg.ScanInterval = interval
			}
			if cmd.Flags().Changed("daemon") {
				cfg.Daemon = daemon
			}
			if len(args) > 0 {
				cfg.Process.Command = args[0]
				cfg.Process.Args = args[1:]
			}
			if cfg.Process.Command == "" {
				return errors.New("no command to run: set process.command or pass one after --")
			}
			logger, closer, err := devloop.SetupLogging(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()
			logger.Info("Supervisor: starting (standalone mode)", slog.String("config", cfg.Path()))
			return devloop.Serve(cmd.Context(), cfg, devloop.Options{Logger: logger})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "devloop.yaml", "Path to YAML, JSON or TOML configuration file")
	cmd.Flags().StringVar(&reload, "reload", "", "Reload mode: automatic or manual")
	cmd.Flags().IntVar(&interval, "scan-interval", 0, "Seconds between filesystem scans (0 disables)")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Return as soon as the process has started")
	return cmd
}

func newStopCmd() *cobra.Command {
	var (
		configPath string
		port       int
		key        string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running supervisor to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := devloop.StopToken{Port: port, Key: key}
			if configPath != "" {
				cfg, err := devloop.LoadConfig(configPath)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("port") {
					token.Port = cfg.StopPort
				}
				if !cmd.Flags().Changed("key") {
					token.Key = cfg.StopKey
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			err := devloop.SendStop(ctx, token)
			if errors.Is(err, devloop.ErrNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), "devloop not running")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Read stop port and key from this config file")
	cmd.Flags().IntVar(&port, "port", 0, "Stop port")
	cmd.Flags().StringVar(&key, "key", "", "Stop key")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Connect and write timeout")
	return cmd
}
