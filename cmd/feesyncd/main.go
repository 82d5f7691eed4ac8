// Package main is the feesync daemon: it owns the offline sync queue for one
// device and serves it to the UI process over REST and WebSocket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/feesync/internal/app"
	"github.com/kimhsiao/feesync/internal/config"
	"github.com/kimhsiao/feesync/internal/crypto"
	"github.com/kimhsiao/feesync/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "feesyncd",
	Short:         "Offline-first sync daemon for fee and payment records",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and the local API",
	Long: `Run the sync engine and serve the local API.

Endpoints:
  GET    /api/health
  GET    /api/sync/state | /api/sync/operations | /api/sync/stats
  POST   /api/sync/operations | /api/sync/force | /api/sync/retry | /api/sync/clear-failed
  POST   /api/events
  GET    /api/refresh/{category}
  DELETE /api/refresh/{category}
  GET    /ws   (sync.state and payment.* envelopes)

Stop with Ctrl+C or SIGTERM; an active drain finishes before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := a.Start(ctx); err != nil {
			return err
		}
		ln, err := net.Listen("tcp", a.Config.Server.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", a.Config.Server.HTTPAddr, err)
		}
		srv := newServer(ctx, a)
		err = srv.Serve(ctx, ln)
		logging.Info("feesyncd stopped", nil)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print queue counts and the last persisted sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		stats, err := a.Engine.Stats(ctx)
		if err != nil {
			return err
		}
		ops, err := a.Engine.Operations(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"counts":     stats.Counts,
			"operations": ops,
			"refresh":    a.Flags.All(ctx),
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed operations to pending with a fresh retry budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Engine.RetryFailedOperations(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d operation(s) returned to pending\n", n)
		return nil
	},
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop failed operations without retrying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Engine.ClearFailedOperations(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d failed operation(s) cleared\n", n)
		return nil
	},
}

var sealSecretCmd = &cobra.Command{
	Use:   "seal-secret <value>",
	Short: "Seal a remote DSN or API key for this machine's config file",
	Long: `Seal a remote DSN or API key so it can be stored in the config file.

The output starts with "enc:v1:" and can be pasted as remote.dsn or
remote.api_key. It only opens on the machine that sealed it (or with the
same app.machine_id).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(args[0], app.MachineID(cfg))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feesyncd v%s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (FEESYNC_* env vars override it)")
	rootCmd.AddCommand(serveCmd, statusCmd, retryCmd, clearFailedCmd, sealSecretCmd, versionCmd)
}

func loadApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	app.InitLogging(cfg.Log)
	return app.New(cfg)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
