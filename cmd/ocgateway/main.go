package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
	"github.com/ubuygold/ocgateway/internal/logger"
	"github.com/ubuygold/ocgateway/internal/model"
	"github.com/ubuygold/ocgateway/internal/server"
	"github.com/ubuygold/ocgateway/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "ocgateway",
		Short: "Token-gated LLM gateway",
		Long:  "ocgateway validates per-install tokens, enforces quotas and relays chat completions to a single upstream LLM provider.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})
	root.AddCommand(newTokenCmd(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print gateway and protocol version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ocgateway %s (protocol %s)\n", version.Version, version.ProtocolVersion)
		},
	})
	return root
}

func runServe(ctx context.Context, configPath string) error {
	cfg, warning, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("error initializing gateway: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("Error closing gateway", "error", err)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

// openStore opens the configured token store for operator commands.
func openStore(configPath string) (db.Service, error) {
	cfg, _, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	return db.NewService(cfg.Database, db.WithDefaultLimits(cfg.Quota.DailyLimit, cfg.Quota.MonthlyLimit))
}

func newTokenCmd(configPath *string) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage tokens directly in the configured store",
	}

	var platform, installID, clientVersion string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Allocate a new token",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.CreateToken(db.CreateTokenParams{
				Platform:  platform,
				InstallID: installID,
				Version:   clientVersion,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		},
	}
	createCmd.Flags().StringVar(&platform, "platform", "", "Client platform, e.g. linux-x64")
	createCmd.Flags().StringVar(&installID, "install-id", "", "Client installation id")
	createCmd.Flags().StringVar(&clientVersion, "version", "", "Client version")
	_ = createCmd.MarkFlagRequired("platform")
	_ = createCmd.MarkFlagRequired("install-id")

	var status string
	var page, limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			list, total, err := store.ListTokens(page, limit, status)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tSTATUS\tPLATFORM\tDAILY\tMONTHLY\tCREATED")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", t.Token, t.Status, t.Platform,
					t.DailyLimit, t.MonthlyLimit, t.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintf(w, "total: %d\n", total)
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (active|disabled)")
	listCmd.Flags().IntVar(&page, "page", 1, "Page number")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Page size")

	tokenCmd.AddCommand(createCmd, listCmd,
		newStatusCmd(configPath, "disable", model.StatusDisabled),
		newStatusCmd(configPath, "enable", model.StatusActive))
	return tokenCmd
}

func newStatusCmd(configPath *string, use, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <token>",
		Short: "Set a token's status to " + status,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			updated, err := store.UpdateToken(args[0], model.TokenUpdate{Status: &status})
			if err != nil {
				return err
			}
			if updated == nil {
				return fmt.Errorf("token not found: %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", updated.Token, updated.Status)
			return nil
		},
	}
}
