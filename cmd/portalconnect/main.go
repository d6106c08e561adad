package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pysugar/portal-connect/internal/app"
	"github.com/pysugar/portal-connect/internal/auth/token"
	"github.com/pysugar/portal-connect/internal/config"
	"github.com/pysugar/portal-connect/internal/db"
	"github.com/pysugar/portal-connect/internal/logging"
	"github.com/pysugar/portal-connect/internal/util"
	"github.com/pysugar/portal-connect/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portalconnect",
		Short:         "OAuth connection manager for the real-estate portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokensCmd(), newVersionCmd())
	return root
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(logging.Config{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Service: "portal-connect",
		Version: version.Version,
	})
	return cfg, log, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if !cfg.RequireAPIKey {
				log.Warn("PORTAL_REQUIRE_API_KEY is off; /api is open to anyone who can reach it")
			} else if !cfg.IsProd() {
				log.Info("portal API key", zap.String("api_key", util.MaskToken(db.GetAPIKey(a.DB))))
			}
			return a.Serve(ctx)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			a.Close()
			log.Info("migrations applied",
				zap.String("dialect", cfg.DBDialect),
				zap.String("token_store", cfg.TokenStore))
			return nil
		},
	}
}

func newTokensCmd() *cobra.Command {
	var provider string
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect and manage stored provider credentials",
	}
	tokensCmd.PersistentFlags().StringVar(&provider, "provider", "", "provider id or alias (google, gmail, microsoft, outlook, followupboss)")
	_ = tokensCmd.MarkPersistentFlagRequired("provider")

	withApp := func(run func(ctx context.Context, a *app.App) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd.Context(), a)
		}
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active credentials for a provider",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			recs, err := a.Tokens.ListActive(ctx, provider)
			if err != nil {
				return err
			}
			now := a.Tokens.Now()
			for _, rec := range recs {
				fmt.Printf("%-40s %-18s expires=%s last_used=%s token=%s\n",
					rec.UserEmail,
					token.Evaluate(rec, now),
					rec.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
					rec.LastUsed.UTC().Format("2006-01-02T15:04:05Z"),
					util.MaskToken(rec.AccessToken))
			}
			return nil
		}),
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every credential for a provider",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Tokens.ClearProvider(ctx, provider)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"provider": provider, "deleted": n})
		}),
	}

	reauthCmd := &cobra.Command{
		Use:   "force-reauth",
		Short: "Deactivate every credential for a provider so users must reconnect",
		RunE: withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Tokens.ForceReauth(ctx, provider)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"provider": provider, "deactivated": n})
		}),
	}

	tokensCmd.AddCommand(listCmd, clearCmd, reauthCmd)
	return tokensCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]string{
				"version":    version.Version,
				"commit":     version.Commit,
				"build_time": version.BuildTime,
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
