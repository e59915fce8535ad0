package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kevinmichaelchen/repo-summarizer/internal/config"
	"github.com/kevinmichaelchen/repo-summarizer/internal/logger"
	"github.com/kevinmichaelchen/repo-summarizer/internal/models"
	"github.com/kevinmichaelchen/repo-summarizer/internal/pipeline"
	"github.com/kevinmichaelchen/repo-summarizer/internal/session"
	"github.com/kevinmichaelchen/repo-summarizer/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:          "repo-summarizer",
		Short:        "API-key gated GitHub repository summaries",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd(), schemaCmd(), keysCmd(), statsCmd(), summarizeCmd(), demoTokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and installs the default logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.LogJSON)
	slog.SetDefault(log)
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gin.SetMode(gin.ReleaseMode)
			app, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			srv, err := app.server(cfg)
			if err != nil {
				return err
			}
			return srv.Run(ctx, ":"+cfg.Port)
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Initialize/update the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, _, err := setup()
			if err != nil {
				return err
			}

			st, _, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close(ctx) }()

			if err := st.InitSchema(ctx); err != nil {
				return err
			}
			fmt.Printf("Schema initialized (%s)\n", cfg.StoreBackend)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show key counts and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st store.Store) error {
				keys, err := st.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				s := computeStats(keys, cfg.DefaultKeyLimit)
				fmt.Printf("Keys:      %d\n", s.Total)
				fmt.Printf("Active:    %d\n", s.Active)
				fmt.Printf("Exhausted: %d\n", s.Exhausted)
				fmt.Printf("Usage:     %d\n", s.Usage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only count keys of this owner")
	return cmd
}

type keyStats struct {
	Total     int
	Active    int
	Exhausted int
	Usage     int
}

func computeStats(keys []*models.APIKey, defaultLimit int) keyStats {
	var s keyStats
	for _, k := range keys {
		s.Total++
		s.Usage += k.Usage
		if k.IsActive {
			s.Active++
		}
		if k.Usage >= k.Limit(defaultLimit) {
			s.Exhausted++
		}
	}
	return s
}

func summarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize [github-url]",
		Short: "Summarize a repository locally, without any quota check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			model, closeModel, err := newModel(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeModel()

			p := pipeline.New(nil, newFetcher(cfg, log), newEngine(cfg, model, log), log)
			resp, err := p.Summarize(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func demoTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "demo-token [email]",
		Short: "Issue an x-demo-session token (requires DEMO_SESSION_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if cfg.DemoSessionSecret == "" {
				return fmt.Errorf("DEMO_SESSION_SECRET is not set")
			}
			tok, err := session.NewJWTVerifier(cfg.DemoSessionSecret).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
