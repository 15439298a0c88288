package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"launchpad/internal/app"
	"launchpad/internal/config"
	"launchpad/internal/db"
	"launchpad/internal/logging"
	"launchpad/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "launchpad",
	Short: "Launchpad CLI",
	Long: `Launchpad creates a token and registers a paired agent for it.

A launch runs in steps: image upload, metadata upload, transaction build, signing and
submission, confirmation, agent registration, and persistence. A failed launch can be
resumed from the step that failed without repeating the ones that succeeded.

Run "launchpad serve" to start the backend API, or point backend.url in launchpad.yml at a
running backend so the launch command goes through it.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LAUNCHPAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(launchCmd())
	rootCmd.AddCommand(retryIdentityCmd())
	rootCmd.AddCommand(launchesCmd())
	rootCmd.AddCommand(infoCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default launchpad.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the backend HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(app.Options{NeedDB: true}, func(a *app.App) error {
				cfg := a.Config
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					cfg.Server.BasePath = basePath
				}
				auth := server.AuthConfig{
					APIKey:    firstNonEmpty(viper.GetString("api-key"), cfg.Server.APIKey),
					JWTSecret: firstNonEmpty(viper.GetString("jwt-secret"), cfg.Server.JWTSecret),
				}
				handler, err := server.New(server.Config{
					Metadata:  a.Pump,
					Builder:   a.Pump,
					Identity:  a.Identity,
					Finalizer: a.Finalize,
					Repo:      a.Repo,
					BasePath:  cfg.Server.BasePath,
					Auth:      auth,
					RateLimit: cfg.Server.RateLimit,
					Burst:     cfg.Server.Burst,
					Metrics:   a.Metrics,
					Logger:    a.Logger.Named("http"),
				})
				if err != nil {
					return err
				}
				dispatcher := server.NewWebhookDispatcher(a.Repo, cfg.Webhooks, a.Logger.Named("webhooks"))
				dispatcher.Recorder = a.Metrics

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					return dispatcher.Run(gctx)
				})
				fmt.Printf("Serving Launchpad API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (overrides server.base_path)")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the contract address and the services launches use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			contract := cfg.Launch.ContractAddress
			if contract == "" {
				contract = "not announced"
			}
			mode := "direct"
			if cfg.Backend.URL != "" {
				mode = "backend " + cfg.Backend.URL
			}
			info := map[string]string{
				"contract_address": contract,
				"mode":             mode,
				"rpc_url":          cfg.Ledger.RPCURL,
				"commitment":       cfg.Ledger.Commitment,
				"trading_url_base": cfg.Launch.TradingURLBase,
			}
			if viper.GetBool("json") {
				return printJSON(info)
			}
			printKeyValues([][2]string{
				{"Contract address", info["contract_address"]},
				{"Mode", info["mode"]},
				{"Ledger RPC", info["rpc_url"]},
				{"Commitment", info["commitment"]},
				{"Trading URL base", info["trading_url_base"]},
			})
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := firstNonEmpty(viper.GetString("log-level"), cfg.Log.Level)
	return logging.New(level, cfg.Log.JSON)
}

func withApp(opts app.Options, fn func(*app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	a, err := app.Open(viper.GetString("workspace"), cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
