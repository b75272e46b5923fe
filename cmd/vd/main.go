package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"veridraw/internal/app"
	"veridraw/internal/config"
	"veridraw/internal/db"
	"veridraw/internal/domain"
	"veridraw/internal/migrate"
	"veridraw/internal/repo"
	"veridraw/internal/server"
	"veridraw/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "vd",
	Short: "Veridraw CLI",
	Long: `Veridraw holds construction draw money in escrow and releases it milestone by milestone.
- Escrow: buyer, provider, total, currency and an ordered milestone plan; funded by the custodian.
- Milestones: units of work that need their required evidence before an inspector approves them.
- Payments: every approval issues one instruction that the custodian moves INSTRUCTED -> SENT -> SETTLED.
- Ledger: every change is appended to one SHA-256 hash chain; 'vd ledger verify' recomputes it.
- Roles: AGENT, CONTRACTOR, INSPECTOR, CUSTODIAN, ADMIN. Pass --actor-id and --role on each command.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("database-url") != "" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VERIDRAW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("database-url", "", "postgres URL (default: workspace SQLite)")
	flags.String("config", "", "config file (default: <workspace>/veridraw.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", "AGENT", "role to act under")
	for _, name := range []string{"workspace", "database-url", "config", "json", "actor-id", "role"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config sets the currency, payment method, evidence catalog, change-order defaults, milestone templates and webhooks. It lives in veridraw.yml in the workspace.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default veridraw.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "List milestone templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c.Templates)
			}
			tw := newTable("Template", "Title", "Steps")
			for _, name := range c.TemplateNames() {
				tpl := c.Templates[name]
				tw.AppendRow(table.Row{name, tpl.Title, len(tpl.Milestones)})
			}
			tw.Render()
			return nil
		},
	})
	return cfg
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, role, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an actor and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := domain.ParseRole(role)
			if err != nil || parsed == domain.RoleSystem {
				return fmt.Errorf("--role must be one of AGENT, CONTRACTOR, INSPECTOR, CUSTODIAN, ADMIN")
			}
			if strings.TrimSpace(actorID) == "" {
				return fmt.Errorf("--actor required")
			}
			raw, err := newAPIKey()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Role:      parsed,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": raw, "actor_id": key.ActorID, "role": key.Role})
				}
				fmt.Printf("API key %s for %s (%s):\n%s\nStore it now; only its hash is kept.\n", key.ID, key.ActorID, key.Role, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id")
	create.Flags().StringVar(&role, "key-role", "", "role granted to the key")
	create.Flags().StringVar(&name, "name", "", "label")
	keys.AddCommand(create)

	var listActor, listRole string
	var listAll bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.APIKeyFilters{ActorID: listActor, IncludeRevoked: listAll}
			if listRole != "" {
				parsed, err := domain.ParseRole(listRole)
				if err != nil {
					return err
				}
				f.Role = parsed
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, nil, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Role", "Name", "Created", "Revoked")
				for _, k := range items {
					revoked := ""
					if k.RevokedAt != nil {
						revoked = *k.RevokedAt
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt, revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	list.Flags().StringVar(&listRole, "key-role", "", "role filter")
	list.Flags().BoolVar(&listAll, "all", false, "include revoked keys")
	keys.AddCommand(list)

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.RevokeAPIKey(ctx, nil, args[0], time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				fmt.Printf("API key %s revoked\n", args[0])
				return nil
			})
		},
	})
	return keys
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "db", Short: "Inspect and migrate the database"}
	open := func() (*sql.DB, db.Dialect, error) {
		cfg := db.Config{Workspace: viper.GetString("workspace"), URL: viper.GetString("database-url")}
		conn, err := db.Open(cfg)
		return conn, cfg.Dialect(), err
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, _, err := open()
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, pending, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied, "pending": pending})
			}
			tw := newTable("Version", "Name", "Applied")
			for _, a := range applied {
				tw.AppendRow(table.Row{a.Version, a.Name, a.AppliedAt})
			}
			for _, name := range pending {
				tw.AppendRow(table.Row{"-", name, "pending"})
			}
			tw.Render()
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, dialect, err := open()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn, dialect); err != nil {
				return err
			}
			fmt.Println("database is up to date")
			return nil
		},
	})
	return cmd
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "vd_" + hex.EncodeToString(buf), nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and notification dispatcher",
		Long:  "Settings come from VERIDRAW_* environment variables (VERIDRAW_ADDR, VERIDRAW_BASE_PATH, VERIDRAW_JWT_SECRET, VERIDRAW_DATABASE_URL, VERIDRAW_ALLOW_HEADER_AUTH, VERIDRAW_DISPATCH_INTERVAL, VERIDRAW_OTEL_ENDPOINT); flags override them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.ParseEnv()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				env.Addr, _ = flags.GetString("addr")
			}
			if flags.Changed("base-path") {
				env.BasePath, _ = flags.GetString("base-path")
			}
			if flags.Changed("allow-header-auth") {
				env.AllowHeaderAuth, _ = flags.GetBool("allow-header-auth")
			}
			if flags.Changed("dev-login") {
				env.AllowDevLogin, _ = flags.GetBool("dev-login")
			}
			if url := viper.GetString("database-url"); url != "" {
				env.DatabaseURL = url
			}
			if env.JWTSecret == "" {
				return fmt.Errorf("VERIDRAW_JWT_SECRET is required for bearer auth")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := log.New(os.Stderr, "veridraw ", log.LstdFlags|log.LUTC)

			shutdownTracing, err := telemetry.Setup(ctx, env.OTelEndpoint, "veridraw")
			if err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()

			a, err := app.Open(ctx, app.Options{
				Workspace:        viper.GetString("workspace"),
				DatabaseURL:      env.DatabaseURL,
				ConfigPath:       viper.GetString("config"),
				DispatchInterval: env.DispatchInterval,
				Logger:           logger,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: env.BasePath,
				Hub:      a.Hub,
				Auth: server.AuthConfig{
					JWTSecret:       env.JWTSecret,
					AllowHeaderAuth: env.AllowHeaderAuth,
					AllowDevLogin:   env.AllowDevLogin,
					Logger:          logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: env.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return a.Dispatcher.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			fmt.Printf("Serving Veridraw API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", env.Addr, env.BasePath, env.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	cmd.Flags().Bool("allow-header-auth", false, "trust X-Actor-Id/X-Actor-Role headers (development only)")
	cmd.Flags().Bool("dev-login", false, "serve the unauthenticated token minting route (development only)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:   viper.GetString("workspace"),
		DatabaseURL: viper.GetString("database-url"),
		ConfigPath:  viper.GetString("config"),
		Logger:      log.New(os.Stderr, "", 0),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// actor is the caller identity taken from --actor-id and --role.
func actor() (domain.Actor, error) {
	role, err := domain.ParseRole(viper.GetString("role"))
	if err != nil {
		return domain.Actor{}, err
	}
	if role == domain.RoleSystem {
		return domain.Actor{}, fmt.Errorf("SYSTEM role cannot be assumed")
	}
	return domain.Actor{ID: viper.GetString("actor-id"), Role: role}, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalInt(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}
