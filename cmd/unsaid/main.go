package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"unsaid/internal/app"
	"unsaid/internal/config"
	"unsaid/internal/domain"
	"unsaid/internal/engine"
	"unsaid/internal/events"
	"unsaid/internal/logging"
	"unsaid/internal/repo"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "unsaid",
	Short: "UnSaid confession service",
	Long: `UnSaid accepts confessions, gates them on free quota or a paid subscription,
delivers them by email or WhatsApp and, for the reveal plan, discloses the sender
once the reveal delay has passed after delivery.

Lifecycle: pending -> delivered, or pending -> failed -> (retry) pending.
Operators drive delivery with 'unsaid submissions deliver|dispatch|retry|reveal'
or let 'unsaid serve' dispatch automatically when dispatch.mode is auto.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "cli", "actor recorded on events")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(submissionsCmd())
	rootCmd.AddCommand(revealsCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				fmt.Printf("Serving UnSaid API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					addr, rt.Config.Server.BasePath, rt.Config.Server.BasePath)
				return rt.Serve(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fmt.Println("database is up to date")
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("config"))
			if err != nil {
				return err
			}
			fmt.Printf("config ok (dispatch=%s, database=%s)\n", cfg.Dispatch.Mode, cfg.Database.DSN)
			return nil
		},
	})
	return cmd
}

func submissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "submissions",
		Aliases: []string{"sub"},
		Short:   "Inspect and drive submissions",
	}
	cmd.AddCommand(submissionsListCmd())
	cmd.AddCommand(submissionsShowCmd())
	cmd.AddCommand(submissionsEventsCmd())
	cmd.AddCommand(submissionsStatsCmd())
	cmd.AddCommand(submissionActionCmd("deliver", "Mark a submission delivered", func(e engine.Engine) action { return e.MarkDelivered }))
	cmd.AddCommand(submissionActionCmd("dispatch", "Send a submission through its channel", func(e engine.Engine) action { return e.Dispatch }))
	cmd.AddCommand(submissionActionCmd("retry", "Return a failed submission to pending", func(e engine.Engine) action { return e.Retry }))
	cmd.AddCommand(submissionActionCmd("reveal", "Reveal the sender of a delivered reveal-plan submission", func(e engine.Engine) action { return e.Reveal }))
	return cmd
}

func submissionsListCmd() *cobra.Command {
	var status, owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st domain.Status
			if status != "" {
				parsed, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				st = parsed
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Repo.ListSubmissions(ctx, repo.SubmissionFilters{OwnerID: owner, Status: st, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Plan", "Contact", "Status", "Revealed", "Retries", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.OwnerID, s.Plan, s.ContactType, s.Status, s.Revealed, s.RetryCount, s.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, delivered, failed)")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func submissionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func submissionsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show the audit trail of a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Engine.Repo.EntityEvents(ctx, events.KindSubmission, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.ActorID, evt.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func submissionsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count submissions by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				counts, err := rt.Engine.Repo.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for _, st := range []domain.Status{domain.StatusPending, domain.StatusDelivered, domain.StatusFailed} {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

type action func(ctx context.Context, id, actorID string) (domain.Submission, error)

func submissionActionCmd(use, short string, pick func(engine.Engine) action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := pick(rt.Engine)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%s: status=%s revealed=%t", s.ID, s.Status, s.Revealed)
				if s.FailureReason != "" {
					fmt.Printf(" reason=%q", s.FailureReason)
				}
				fmt.Println()
				return nil
			})
		},
	}
}

func revealsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reveals", Short: "Reveal scheduling"}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Reveal every submission whose delay has elapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.SweepReveals(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("revealed %d submission(s)\n", n)
				return nil
			})
		},
	})
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Name", "Free", "Developer", "Roles"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.FreeRemaining, u.Developer, strings.Join(u.Roles, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "developer <user-id>",
		Short: "Grant unlimited sends to a user (requires entitlement.developer_mode_enabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.EnableDeveloper(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "grant-admin <user-id>",
		Short: "Grant the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.GrantRole(ctx, args[0], repo.RoleAdmin)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke-admin <user-id>",
		Short: "Revoke the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.RevokeRole(ctx, args[0], repo.RoleAdmin)
			})
		},
	})
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := "us_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name, CreatedAt: time.Now().UTC()}
				if err := rt.Engine.Repo.InsertAPIKey(ctx, key, repo.HashAPIKey(secret)); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actorId": key.ActorID, "name": key.Name, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id recorded on events made with this key")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Session tokens"}
	var user string
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a session token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Engine.Repo.GetUser(ctx, nil, user)
				if err != nil {
					return err
				}
				token, expires, err := rt.Issuer().Mint(u.ID, u.Roles)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"token": token, "expiresAt": expires, "userId": u.ID})
			})
		},
	}
	mint.Flags().StringVar(&user, "user", "", "user id")
	cmd.AddCommand(mint)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	rt, err := app.Open(ctx, cfg, version, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
