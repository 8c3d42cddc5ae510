package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"civicflow/internal/app"
	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/auth"
	"civicflow/internal/logging"
	"civicflow/internal/migrate"
	"civicflow/internal/repo"
	"civicflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Civicflow CLI",
	Long: `Civicflow tracks municipal complaints from registration to closure.
- Complaints move REGISTERED -> ASSIGNED -> IN_PROGRESS -> RESOLVED -> CLOSED, and can be REOPENED.
- Roles decide who may see and move a complaint: citizens, ward officers, maintenance teams, administrators, guests.
- Every complaint carries an SLA deadline fixed at registration from civicflow.yml.
- Every status change is written to an append-only log, view it with 'cf complaint history'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor id")
	rootCmd.PersistentFlags().String("role", "", "acting role; registers the actor when set")
	rootCmd.PersistentFlags().String("ward", "", "acting actor's ward")
	rootCmd.PersistentFlags().String("env", "development", "runtime environment (development or production)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "ward", "env"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(complaintCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default civicflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := writeDefaultConfig(workspace, force); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s (schema v%d)\n", db.Path(workspace), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing civicflow.yml")
	return cmd
}

func writeDefaultConfig(workspace string, force bool) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	return os.WriteFile(path, []byte(config.GenerateDefault()), 0o644)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect civicflow.yml",
		Long:  "civicflow.yml holds the SLA table (hours per complaint type, priority multipliers, overrides) and notification transports.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default civicflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := os.Stat(config.Path(workspace)); err == nil {
				return fmt.Errorf("%s already exists", config.Path(workspace))
			}
			if err := writeDefaultConfig(workspace, false); err != nil {
				return err
			}
			fmt.Println("wrote", config.Path(workspace))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective SLA policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			p := c.SLAPolicy()
			tw := newTable()
			tw.AppendHeader(table.Row{"Type", "LOW", "MEDIUM", "HIGH", "CRITICAL"})
			for _, t := range sortedKeys(p.TypeHours) {
				row := table.Row{t}
				for _, prio := range domain.Priorities {
					row = append(row, p.Window(t, prio).String())
				}
				tw.AppendRow(row)
			}
			tw.Render()
			fmt.Printf("warning fraction %.2f, reset on reopen %t\n", p.WarningFraction, p.ResetOnReopen)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate civicflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func actorCmd() *cobra.Command {
	act := &cobra.Command{Use: "actor", Short: "Manage actors"}
	add := &cobra.Command{
		Use:   "add",
		Short: "Register or update the actor named by --actor-id, --role and --ward",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("role") == "" {
				return fmt.Errorf("--role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := actingActor(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}

	var filterRole string
	list := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actors, err := r.ListActors(ctx, domain.Role(strings.ToUpper(filterRole)))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Role", "Ward"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Role, a.WardID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterRole, "filter-role", "", "only this role")

	act.AddCommand(add, list)
	return act
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k, plaintext, err := r.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": k.ID, "actor_id": k.ActorID, "name": k.Name, "key": plaintext})
				}
				fmt.Printf("API key %s for %s:\n%s\n", k.ID, k.ActorID, plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "for", "", "actor id")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("for")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "for", "", "actor id")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
	keys.AddCommand(create, list, revoke)
	return keys
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT for the acting actor with CIVICFLOW_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CIVICFLOW_JWT_SECRET is required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := actingActor(ctx, r)
				if err != nil {
					return err
				}
				token, err := server.IssueToken(secret, a, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	tok.AddCommand(issue)
	return tok
}

func newLogger() *zap.Logger {
	log, err := logging.New(viper.GetString("env"))
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func withEngine(ctx context.Context, fn func(context.Context, *app.Runtime, domain.Actor) error) error {
	log := newLogger()
	defer log.Sync()
	rt, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer rt.Close()
	actor, err := actingActor(ctx, rt.Engine.Repo)
	if err != nil {
		return err
	}
	return fn(ctx, rt, actor)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func actingActor(ctx context.Context, r repo.Repo) (domain.Actor, error) {
	return app.ResolveActor(ctx, r, viper.GetString("actor-id"), viper.GetString("role"), viper.GetString("ward"))
}

// describe turns engine errors into CLI messages without leaking which
// permission was missing.
func describe(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrPermissionDenied) {
		return fmt.Errorf("permission denied")
	}
	if errors.Is(err, engine.ErrConflict) {
		return fmt.Errorf("%w (re-run with --retry to re-read and try again)", err)
	}
	return err
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
