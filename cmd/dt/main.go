package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deptrack/internal/app"
	"deptrack/internal/config"
	"deptrack/internal/db"
	"deptrack/internal/domain"
	"deptrack/internal/engine/auth"
	"deptrack/internal/repo"
	"deptrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dt",
	Short: "Deptrack CLI",
	Long: `Deptrack tracks projects and kanban tasks across departments.
- Workspace: a directory holding .deptrack/deptrack.db and an optional deptrack.yml.
- Directory: departments and users with their roles, loaded with 'dt seed'.
- Roles: managing_director and it_admin may do anything; team_lead manages and approves;
  employee works on tasks in its department or assigned to it.
- Tasks move Backlog -> Todo -> In Progress -> Review -> Done; only approvers can close a task.
- Project progress is the share of Done tasks plus a manual adjustment of -10..10.
- Event log: every change is recorded, view it with 'dt log tail'.`,
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
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEPTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "acting user id")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/deptrack.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default deptrack.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config %s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				fmt.Printf("Database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load departments and users from a directory file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				depts, users, err := app.SeedDirectory(ctx, ac.Repo, file)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"departments": depts, "users": users})
				}
				fmt.Printf("Seeded %d departments and %d users\n", depts, users)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "directory.yml", "directory YAML file")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user and its capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				caps := auth.Capabilities(actor.Role)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"user":         actor,
						"capabilities": caps,
						"can_approve":  auth.CanApprove(actor).Allowed,
					})
				}
				names := make([]string, 0, len(caps))
				for _, c := range caps {
					names = append(names, string(c))
				}
				fmt.Printf("%s (%s) role=%s department=%s\n", actor.ID, actor.Name, actor.Role, actor.DepartmentID)
				fmt.Printf("capabilities: %s\n", strings.Join(names, ", "))
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				if !auth.IsWildcard(actor.Role) {
					return domain.AuthorizationError{Action: "read events", Reason: domain.ReasonMissingCapability}
				}
				items, err := ac.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if _, err := app.ResolveActor(ctx, ac.Repo, userID); err != nil {
					return err
				}
				key, rec, err := ac.Repo.IssueAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "user_id": rec.UserID, "key": key})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", rec.ID, rec.UserID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if err := ac.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return domain.NotFoundError{Kind: "api key", ID: args[0]}
					}
					return err
				}
				fmt.Printf("Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
}

func directoryCmd() *cobra.Command {
	var departmentID string
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "List departments and users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				depts, err := ac.Repo.ListDepartments(ctx)
				if err != nil {
					return err
				}
				users, err := ac.Repo.ListUsers(ctx, departmentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"departments": depts, "users": users})
				}
				names := map[string]string{}
				for _, d := range depts {
					names[d.ID] = d.Name
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Name", "Role", "Department", "Team"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, names[u.DepartmentID], deref(u.TeamID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&departmentID, "department", "", "only users of this department")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT for a user with DEPTRACK_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("DEPTRACK_JWT_SECRET is required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if _, err := app.ResolveActor(ctx, ac.Repo, userID); err != nil {
					return err
				}
				token, err := server.IssueToken(secret, viper.GetString("jwt-issuer"), userID, ttl)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	ac, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func withActor(ctx context.Context, fn func(context.Context, *app.Context, domain.User) error) error {
	return withApp(ctx, func(ctx context.Context, ac *app.Context) error {
		actor, err := app.ResolveActor(ctx, ac.Repo, viper.GetString("user"))
		if err != nil {
			return err
		}
		return fn(ctx, ac, actor)
	})
}

func exitCode(err error) int {
	var (
		verr domain.ValidationError
		aerr domain.AuthorizationError
		nerr domain.NotFoundError
		berr domain.BusinessRuleError
	)
	switch {
	case errors.As(err, &verr):
		return 2
	case errors.As(err, &aerr):
		return 3
	case errors.As(err, &nerr):
		return 4
	case errors.As(err, &berr):
		return 5
	default:
		return 1
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
