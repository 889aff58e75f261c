package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proctorsync/internal/app"
	"proctorsync/internal/config"
	"proctorsync/internal/db"
	"proctorsync/internal/domain"
	"proctorsync/internal/migrate"
	"proctorsync/internal/repo"
	"proctorsync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "psync",
	Short: "proctorsync CLI",
	Long: `proctorsync pulls proctoring review results from the vendor API and applies
them to activity completion records.

- Workspace: the .proctorsync directory holds the database; proctorsync.yml
  holds vendor credentials-adjacent settings (endpoint, timezone, paging).
- Integration points bind one vendor application to one course activity;
  only module-level points with credentials are synced.
- A sync run pages through participant records modified since the last
  successful run, maps review statuses to completion states, closes stale
  sessions, and emails users whose state changed.
- Inspect what happened with 'psync run list' and 'psync log tail'.`,
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
	viper.SetEnvPrefix("PSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pointCmd())
	rootCmd.AddCommand(courseCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(enrollCmd())
	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else {
				fmt.Printf("%s already exists, leaving it alone\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if err := (repo.Repo{DB: conn}).SetSetting(cmd.Context(), "site_created", fmt.Sprintf("%d", time.Now().Unix())); err != nil {
				return err
			}
			fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Run reconciliation"}
	sync.AddCommand(syncRunCmd())
	return sync
}

func syncRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, report, err := a.RunSync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "points": report.Points})
				}
				fmt.Printf("Run %s: %s\n", run.ID, run.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Point", "Skip", "Seen", "Updated", "Notified", "Closed"})
				for _, p := range report.Points {
					tw.AppendRow(table.Row{p.PointID, p.SkipReason, p.RecordsSeen, p.Updated, p.Notified, p.SessionsClosed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect sync runs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListSyncRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Status", "Points", "Skipped", "Seen", "Updated"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.StartedAt.Format(time.RFC3339), run.Status,
						run.PointsTotal, run.PointsSkipped, run.RecordsSeen, run.RecordsUpdated})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "n", 20, "number of runs")
	run.AddCommand(list)
	return run
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := os.Getenv("PSYNC_JWT_SECRET")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("set PSYNC_JWT_SECRET or server.jwt_secret for bearer auth")
				}
				if addr == "" {
					addr = a.Config.Server.Listen
				}
				handler, err := server.New(server.Config{
					Repo:     a.Repo,
					Syncer:   a,
					Log:      a.Log.Named("server"),
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving proctorsync API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func pointCmd() *cobra.Command {
	point := &cobra.Command{
		Use:   "point",
		Short: "Manage integration points",
		Long:  "An integration point binds one vendor application (appid + apikey) to one course activity. Only module-level points are processed by sync.",
	}
	point.AddCommand(pointAddCmd())
	point.AddCommand(pointListCmd())
	point.AddCommand(pointRemoveCmd())
	return point
}

func pointAddCmd() *cobra.Command {
	var appID, apiKey, level string
	var courseID, activityID int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add integration point",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p := domain.IntegrationPoint{
					ID:            uuid.New().String(),
					ApplicationID: appID,
					APIKey:        apiKey,
					CourseID:      courseID,
					ActivityID:    activityID,
					ContextLevel:  level,
					CreatedAt:     time.Now().UTC(),
				}
				if err := r.InsertIntegrationPoint(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&appID, "app-id", "", "vendor application id")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "vendor api key")
	cmd.Flags().Int64Var(&courseID, "course", 0, "course id")
	cmd.Flags().Int64Var(&activityID, "activity", 0, "activity id")
	cmd.Flags().StringVar(&level, "level", domain.LevelModule, "context level (site, course, module)")
	_ = cmd.MarkFlagRequired("app-id")
	_ = cmd.MarkFlagRequired("api-key")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("activity")
	return cmd
}

func pointListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List integration points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEligibleIntegrationPoints(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "App", "Course", "Activity", "Level"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.ApplicationID, p.CourseID, p.ActivityID, p.ContextLevel})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func pointRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove integration point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteIntegrationPoint(ctx, args[0])
			})
		},
	}
	return cmd
}

func courseCmd() *cobra.Command {
	course := &cobra.Command{Use: "course", Short: "Manage courses"}
	var id int64
	var name string
	var completion bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a course",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c := domain.Course{ID: id, Name: name, CompletionEnabled: completion, CreatedAt: time.Now().UTC()}
				if err := r.InsertCourse(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	add.Flags().Int64Var(&id, "id", 0, "course id")
	add.Flags().StringVar(&name, "name", "", "course name")
	add.Flags().BoolVar(&completion, "completion", true, "course-level completion enabled")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("name")
	course.AddCommand(add)
	return course
}

func activityCmd() *cobra.Command {
	activity := &cobra.Command{Use: "activity", Short: "Manage activities"}
	var id, courseID int64
	var name string
	var tracking int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a := domain.Activity{
					ID:        id,
					CourseID:  courseID,
					Name:      name,
					Tracking:  domain.TrackingMode(tracking),
					CreatedAt: time.Now().UTC(),
				}
				if err := r.InsertActivity(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	add.Flags().Int64Var(&id, "id", 0, "activity id")
	add.Flags().Int64Var(&courseID, "course", 0, "course id")
	add.Flags().StringVar(&name, "name", "", "activity name")
	add.Flags().IntVar(&tracking, "tracking", int(domain.TrackingAutomatic), "tracking mode (0 none, 1 manual, 2 automatic)")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("course")
	_ = add.MarkFlagRequired("name")
	activity.AddCommand(add)
	return activity
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userTouchCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertUser(ctx, u, time.Now().UTC()); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().Int64Var(&u.ID, "id", 0, "user id")
	cmd.Flags().StringVar(&u.Username, "username", "", "username")
	cmd.Flags().StringVar(&u.Email, "email", "", "email address")
	cmd.Flags().StringVar(&u.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&u.LastName, "last-name", "", "last name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userTouchCmd() *cobra.Command {
	var userID, courseID int64
	cmd := &cobra.Command{
		Use:   "touch",
		Short: "Record course access for a user (drives session timeout)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.TouchLastAccess(ctx, userID, courseID, time.Now().UTC())
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64Var(&courseID, "course", 0, "course id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

func enrollCmd() *cobra.Command {
	enroll := &cobra.Command{Use: "enroll", Short: "Manage enrollments"}
	var activityID, userID int64
	add := &cobra.Command{
		Use:   "add",
		Short: "Enroll a user in an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.Enroll(ctx, activityID, userID, time.Now().UTC())
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Unenroll a user from an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.Unenroll(ctx, activityID, userID)
			})
		},
	}
	for _, c := range []*cobra.Command{add, remove} {
		c.Flags().Int64Var(&activityID, "activity", 0, "activity id")
		c.Flags().Int64Var(&userID, "user", 0, "user id")
		_ = c.MarkFlagRequired("activity")
		_ = c.MarkFlagRequired("user")
		enroll.AddCommand(c)
	}
	return enroll
}

func completionCmd() *cobra.Command {
	completion := &cobra.Command{Use: "completion", Short: "Inspect completion records"}
	var courseID int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List completion records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCompletion(ctx, courseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Activity", "User", "State", "Modified"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ActivityID, rec.UserID, rec.State.String(), rec.TimeModified.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&courseID, "course", 0, "course filter (0 for all)")
	completion.AddCommand(list)
	return completion
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Site-wide settings"}
	completion := &cobra.Command{
		Use:   "completion <on|off>",
		Short: "Toggle site-wide completion tracking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			switch args[0] {
			case "on":
				value = "1"
			case "off":
				value = "0"
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetSetting(ctx, "completion_enabled", value)
			})
		},
	}
	site.AddCommand(completion)
	return site
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail sync events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, evtType, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage operator API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "psk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
				key := domain.APIKey{
					ID:      uuid.New().String(),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key %s created. Store it now; only the hash is kept:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Revoked"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt, k.RevokedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cfg.AddCommand(show)
	cfg.AddCommand(validate)
	return cfg
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
