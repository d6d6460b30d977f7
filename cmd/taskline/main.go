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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/events"
	"taskline/internal/server"
	"taskline/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "taskline",
	Short: "Taskline CLI",
	Long: `Taskline is a personal task and goal tracker with an overdue sweeper.
Concepts:
- Workspace: the directory holding .taskline (database) and taskline.yml (config).
- Tasks: items with an optional due date; statuses go pending -> in_progress -> completed, or to failed when the sweeper catches them past due.
- Goals: long-running objectives that tasks attach to; when every task under an active goal has failed, the sweeper raises a goal.tasks_failed signal.
- Sweeper: the daily job that fails overdue work; run it on a schedule with 'serve' or by hand with 'sweep run'.
- Stats: streaks, weekly activity, and recent completions, from 'taskline stats' or GET /tasks/learning/stats.
- Event log: diary of changes, view with 'taskline log tail'.`,
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
	viper.SetEnvPrefix("TASKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "", "account email for user-scoped commands")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn, cfg)
	e.Breakdown = engine.TemplateBreakdown
	return fn(ctx, e)
}

func withUser(ctx context.Context, fn func(context.Context, engine.Engine, domain.User) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		u, err := app.ResolveUser(ctx, e.Repo, viper.GetString("user"))
		if err != nil {
			return err
		}
		return fn(ctx, e, u)
	})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// ---- user ----

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage accounts"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userResetTokenCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var email, name, password string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, engine.RegisterOptions{Email: email, Name: name, Password: password})
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&password, "password", "", "password (min 8 characters)")
	return cmd
}

func userResetTokenCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-token",
		Short: "Issue a password reset token",
		Long:  "Prints the plaintext token once. Hand it to the account owner; it expires after an hour.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, err := e.CreateResetToken(ctx, email)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

// ---- task ----

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskBreakdownCmd())
	task.AddCommand(taskRmCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var desc, due, goalID, status string
	var subtasks []string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					UserID:      u.ID,
					Title:       args[0],
					Description: desc,
					DueDate:     due,
					GoalID:      goalID,
					Status:      status,
					Subtasks:    subtasks,
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&goalID, "goal", "", "goal id")
	cmd.Flags().StringVar(&status, "status", "", "initial status")
	cmd.Flags().StringArrayVar(&subtasks, "subtask", nil, "subtask title (repeatable)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, goalID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				tasks, err := e.ListTasks(ctx, engine.TaskListOptions{UserID: u.ID, GoalID: goalID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Due", "Goal"})
				for _, t := range tasks {
					due, goal := "", ""
					if t.DueDate != nil {
						due = *t.DueDate
					}
					if t.GoalID != nil {
						goal = *t.GoalID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, due, goal})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&goalID, "goal", "", "filter by goal id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				t, err := e.GetTask(ctx, args[0], u.ID)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{ID: args[0], UserID: u.ID, Status: domain.StatusCompleted})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskBreakdownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breakdown <id>",
		Short: "Generate subtasks for a task (once per task)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				t, err := e.BreakdownSubtasks(ctx, args[0], u.ID)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func taskRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				return e.DeleteTask(ctx, args[0], u.ID)
			})
		},
	}
	return cmd
}

// ---- goal ----

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage goals"}
	goal.AddCommand(goalAddCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalRmCmd())
	return goal
}

func goalAddCmd() *cobra.Command {
	var desc, target string
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				g, err := e.CreateGoal(ctx, engine.GoalCreateOptions{UserID: u.ID, Title: args[0], Description: desc, TargetDate: target})
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "desc", "", "description")
	cmd.Flags().StringVar(&target, "target", "", "target date (RFC3339)")
	return cmd
}

func goalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				goals, err := e.ListGoals(ctx, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(goals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Target", "Tasks"})
				for _, g := range goals {
					target := ""
					if g.TargetDate != nil {
						target = *g.TargetDate
					}
					total := 0
					for _, n := range g.TaskCounts {
						total += n
					}
					done := g.TaskCounts[domain.StatusCompleted]
					tw.AppendRow(table.Row{g.ID, g.Title, g.Status, target, fmt.Sprintf("%d/%d done", done, total)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func goalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a goal and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				g, err := e.GetGoal(ctx, args[0], u.ID)
				if err != nil {
					return err
				}
				tasks, err := e.ListTasks(ctx, engine.TaskListOptions{UserID: u.ID, GoalID: g.ID})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"goal": g, "tasks": tasks})
			})
		},
	}
	return cmd
}

func goalRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a goal (tasks keep living, unlinked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				return e.DeleteGoal(ctx, args[0], u.ID)
			})
		},
	}
	return cmd
}

// ---- stats ----

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Activity stats: completions, streak, weekly histogram",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				st, err := e.LearningStats(ctx, u.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				counts, err := e.TaskStatusCounts(ctx, u.ID)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"Completed", st.CompletedCount})
				tw.AppendRow(table.Row{"Open", counts[domain.StatusPending] + counts[domain.StatusInProgress]})
				tw.AppendRow(table.Row{"Failed", counts[domain.StatusFailed]})
				tw.AppendRow(table.Row{"Streak", fmt.Sprintf("%d day(s)", st.Streak)})
				tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%d%%", st.Progress["General"])})
				tw.Render()

				hist := table.NewWriter()
				hist.SetOutputMirror(os.Stdout)
				header := table.Row{}
				row := table.Row{}
				for i, n := range st.Weekly {
					header = append(header, fmt.Sprintf("-%dd", len(st.Weekly)-1-i))
					row = append(row, n)
				}
				hist.AppendHeader(header)
				hist.AppendRow(row)
				hist.Render()

				if len(st.RecentCompleted) > 0 {
					recent := table.NewWriter()
					recent.SetOutputMirror(os.Stdout)
					recent.AppendHeader(table.Row{"ID", "Title", "Completed"})
					for _, r := range st.RecentCompleted {
						recent.AppendRow(table.Row{r.ID, r.Title, r.CompletedAt})
					}
					recent.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

// ---- sweep ----

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{Use: "sweep", Short: "Overdue sweeper"}
	sw.AddCommand(sweepRunCmd())
	return sw
}

func sweepRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				log := app.NewLogger(viper.GetString("log-level"))
				sw := &sweep.Sweeper{
					Repo:   e.Repo,
					Events: events.Writer{DB: e.DB},
					Log:    log,
				}
				runCtx, cancel := context.WithTimeout(ctx, e.Config.SweepTimeout())
				defer cancel()
				sum, err := sw.Run(runCtx)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	return cmd
}

// ---- log ----

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := ""
				if email := viper.GetString("user"); email != "" {
					u, err := app.ResolveUser(ctx, e.Repo, email)
					if err != nil {
						return err
					}
					userID = u.ID
				}
				evts, err := e.Repo.LatestEvents(ctx, limit, userID, evtType, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Payload"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	return cmd
}

// ---- serve ----

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()

			log := app.NewLogger(viper.GetString("log-level"))
			e := engine.New(conn, cfg)
			e.Breakdown = engine.TemplateBreakdown

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TASKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, TokenTTL: cfg.TokenTTL()},
				Log:      log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !noSweep {
				sc := &sweep.Scheduler{
					Sweeper: &sweep.Sweeper{
						Repo:   e.Repo,
						Events: events.Writer{DB: e.DB},
						Log:    log,
					},
					Interval: cfg.SweepInterval(),
					Timeout:  cfg.SweepTimeout(),
					Log:      log,
				}
				sc.Start(ctx)
			}
			server.StartNotifier(ctx, e, log)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving taskline api", "addr", addr, "base_path", basePath, "sweep_interval", cfg.Sweep.Interval)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "disable the background sweep scheduler")
	return cmd
}
