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

	"stageline/internal/app"
	"stageline/internal/db"
	"stageline/internal/domain"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stageline CLI",
	Long: `Stageline drives a project through a fixed pipeline of build stages.
Core concepts:
- Workspace: your .stageline directory holding the database; stageline.yml overrides the defaults.
- Project: one requirement plus a snapshot of every stage (pending -> running -> completed/failed).
- Build task: one dispatched run of the pipeline; at most one is active per project.
- Control: pause/cancel stops cooperatively between stages; resume/retry dispatches a new run
  that skips stages already completed.
- Event log: diary of every transition, view with 'sl log tail'.`,
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
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
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
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(controlCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name, requirement string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project with all stages pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(requirement) == "" {
				return fmt.Errorf("--requirement required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if id == "" {
					id = newID()
				}
				if name == "" {
					name = id
				}
				p, err := a.Tracker.Initialize(ctx, id, name, requirement, a.Catalog)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&requirement, "requirement", "", "requirement text")
	_ = cmd.MarkFlagRequired("requirement")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Tracker.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Current Stage"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, fmt.Sprintf("%d%%", p.ProgressPercentage), deref(p.CurrentStage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Tracker.Read(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project and its task history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Tracker.Delete(ctx, args[0])
			})
		},
	}
	return cmd
}

func buildCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "build <project-id>",
		Short: "Run the pipeline for a project",
		Long:  "Dispatches one build task and waits for it to finish. Stages completed by earlier runs are skipped.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up waiting after this long")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show the build dashboard for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Aggregator.View(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Project: %s (%s) %d%%\n", view.Name, view.Status, view.ProgressPercentage)
				if view.ActiveStage != nil {
					fmt.Printf("Active stage: %s\n", *view.ActiveStage)
				}
				if view.Task != nil {
					fmt.Printf("Latest task: %s (%s)\n", view.Task.ID, view.Task.Status)
				}
				for _, alert := range view.Alerts {
					fmt.Println("alert:", alert)
				}
				fmt.Printf("Totals: %d in / %d out tokens, %d tool calls\n",
					view.Totals.InputTokens, view.Totals.OutputTokens, view.Totals.ToolCalls)
				return nil
			})
		},
	}
	return cmd
}

func stagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages <project-id>",
		Short: "Show per-stage status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Tracker.Read(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p.Stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Stage", "Status", "Duration", "Tokens", "Error"})
				for _, s := range p.Stages {
					dur := ""
					if s.DurationSeconds != nil {
						dur = fmt.Sprintf("%.1fs", *s.DurationSeconds)
					}
					tokens := ""
					if !s.Metrics.IsZero() {
						tokens = fmt.Sprintf("%d/%d", s.Metrics.InputTokens, s.Metrics.OutputTokens)
					}
					tw.AppendRow(table.Row{s.Order + 1, s.DisplayName, s.Status, dur, tokens, deref(s.Error)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func controlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control <project-id> <pause|resume|cancel|retry>",
		Short: "Pause, resume, cancel or retry a build",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, action := args[0], args[1]
			switch action {
			case "pause", "cancel":
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					p, err := a.Tracker.SetControlStatus(ctx, projectID, domain.ProjectPaused)
					if err != nil {
						return err
					}
					return printJSONOrTable(p)
				})
			case "resume", "retry":
				return runBuild(cmd.Context(), projectID, 10*time.Minute)
			default:
				return fmt.Errorf("action must be pause, resume, cancel or retry")
			}
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Tracker.Repo.LatestEventsFrom(ctx, n, 0, projectID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.StartWorkers(cmd.Context()); err != nil {
				return err
			}
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				addr, a.Config.Server.BasePath, a.Config.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// runBuild dispatches one task with in-process workers and waits for the
// terminal task status before exiting, so the run is never abandoned.
func runBuild(ctx context.Context, projectID string, timeout time.Duration) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if err := a.StartWorkers(ctx); err != nil {
			return err
		}
		taskID, err := a.Dispatcher.Enqueue(ctx, projectID)
		if err != nil {
			return err
		}
		deadline := time.Now().Add(timeout)
		for {
			task, err := a.Dispatcher.Status(ctx, taskID)
			if err != nil {
				return err
			}
			if !task.Active() {
				view, err := a.Aggregator.View(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Task %s finished: %s\n", task.ID, task.Status)
				fmt.Printf("Project %s: %s %d%%\n", view.ProjectID, view.Status, view.ProgressPercentage)
				for _, alert := range view.Alerts {
					fmt.Println("alert:", alert)
				}
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for task %s", taskID)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	})
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newID() string {
	return uuid.New().String()
}
