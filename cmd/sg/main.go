package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stagegate/internal/app"
	"stagegate/internal/identity"
	"stagegate/internal/repo"
	"stagegate/internal/server"
)

var (
	flagWorkspace string
	flagJSON      bool
	flagActor     string
)

func main() {
	root := &cobra.Command{
		Use:           "sg",
		Short:         "Project lifecycle workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", ".", "workspace directory")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON instead of tables")
	root.PersistentFlags().StringVar(&flagActor, "actor", "", "actor id performing the operation")

	viper.SetEnvPrefix("STAGEGATE")
	viper.AutomaticEnv()

	root.AddCommand(serveCmd())
	root.AddCommand(projectCmd())
	root.AddCommand(assignmentCmd())
	root.AddCommand(qcCmd())
	root.AddCommand(registrationCmd())
	root.AddCommand(scanCmd())
	root.AddCommand(overviewCmd())
	root.AddCommand(bottlenecksCmd())
	root.AddCommand(inboxCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(apikeyCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func withApp(fn func(cmd *cobra.Command, args []string, a *app.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.Load(flagWorkspace)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, args, a)
	}
}

func requireActor() (string, error) {
	if flagActor == "" {
		return "", fmt.Errorf("--actor is required")
	}
	return flagActor, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// printJSONOrTable prints JSON when --json is set, otherwise renders the
// given table.
func printJSONOrTable(v any, render func(t table.Writer)) error {
	if flagJSON {
		return printJSON(v)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	render(t)
	t.Render()
	return nil
}

func jwtSecret(a *app.Context) []byte {
	secret := viper.GetString("JWT_SECRET")
	if secret == "" {
		secret = a.Config.Server.JWTSecret
	}
	return []byte(secret)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the delay monitor loop",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			secret := jwtSecret(a)
			if len(secret) == 0 {
				return fmt.Errorf("no JWT secret configured (set STAGEGATE_JWT_SECRET or server.jwt_secret)")
			}
			resolver := identity.Chain{
				identity.JWTResolver{Secret: secret},
				identity.APIKeyResolver{Repo: a.Repo},
			}
			handler := server.New(server.Deps{
				Engine:   a.Engine,
				Repo:     a.Repo,
				Query:    a.Query,
				Monitor:  a.Monitor,
				Resolver: resolver,
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go a.Monitor.StartLoop(ctx)

			srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			a.Logger.Info("server listening", "addr", a.Config.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}),
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}

	var urgency, deadline string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			var deadlinePtr *string
			if deadline != "" {
				deadlinePtr = &deadline
			}
			p, err := a.Engine.CreateProject(cmd.Context(), actorID, args[0], urgency, deadlinePtr)
			if err != nil {
				return err
			}
			return printJSON(p)
		}),
	}
	create.Flags().StringVar(&urgency, "urgency", "medium", "urgency level (critical, high, medium, low)")
	create.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.AddCommand(create)

	var listApproval, listStatus, listUrgency string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			projects, err := a.Repo.ListProjects(cmd.Context(), repo.ProjectFilter{
				ApprovalStatus: listApproval,
				ProjectStatus:  listStatus,
				UrgencyLevel:   listUrgency,
				Limit:          listLimit,
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(projects, func(t table.Writer) {
				t.AppendHeader(table.Row{"ID", "NAME", "APPROVAL", "STATUS", "URGENCY", "CREATED"})
				for _, p := range projects {
					t.AppendRow(table.Row{p.ID, p.Name, p.ApprovalStatus, p.ProjectStatus, p.UrgencyLevel, p.CreatedAt})
				}
			})
		}),
	}
	list.Flags().StringVar(&listApproval, "approval", "", "filter by approval status")
	list.Flags().StringVar(&listStatus, "status", "", "filter by project status")
	list.Flags().StringVar(&listUrgency, "urgency", "", "filter by urgency level")
	list.Flags().IntVar(&listLimit, "limit", 0, "max projects")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show PROJECT_ID",
		Short: "Show project detail with derived stage",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			detail, err := a.Query.ProjectDetail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(detail)
		}),
	})

	var comment string
	approve := &cobra.Command{
		Use:   "approve PROJECT_ID",
		Short: "Approve a pending project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			p, err := a.Engine.Approve(cmd.Context(), actorID, args[0], comment)
			if err != nil {
				return err
			}
			return printJSON(p)
		}),
	}
	approve.Flags().StringVar(&comment, "comment", "", "decision comment")
	cmd.AddCommand(approve)

	var rejectComment string
	reject := &cobra.Command{
		Use:   "reject PROJECT_ID",
		Short: "Reject a pending project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			p, err := a.Engine.Reject(cmd.Context(), actorID, args[0], rejectComment)
			if err != nil {
				return err
			}
			return printJSON(p)
		}),
	}
	reject.Flags().StringVar(&rejectComment, "comment", "", "decision comment")
	cmd.AddCommand(reject)

	var cancelReason string
	cancel := &cobra.Command{
		Use:   "cancel-approval PROJECT_ID",
		Short: "Revoke approval and rewind to planning",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			p, err := a.Engine.CancelApproval(cmd.Context(), actorID, args[0], cancelReason)
			if err != nil {
				return err
			}
			return printJSON(p)
		}),
	}
	cancel.Flags().StringVar(&cancelReason, "reason", "", "reason for the rewind")
	cmd.AddCommand(cancel)

	var statusComment string
	setStatus := &cobra.Command{
		Use:   "set-status PROJECT_ID STATUS",
		Short: "Change project status",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			p, err := a.Engine.SetStatus(cmd.Context(), actorID, args[0], args[1], statusComment)
			if err != nil {
				return err
			}
			return printJSON(p)
		}),
	}
	setStatus.Flags().StringVar(&statusComment, "comment", "", "decision comment")
	cmd.AddCommand(setStatus)

	return cmd
}

func assignmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assignment", Short: "Manage assignments"}

	var workGroup string
	create := &cobra.Command{
		Use:   "create PROJECT_ID ASSIGNEE_ID",
		Short: "Assign a project to an engineer",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			var wg *string
			if workGroup != "" {
				wg = &workGroup
			}
			as, err := a.Engine.Assign(cmd.Context(), actorID, args[0], args[1], wg)
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	}
	create.Flags().StringVar(&workGroup, "work-group", "", "work group id")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list PROJECT_ID",
		Short: "List assignments of a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			assignments, err := a.Repo.ListAssignments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(assignments, func(t table.Writer) {
				t.AppendHeader(table.Row{"ID", "ASSIGNEE", "STATUS", "PROGRESS", "ASSIGNED AT"})
				for _, as := range assignments {
					t.AppendRow(table.Row{as.ID, as.AssignedTo, as.AssignmentStatus, fmt.Sprintf("%d%%", as.ProgressPercentage), as.AssignedAt})
				}
			})
		}),
	})

	var reassignReason string
	reassign := &cobra.Command{
		Use:   "reassign ASSIGNMENT_ID NEW_ASSIGNEE_ID",
		Short: "Hand an assignment to a new assignee",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			as, err := a.Engine.Reassign(cmd.Context(), actorID, args[0], args[1], reassignReason)
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	}
	reassign.Flags().StringVar(&reassignReason, "reason", "", "reason for the handover")
	cmd.AddCommand(reassign)

	cmd.AddCommand(&cobra.Command{
		Use:   "start ASSIGNMENT_ID",
		Short: "Start work",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			as, err := a.Engine.Start(cmd.Context(), actorID, args[0])
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	})

	var pauseReason string
	pause := &cobra.Command{
		Use:   "pause ASSIGNMENT_ID",
		Short: "Pause work",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			as, err := a.Engine.Pause(cmd.Context(), actorID, args[0], pauseReason)
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	}
	pause.Flags().StringVar(&pauseReason, "reason", "", "reason for the pause")
	cmd.AddCommand(pause)

	cmd.AddCommand(&cobra.Command{
		Use:   "resume ASSIGNMENT_ID",
		Short: "Resume paused work",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			as, err := a.Engine.Resume(cmd.Context(), actorID, args[0])
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "complete ASSIGNMENT_ID",
		Short: "Complete work",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			as, err := a.Engine.Complete(cmd.Context(), actorID, args[0])
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "progress ASSIGNMENT_ID PERCENT",
		Short: "Update progress",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			var pct int
			if _, err := fmt.Sscanf(args[1], "%d", &pct); err != nil {
				return fmt.Errorf("invalid percent %q", args[1])
			}
			as, err := a.Engine.UpdateProgress(cmd.Context(), actorID, args[0], pct)
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	})

	return cmd
}

func qcCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "qc", Short: "Manage quality reviews"}

	var report string
	submit := &cobra.Command{
		Use:   "submit PROJECT_ID",
		Short: "Open a quality review",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			var reportPtr *string
			if report != "" {
				reportPtr = &report
			}
			q, err := a.Engine.SubmitForQC(cmd.Context(), actorID, args[0], reportPtr)
			if err != nil {
				return err
			}
			return printJSON(q)
		}),
	}
	submit.Flags().StringVar(&report, "report", "", "completion report id")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "start QC_REQUEST_ID",
		Short: "Claim a pending review",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			q, err := a.Engine.StartQCReview(cmd.Context(), actorID, args[0])
			if err != nil {
				return err
			}
			return printJSON(q)
		}),
	})

	var pass bool
	var score int
	var reviewComment string
	review := &cobra.Command{
		Use:   "review QC_REQUEST_ID",
		Short: "Complete a review",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			var scorePtr *int
			if cmd.Flags().Changed("score") {
				scorePtr = &score
			}
			q, err := a.Engine.CompleteQCReview(cmd.Context(), actorID, args[0], pass, scorePtr, reviewComment)
			if err != nil {
				return err
			}
			return printJSON(q)
		}),
	}
	review.Flags().BoolVar(&pass, "pass", false, "review passed")
	review.Flags().IntVar(&score, "score", 0, "quality score (0-100)")
	review.Flags().StringVar(&reviewComment, "comment", "", "review comment")
	cmd.AddCommand(review)

	return cmd
}

func registrationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registration", Short: "Record registration gate decisions"}

	var poComment string
	po := &cobra.Command{
		Use:   "po REGISTRATION_ID approve|reject",
		Short: "Record the product owner verdict",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			reg, err := a.Engine.RecordPODecision(cmd.Context(), actorID, args[0], args[1], poComment)
			if err != nil {
				return err
			}
			return printJSON(reg)
		}),
	}
	po.Flags().StringVar(&poComment, "comment", "", "decision comment")
	cmd.AddCommand(po)

	var adminComment string
	admin := &cobra.Command{
		Use:   "admin REGISTRATION_ID approve|reject",
		Short: "Record the final admin verdict",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			reg, err := a.Engine.RecordAdminDecision(cmd.Context(), actorID, args[0], args[1], adminComment)
			if err != nil {
				return err
			}
			return printJSON(reg)
		}),
	}
	admin.Flags().StringVar(&adminComment, "comment", "", "decision comment")
	cmd.AddCommand(admin)

	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one delay monitoring pass now",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			findings, err := a.Monitor.Scan(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(findings, func(t table.Writer) {
				t.AppendHeader(table.Row{"PROJECT", "STAGE", "HOURS", "SEVERITY"})
				for _, f := range findings {
					t.AppendRow(table.Row{f.ProjectID, f.Stage, fmt.Sprintf("%.1f", f.DelayHours), f.Severity})
				}
			})
		}),
	}
}

func overviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overview",
		Short: "Count open projects per stage",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			ov, err := a.Query.Overview(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(ov, func(t table.Writer) {
				t.AppendHeader(table.Row{"STAGE", "COUNT"})
				for st, n := range ov.ByStage {
					t.AppendRow(table.Row{st, n})
				}
				t.AppendFooter(table.Row{"TOTAL", ov.Total})
			})
		}),
	}
}

func bottlenecksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bottlenecks",
		Short: "List projects over threshold, worst first",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			bs, err := a.Query.Bottlenecks(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(bs, func(t table.Writer) {
				t.AppendHeader(table.Row{"PROJECT", "NAME", "STAGE", "HOURS", "SEVERITY"})
				for _, b := range bs {
					t.AppendRow(table.Row{b.Project.ID, b.Project.Name, b.Finding.Stage, fmt.Sprintf("%.1f", b.Finding.DelayHours), b.Finding.Severity})
				}
			})
		}),
	}
}

func inboxCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List messages addressed to the actor",
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			msgs, err := a.Query.Inbox(cmd.Context(), actorID, limit)
			if err != nil {
				return err
			}
			return printJSONOrTable(msgs, func(t table.Writer) {
				t.AppendHeader(table.Row{"ID", "TITLE", "PRIORITY", "STAGE", "CREATED"})
				for _, m := range msgs {
					t.AppendRow(table.Row{m.ID, m.Title, m.Priority, m.Stage, m.CreatedAt})
				}
			})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages")
	return cmd
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events PROJECT_ID",
		Short: "Tail the event log of a project",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			events, err := a.Repo.ListEvents(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSONOrTable(events, func(t table.Writer) {
				t.AppendHeader(table.Row{"TS", "TYPE", "ENTITY", "ACTOR"})
				for _, e := range events {
					t.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
			})
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create ACTOR_ID",
		Short: "Create an API key for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			raw := uuid.NewString()
			now := time.Now()
			if err := a.Repo.EnsureActor(cmd.Context(), args[0], now); err != nil {
				return err
			}
			key, err := a.Repo.CreateAPIKey(cmd.Context(), args[0], name, raw, now)
			if err != nil {
				return err
			}
			fmt.Printf("key id: %s\nkey (store it now, it is not kept): %s\n", key.ID, raw)
			return nil
		}),
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete KEY_ID",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			return a.Repo.DeleteAPIKey(cmd.Context(), args[0])
		}),
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token ACTOR_ID",
		Short: "Sign a development JWT for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app.Context) error {
			secret := jwtSecret(a)
			if len(secret) == 0 {
				return fmt.Errorf("no JWT secret configured")
			}
			token, err := identity.SignToken(secret, args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		}),
	}
}
