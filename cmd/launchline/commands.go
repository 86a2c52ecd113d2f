package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"launchline/internal/app"
	"launchline/internal/config"
	"launchline/internal/domain"
	"launchline/internal/engine"
	"launchline/internal/gates"
	"launchline/internal/server"
	"launchline/internal/tasksync"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "seed", Short: "Manage the checklist catalog"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <catalog.yml>",
		Short: "Import templates, gates and users from YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := config.SeedFromFile(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.Catalog.Import(ctx, seed)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Imported %d templates, %d gates, %d users\n", res.Templates, res.Gates, res.Users)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the built-in catalog as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.MarshalSeed(config.DefaultSeed())
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	})
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	var u domain.User
	var externalID string
	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if externalID != "" {
				u.ExternalID = &externalID
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				saved, err := svc.Engine.Directory.Upsert(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	upsert.Flags().StringVar(&u.ID, "id", "", "user id")
	upsert.Flags().StringVar(&u.Name, "name", "", "display name")
	upsert.Flags().StringVar(&u.Email, "email", "", "email")
	upsert.Flags().BoolVar(&u.IsExecutor, "executor", false, "user may execute checklists")
	upsert.Flags().StringVar(&externalID, "external-id", "", "user id in the remote task tracker")
	_ = upsert.MarkFlagRequired("id")
	cmd.AddCommand(upsert)
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				users, err := svc.Engine.Directory.List(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(users)
				}
				tw := newTable(table.Row{"ID", "Name", "Executor", "External ID"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.IsExecutor, deref(u.ExternalID)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

// parseAssignment reads template[:executor[:due-date]].
func parseAssignment(s string) (engine.ChecklistAssignment, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 || strings.TrimSpace(parts[0]) == "" {
		return engine.ChecklistAssignment{}, fmt.Errorf("invalid checklist %q, want template[:executor[:YYYY-MM-DD]]", s)
	}
	a := engine.ChecklistAssignment{TemplateID: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		a.ExecutorID = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		a.DueDate = strings.TrimSpace(parts[2])
	}
	return a, nil
}

func projectCreateCmd() *cobra.Command {
	var in engine.CreateProjectInput
	var checklists []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project and its remote tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, c := range checklists {
				a, err := parseAssignment(c)
				if err != nil {
					return err
				}
				in.Checklists = append(in.Checklists, a)
			}
			in.ActorID = actorID()
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.CreateProject(ctx, in)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Project %s (%s) created: %s\n", res.Project.Code, res.Project.ID, res.Project.Status)
				printInstances(res.Instances)
				printWarnings(res.Warnings)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "project name")
	cmd.Flags().StringVar(&in.Code, "code", "", "unique project code")
	cmd.Flags().StringVar(&in.DecisionJSON, "decision", "", "decision record as JSON")
	cmd.Flags().StringVar(&in.ExternalProjectID, "external-project-id", "", "remote container id")
	cmd.Flags().StringArrayVar(&checklists, "checklist", nil, "template[:executor[:YYYY-MM-DD]] (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id-or-code>",
		Short: "Show a project with checklists, sync state and gates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				ov, err := svc.Engine.ProjectOverview(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(ov)
				}
				fmt.Printf("Project: %s %s (%s)\n", ov.Project.Code, ov.Project.Name, ov.Project.Status)
				printInstances(ov.Instances)
				printGates(ov.Gates)
				return nil
			})
		},
	}
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Code", "Name", "Status", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Code, p.Name, p.Status, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "delete <id-or-code>",
		Short: "Delete a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := svc.Engine.DeleteProject(ctx, p.ID, remote, actorID())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Project %s deleted (remote tasks deleted: %d, failed: %d)\n", p.Code, res.RemoteDeleted, res.RemoteFailed)
				printWarnings(res.Warnings)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also delete the remote tasks")
	return cmd
}

func checklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checklist", Short: "Manage project checklists"}

	var a engine.ChecklistAssignment
	add := &cobra.Command{
		Use:   "add <project>",
		Short: "Assign one more checklist to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := svc.Engine.AddChecklist(ctx, p.ID, a, actorID())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				printInstances([]domain.ChecklistInstance{res.Instance})
				fmt.Printf("Project status: %s\n", res.Gates.NewStatus)
				printWarnings(res.Warnings)
				return nil
			})
		},
	}
	add.Flags().StringVar(&a.TemplateID, "template", "", "template id")
	add.Flags().StringVar(&a.ExecutorID, "executor", "", "executor user id")
	add.Flags().StringVar(&a.OwnerID, "owner", "", "owner user id")
	add.Flags().StringVar(&a.DueDate, "due", "", "due date YYYY-MM-DD")
	_ = add.MarkFlagRequired("template")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <instance-id> <pending|in_progress|completed|skipped>",
		Short: "Set a checklist status and re-evaluate gates",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.SetChecklistStatus(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Checklist %s: %s -> %s\n", res.Instance.ID, res.PreviousStatus, res.Instance.Status)
				if res.Gates.Changed {
					fmt.Printf("Project status: %s -> %s\n", res.Gates.PreviousStatus, res.Gates.NewStatus)
				}
				printWarnings(res.Warnings)
				return nil
			})
		},
	})
	return cmd
}

func gatesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gates", Short: "Inspect project gates"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <project>",
		Short: "Derive gate status without saving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				ev, err := svc.Engine.GateStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(ev)
				}
				printGates(ev)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "recalc <project>",
		Short: "Re-derive and store project status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				ev, err := svc.Engine.RecalculateGates(ctx, p.ID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(ev)
				}
				printGates(ev)
				return nil
			})
		},
	})
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Synchronise checklists with the remote tracker"}
	cmd.AddCommand(&cobra.Command{
		Use:   "run <project>",
		Short: "Create remote tasks for unsynced checklists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				tally, err := svc.Engine.SyncProject(ctx, p.ID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(tally)
				}
				printResults(tally.Results)
				fmt.Printf("created %d, failed %d, skipped %d\n", tally.Created, tally.Failed, tally.Skipped)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <project>",
		Short: "Recreate remote tasks of failed sync records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				tally, err := svc.Engine.RetrySync(ctx, p.ID)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(tally)
				}
				printResults(tally.Results)
				fmt.Printf("succeeded %d, failed %d, skipped %d\n", tally.Succeeded, tally.Failed, tally.Skipped)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "task <remote-task-id>",
		Short: "Pull one remote task's completion state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.Engine.SyncTask(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				fmt.Printf("Checklist %s: %s -> %s (changed: %v)\n", res.Instance.ID, res.PreviousStatus, res.Instance.Status, res.Changed)
				fmt.Printf("Project status: %s\n", res.Gates.NewStatus)
				return nil
			})
		},
	})
	return cmd
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "webhook", Short: "Inspect webhook processing"}
	var resourceID string
	var limit int
	audit := &cobra.Command{
		Use:   "audit",
		Short: "List processed webhook events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Engine.Repo.ListAudit(ctx, resourceID, limit)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Event", "Type", "Resource", "Status", "Error", "Received"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.EventID, a.EventType, a.ResourceID, a.Status, a.Error, a.ReceivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	audit.Flags().StringVar(&resourceID, "resource", "", "remote task id filter")
	audit.Flags().IntVar(&limit, "limit", 50, "number of entries")
	cmd.AddCommand(audit)
	return cmd
}

func integrationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "integration", Short: "Remote task tracker integration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check remote task API credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				me, err := svc.Engine.Ping(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(me)
				}
				fmt.Printf("Connected as %s (%s)\n", me.Name, me.ID)
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail <project>",
		Short: "Tail a project's events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				p, err := svc.Engine.ResolveProject(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := svc.Engine.ProjectEvents(ctx, p.ID, n)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.AddCommand(tail)
	return cmd
}

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Seal credentials for launchline.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Generate a secret_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return err
			}
			fmt.Println(base64.StdEncoding.EncodeToString(key))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Seal a value with secret_key (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			plain := ""
			if len(args) == 1 {
				plain = args[0]
			} else {
				scanner := bufio.NewScanner(os.Stdin)
				if scanner.Scan() {
					plain = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			if strings.TrimSpace(plain) == "" {
				return fmt.Errorf("nothing to encrypt")
			}
			sealed, err := cfg.Seal(plain)
			if err != nil {
				return err
			}
			fmt.Println(string(sealed))
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret, err := cfg.Reveal(cfg.Server.JWTSecret)
			if err != nil {
				return err
			}
			token, err := server.SignToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id recorded on events")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printInstances(items []domain.ChecklistInstance) {
	tw := newTable(table.Row{"ID", "Template", "Status", "Executor", "Due", "Remote Task"})
	for _, ci := range items {
		tw.AppendRow(table.Row{ci.ID, ci.TemplateID, ci.Status, deref(ci.ExecutorID), deref(ci.DueDate), deref(ci.ExternalTaskID)})
	}
	tw.Render()
}

func printGates(ev gates.Evaluation) {
	tw := newTable(table.Row{"Gate", "Template", "Assigned", "Required", "Completed", "Passed"})
	for _, g := range ev.Gates {
		if len(g.Requirements) == 0 {
			tw.AppendRow(table.Row{g.Name, "", "", "", "", g.Passed})
		}
		for _, r := range g.Requirements {
			tw.AppendRow(table.Row{g.Name, r.TemplateID, r.Assigned, r.Required, r.Completed, g.Passed})
		}
		tw.AppendSeparator()
	}
	tw.AppendFooter(table.Row{"status", ev.NewStatus})
	tw.Render()
}

func printResults(results []tasksync.Result) {
	tw := newTable(table.Row{"Checklist", "Remote Task", "Status", "Skipped", "Error"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.InstanceID, r.RemoteTaskID, r.Status, r.Skipped, r.Error})
	}
	tw.Render()
}
