package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dueline/internal/app"
	"dueline/internal/config"
	"dueline/internal/db"
	"dueline/internal/domain"
	"dueline/internal/engine"
	"dueline/internal/repo"
)

var settings *config.Settings

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dueline CLI",
	Long: `Dueline tracks work items against their due dates and escalates them when they slip.
- Work items: tasks, incidents and obligations, each with a severity, an owner and a due date.
- Lifecycle: new -> assigned -> in_progress -> pending_approval -> closed; rejected is reachable from assigned, in_progress and pending_approval.
- SLA clock: on_track, at_risk (inside the policy window), breached (past due) or exempt (covered by an approved exception).
- Escalation: at_risk or breached items climb one level at a time along the policy's escalation chain.
- Exceptions: time-boxed waivers that suspend the SLA clock once approved.
- Audit: every change is recorded in an append-only trail; view it with 'dl item audit'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := config.ReadFile(viper.GetViper(), workspace); err != nil {
			return err
		}
		s, err := config.LoadSettings(viper.GetViper())
		if err != nil {
			return err
		}
		settings = s
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
	config.SetDefaults(viper.GetViper())
	config.BindEnv(viper.GetViper())
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor identifier recorded in the audit trail")
	rootCmd.PersistentFlags().String("policy-file", "", "policy file (default <workspace>/policies.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("policy_file", rootCmd.PersistentFlags().Lookup("policy-file"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(exceptionCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemTransitionCmd())
	item.AddCommand(itemReassignCmd())
	item.AddCommand(itemStatusCmd())
	item.AddCommand(itemEscalateCmd())
	item.AddCommand(itemAuditCmd())
	item.AddCommand(itemReplayCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var kind, severity, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			dueAt, err := parseWhen(due, time.Now())
			if err != nil {
				return fmt.Errorf("--due: %w", err)
			}
			opts.Kind = domain.Kind(kind)
			opts.Severity = domain.Severity(severity)
			opts.DueAt = dueAt
			opts.Actor = viper.GetString("actor")
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "item id (default: generated)")
	cmd.Flags().StringVar(&kind, "kind", "", "task, incident or obligation")
	cmd.Flags().StringVar(&severity, "severity", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339, or +duration from now)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner (default: first tier of the escalation chain)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("severity")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func itemListCmd() *cobra.Command {
	var status, kind, severity string
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items by due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			f.Kind = domain.Kind(kind)
			f.Severity = domain.Severity(severity)
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Severity", "Status", "SLA", "Level", "Owner", "Due"})
				for _, it := range items {
					sla := ""
					if ev, err := a.Engine.Evaluate(ctx, it.ID, now); err == nil {
						sla = ev.Status.Label()
					}
					tw.AppendRow(table.Row{it.ID, it.Kind, it.Severity.Label(), it.Status.Label(), sla, it.EscalationLevel, it.Owner, it.DueAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "lifecycle status filter")
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&severity, "severity", "", "severity filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only non-terminal items")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemTransitionCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Move a work item to another lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				v, err := resolveVersion(ctx, a.Engine, args[0], version)
				if err != nil {
					return err
				}
				it, err := a.Engine.Transition(ctx, args[0], v, domain.Status(args[1]), viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (default: current)")
	return cmd
}

func itemReassignCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "reassign <id> <owner>",
		Short: "Change the owner of a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				v, err := resolveVersion(ctx, a.Engine, args[0], version)
				if err != nil {
					return err
				}
				it, err := a.Engine.Reassign(ctx, args[0], v, args[1], viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (default: current)")
	return cmd
}

func itemStatusCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Evaluate lifecycle and SLA status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseOptionalWhen(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			return withApp(cmd.Context(), app.Options{Dispatch: settings.Escalation.OnRead}, func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.GetStatus(ctx, args[0], when)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Item", view.WorkItemID},
					{"Lifecycle", view.LifecycleStatus.Label()},
					{"SLA", view.SLAStatus.Label()},
					{"Level", view.EscalationLevel},
					{"Owner", view.Owner},
					{"Due", view.DueAt.Format(time.RFC3339)},
					{"Remaining", (time.Duration(view.RemainingSeconds) * time.Second).String()},
					{"Version", view.Version},
					{"Evaluated at", view.EvaluatedAt.Format(time.RFC3339)},
				})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation instant (RFC 3339 or +/-duration; default now)")
	return cmd
}

func itemEscalateCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "escalate <id>",
		Short: "Run one escalation step for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseOptionalWhen(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			return withApp(cmd.Context(), app.Options{Dispatch: true}, func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.Escalate(ctx, args[0], when)
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation instant (RFC 3339 or +/-duration; default now)")
	return cmd
}

func itemAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show the audit trail in append order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				seq, err := a.Engine.AuditTrail(ctx, args[0])
				if err != nil {
					return err
				}
				var entries []domain.AuditEntry
				for e, err := range seq {
					if err != nil {
						return err
					}
					entries = append(entries, e)
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "At", "Actor", "Action", "From", "To", "Detail"})
				for _, e := range entries {
					detail, _ := json.Marshal(e.Detail)
					tw.AppendRow(table.Row{e.Seq, e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, e.FromState, e.ToState, string(detail)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Rebuild a work item from its audit trail and compare with the stored row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				stored, err := a.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				replayed, err := a.Engine.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				diffs := diffItems(stored, replayed)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"item": replayed, "differences": diffs})
				}
				if len(diffs) == 0 {
					fmt.Printf("%s: audit trail reproduces stored state (version %d)\n", stored.ID, stored.Version)
					return nil
				}
				for _, d := range diffs {
					fmt.Println(d)
				}
				return fmt.Errorf("%s: %d field(s) differ from the audit trail", stored.ID, len(diffs))
			})
		},
	}
}

func exceptionCmd() *cobra.Command {
	exc := &cobra.Command{Use: "exception", Short: "Manage SLA exceptions"}
	exc.AddCommand(exceptionRequestCmd())
	exc.AddCommand(exceptionDecideCmd())
	exc.AddCommand(exceptionListCmd())
	return exc
}

func exceptionRequestCmd() *cobra.Command {
	var req engine.ExceptionRequest
	var from, to, extend string
	cmd := &cobra.Command{
		Use:   "request <item-id>",
		Short: "Request a time-boxed SLA exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			var err error
			if req.ValidFrom, err = parseWhen(from, now); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if req.ValidTo, err = parseWhen(to, now); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			if extend != "" {
				t, err := parseWhen(extend, now)
				if err != nil {
					return fmt.Errorf("--extend-due-to: %w", err)
				}
				req.ExtendDueTo = &t
			}
			req.WorkItemID = args[0]
			req.Actor = viper.GetString("actor")
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				exc, err := a.Engine.RequestException(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(exc)
			})
		},
	}
	cmd.Flags().StringVar(&req.Reason, "reason", "", "reason")
	cmd.Flags().StringVar(&req.Justification, "justification", "", "justification")
	cmd.Flags().StringVar(&from, "from", "+0s", "window start (RFC 3339 or +/-duration)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC 3339 or +/-duration)")
	cmd.Flags().StringVar(&extend, "extend-due-to", "", "new due date applied on approval")
	_ = cmd.MarkFlagRequired("reason")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func exceptionDecideCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "decide <exception-id>",
		Short: "Approve or reject a pending exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				exc, err := a.Engine.DecideException(ctx, args[0], approve, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSON(exc)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the exception")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the exception")
	return cmd
}

func exceptionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <item-id>",
		Short: "List exceptions for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), app.Options{}, func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListExceptions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "From", "To", "Requested by", "Decided by", "Reason"})
				for _, x := range list {
					decided := ""
					if x.DecidedBy != nil {
						decided = *x.DecidedBy
					}
					tw.AppendRow(table.Row{x.ID, x.Status, x.ValidFrom.Format(time.RFC3339), x.ValidTo.Format(time.RFC3339), x.RequestedBy, decided, x.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation pass over every open work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseOptionalWhen(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			return withApp(cmd.Context(), app.Options{Dispatch: true}, func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.Sweep(ctx, when)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("visited %d, escalated %d, repeats %d, cooldowns %d, conflicts %d, failed %d\n",
					sum.Visited, sum.Escalated, sum.Repeats, sum.Cooldowns, sum.Conflicts, sum.Failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluation instant (RFC 3339 or +/-duration; default now)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, opts app.Options, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, settings, opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func resolveVersion(ctx context.Context, e engine.Engine, id string, version int64) (int64, error) {
	if version > 0 {
		return version, nil
	}
	it, err := e.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return it.Version, nil
}

// parseWhen accepts an RFC 3339 timestamp or a signed duration relative to now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseOptionalWhen(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return parseWhen(s, time.Now())
}

func diffItems(a, b domain.WorkItem) []string {
	var out []string
	add := func(field string, x, y any) {
		out = append(out, fmt.Sprintf("%s: stored=%v replayed=%v", field, x, y))
	}
	if a.Status != b.Status {
		add("status", a.Status, b.Status)
	}
	if a.Owner != b.Owner {
		add("owner", a.Owner, b.Owner)
	}
	if !a.DueAt.Equal(b.DueAt) {
		add("due_at", a.DueAt, b.DueAt)
	}
	if a.EscalationLevel != b.EscalationLevel {
		add("escalation_level", a.EscalationLevel, b.EscalationLevel)
	}
	if a.Version != b.Version {
		add("version", a.Version, b.Version)
	}
	if stringPtr(a.ExceptionID) != stringPtr(b.ExceptionID) {
		add("exception_id", stringPtr(a.ExceptionID), stringPtr(b.ExceptionID))
	}
	return out
}

func stringPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func printItem(it domain.WorkItem) error {
	if viper.GetBool("json") {
		return printJSON(it)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", it.ID},
		{"Kind", it.Kind},
		{"Title", it.Title},
		{"Severity", it.Severity.Label()},
		{"Status", it.Status.Label()},
		{"Owner", it.Owner},
		{"Due", it.DueAt.Format(time.RFC3339)},
		{"Level", it.EscalationLevel},
		{"Exception", stringPtr(it.ExceptionID)},
		{"Version", it.Version},
	})
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
