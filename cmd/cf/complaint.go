package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicflow/internal/app"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/sla"
	"civicflow/internal/repo"
)

func complaintCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "complaint",
		Short: "Register, inspect and move complaints",
	}
	c.AddCommand(complaintRegisterCmd())
	c.AddCommand(complaintListCmd())
	c.AddCommand(complaintShowCmd())
	c.AddCommand(complaintTransitionCmd())
	c.AddCommand(complaintHistoryCmd())
	c.AddCommand(complaintSLACmd())
	c.AddCommand(complaintVerifyCmd())
	return c
}

func complaintRegisterCmd() *cobra.Command {
	var in engine.RegisterInput
	var priority string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a complaint as the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				c, err := rt.Engine.RegisterComplaint(ctx, actor, in)
				if err != nil {
					return describe(err)
				}
				return printComplaint(rt.Engine, c)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "complaint id (generated when empty)")
	cmd.Flags().StringVar(&in.Type, "type", "", "complaint type, e.g. WATER_SUPPLY")
	cmd.Flags().StringVar(&in.Title, "title", "", "short title")
	cmd.Flags().StringVar(&in.Description, "description", "", "details")
	cmd.Flags().StringVar(&priority, "priority", "MEDIUM", "LOW, MEDIUM, HIGH or CRITICAL")
	cmd.Flags().StringVar(&in.WardID, "ward-id", "", "ward (defaults to the actor's ward)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func complaintListCmd() *cobra.Command {
	var f repo.ComplaintFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List complaints visible to the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = strings.ToUpper(f.Status)
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				items, err := rt.Engine.ListVisible(ctx, actor, f)
				if err != nil {
					return describe(err)
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "Priority", "Status", "Ward", "Assignee", "Deadline", "SLA"})
				for _, c := range items {
					assignee := ""
					if c.AssignedToID != nil {
						assignee = *c.AssignedToID
					}
					st := rt.Engine.Standing(c)
					tw.AppendRow(table.Row{c.ID, c.Type, c.Priority, c.Status, c.WardID, assignee,
						c.Deadline.Format(time.RFC3339), st.SLAStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.WardID, "ward-id", "", "ward filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssignedToID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.SubmittedByID, "submitter-id", "", "submitter filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func complaintShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one complaint with its SLA standing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				c, err := rt.Engine.Get(ctx, actor, args[0])
				if err != nil {
					return describe(err)
				}
				if err := printComplaint(rt.Engine, c); err != nil {
					return err
				}
				if !viper.GetBool("json") {
					next := engine.AllowedTransitions(actor, c.ViewContext())
					fmt.Printf("you can move it to: %s\n", joinStatuses(next))
				}
				return nil
			})
		},
	}
}

func complaintTransitionCmd() *cobra.Command {
	var to, comment, assignee string
	var retry int
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Change a complaint's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.TransitionRequest{
				ToStatus:   domain.Status(strings.ToUpper(to)),
				Comment:    comment,
				AssigneeID: assignee,
			}
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				var (
					res engine.TransitionResult
					err error
				)
				if retry > 0 {
					res, err = rt.Engine.TransitionWithRetry(ctx, actor, args[0], req, retry+1)
				} else {
					res, err = rt.Engine.TransitionByID(ctx, actor, args[0], req)
				}
				if err != nil {
					return describe(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				from := "-"
				if res.Entry.FromStatus != nil {
					from = string(*res.Entry.FromStatus)
				}
				fmt.Printf("%s: %s -> %s (%s)\n", res.Complaint.ID, from, res.Entry.ToStatus, res.Standing.SLAStatus)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded in the status log")
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee when moving to ASSIGNED")
	cmd.Flags().IntVar(&retry, "retry", 0, "re-read and retry this many times on conflict")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func complaintHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				entries, err := rt.Engine.History(ctx, actor, args[0])
				if err != nil {
					return describe(err)
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"When", "Actor", "From", "To", "Comment"})
				for _, e := range entries {
					from := ""
					if e.FromStatus != nil {
						from = string(*e.FromStatus)
					}
					tw.AppendRow(table.Row{e.Timestamp.Format(time.RFC3339), e.ActorID, from, e.ToStatus, e.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func complaintSLACmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sla <id>",
		Short: "Show SLA standing now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				st, err := rt.Engine.StandingByID(ctx, actor, args[0])
				if err != nil {
					return describe(err)
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printStanding(st)
				return nil
			})
		},
	}
}

func complaintVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Replay the status log and compare it with the stored status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				err := rt.Engine.Verify(ctx, actor, args[0])
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": err == nil, "error": errString(describe(err))})
				}
				if err != nil {
					return describe(err)
				}
				fmt.Println("status log consistent")
				return nil
			})
		},
	}
}

func reportCmd() *cobra.Command {
	rep := &cobra.Command{Use: "report", Short: "Aggregate reports"}
	var ward string
	status := &cobra.Command{
		Use:   "status",
		Short: "Count complaints per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, rt *app.Runtime, actor domain.Actor) error {
				counts, err := rt.Engine.StatusSummary(ctx, actor, ward)
				if err != nil {
					return describe(err)
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Status", "Count"})
				total := 0
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, counts[s]})
					total += counts[s]
				}
				tw.AppendFooter(table.Row{"Total", total})
				tw.Render()
				return nil
			})
		},
	}
	status.Flags().StringVar(&ward, "ward-id", "", "ward to report on")
	rep.AddCommand(status)
	return rep
}

func printComplaint(e engine.Engine, c domain.Complaint) error {
	st := e.Standing(c)
	if viper.GetBool("json") {
		return printJSON(map[string]any{"complaint": c, "sla": st})
	}
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", c.ID},
		{"Type", c.Type},
		{"Title", c.Title},
		{"Priority", c.Priority},
		{"Status", c.Status},
		{"Ward", c.WardID},
		{"Submitted by", c.SubmittedByID},
	})
	if c.AssignedToID != nil {
		tw.AppendRow(table.Row{"Assigned to", *c.AssignedToID})
	}
	tw.AppendRow(table.Row{"Deadline", c.Deadline.Format(time.RFC3339)})
	tw.AppendRow(table.Row{"SLA", st.SLAStatus})
	tw.Render()
	return nil
}

func printStanding(st sla.Standing) {
	fmt.Printf("%s, %s: deadline %s, remaining %s of %s\n",
		st.Status, st.SLAStatus, st.Deadline.Format(time.RFC3339), st.Remaining.Round(time.Minute), st.Window)
}

func joinStatuses(in []domain.Status) string {
	if len(in) == 0 {
		return "(nothing)"
	}
	parts := make([]string, 0, len(in))
	for _, s := range in {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}
