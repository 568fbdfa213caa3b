package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deptrack/internal/app"
	"deptrack/internal/domain"
	"deptrack/internal/engine"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAdjustCmd())
	prj.AddCommand(projectMemberCmd())
	prj.AddCommand(projectRecomputeCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				visible, err := ac.Engine.ListProjects(ctx, actor)
				if err != nil {
					return err
				}
				return printProjects(visible)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				p, err := ac.Engine.CreateProject(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.DepartmentID, "department", "", "owning department id")
	cmd.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "planning|active|on_hold|completed|cancelled")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "deadline (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.Members, "member", nil, "member user id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				p, err := ac.Engine.GetProject(ctx, args[0], actor)
				if err != nil {
					return err
				}
				counts, err := ac.Repo.CountTasksByStage(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "stages": counts})
				}
				if err := printProject(p); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Tasks"})
				for _, st := range domain.Stages() {
					tw.AppendRow(table.Row{st, counts[string(st)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectAdjustCmd() *cobra.Command {
	var adjustment int
	cmd := &cobra.Command{
		Use:   "adjust <project-id>",
		Short: "Set the manual progress adjustment (-10..10)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				p, err := ac.Engine.AdjustProject(ctx, args[0], adjustment, actor)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().IntVar(&adjustment, "by", 0, "adjustment in percentage points")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func projectMemberCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "member <project-id>",
		Short: "Add a member to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				p, err := ac.Engine.AddProjectMember(ctx, args[0], userID, actor)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "add", "", "user id to add")
	_ = cmd.MarkFlagRequired("add")
	return cmd
}

func projectRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <project-id>",
		Short: "Recompute project progress from its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				p, err := ac.Engine.RecomputeProgress(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printProject(p)
			})
		},
	}
}

func printProject(p domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", p.ID},
		{"Name", p.Name},
		{"Department", p.DepartmentID},
		{"Team", deref(p.TeamID)},
		{"Creator", p.CreatorID},
		{"Status", p.Status},
		{"Progress", fmt.Sprintf("%d%% (adjustment %+d)", p.Progress, p.ManualAdjustment)},
		{"Window", p.StartDate + " .. " + p.Deadline},
		{"Members", strings.Join(p.Members, ", ")},
		{"Tasks", len(p.TaskIDs)},
	})
	tw.Render()
	return nil
}

func printProjects(items []domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Department", "Status", "Progress", "Deadline"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Name, p.DepartmentID, p.Status, fmt.Sprintf("%d%%", p.Progress), p.Deadline})
	}
	tw.Render()
	return nil
}
