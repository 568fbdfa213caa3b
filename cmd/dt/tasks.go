package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deptrack/internal/app"
	"deptrack/internal/domain"
	"deptrack/internal/engine"
	"deptrack/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				t, err := ac.Engine.CreateTask(ctx, opts, actor)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&opts.RequestingDepartmentID, "requesting-dept", "", "requesting department id")
	cmd.Flags().StringVar(&opts.ExecutingDepartmentID, "executing-dept", "", "executing department id")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "Low|Medium|High|Urgent")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "initial stage (Backlog|Todo|In Progress|Review)")
	cmd.Flags().IntVar(&opts.Progress, "progress", 0, "initial progress (0..100)")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Remark, "remark", "", "remark")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("requesting-dept")
	_ = cmd.MarkFlagRequired("executing-dept")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks visible to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				tasks, err := ac.Engine.ListTasks(ctx, f, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Progress", "Priority", "Assignee", "Due"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.KanbanStage, fmt.Sprintf("%d%%", t.Progress), t.Priority, deref(t.AssigneeID), deref(t.DueDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Stage, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				t, err := ac.Engine.GetTask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var (
		title, description, priority, assignee string
		due, remark, requesting, executing     string
		progress                               int
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.TaskPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("priority") {
				patch.Priority = &priority
			}
			if flags.Changed("assignee") {
				patch.AssigneeID = &assignee
			}
			if flags.Changed("due") {
				patch.DueDate = &due
			}
			if flags.Changed("remark") {
				patch.Remark = &remark
			}
			if flags.Changed("progress") {
				patch.Progress = &progress
			}
			if flags.Changed("requesting-dept") {
				patch.RequestingDepartmentID = &requesting
			}
			if flags.Changed("executing-dept") {
				patch.ExecutingDepartmentID = &executing
			}
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				t, err := ac.Engine.UpdateTask(ctx, args[0], patch, actor)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "Low|Medium|High|Urgent")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id (empty clears)")
	cmd.Flags().StringVar(&due, "due", "", "due date (empty clears)")
	cmd.Flags().StringVar(&remark, "remark", "", "remark")
	cmd.Flags().IntVar(&progress, "progress", 0, "progress (0..100)")
	cmd.Flags().StringVar(&requesting, "requesting-dept", "", "requesting department id")
	cmd.Flags().StringVar(&executing, "executing-dept", "", "executing department id")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <stage>",
		Short: "Move a task to another kanban stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				res, err := ac.Engine.MoveTaskStage(ctx, args[0], args[1], actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.From == res.To {
					fmt.Printf("Task %s already in %s\n", res.Task.ID, res.To)
					return nil
				}
				fmt.Printf("Task %s moved %s -> %s (status %s, progress %d%%)\n", res.Task.ID, res.From, res.To, res.Task.Status, res.Task.Progress)
				return nil
			})
		},
	}
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <task-id>",
		Short: "Approve a task in Review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				t, err := ac.Engine.ApproveTask(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Send a task in Review back to In Progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				t, err := ac.Engine.RejectTask(ctx, args[0], reason, actor)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, ac *app.Context, actor domain.User) error {
				if err := ac.Engine.DeleteTask(ctx, args[0], actor); err != nil {
					return err
				}
				fmt.Printf("Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", t.ID},
		{"Project", t.ProjectID},
		{"Title", t.Title},
		{"Stage", t.KanbanStage},
		{"Status", t.Status},
		{"Progress", fmt.Sprintf("%d%%", t.Progress)},
		{"Priority", t.Priority},
		{"Assignee", deref(t.AssigneeID)},
		{"Departments", t.RequestingDepartmentID + " -> " + t.ExecutingDepartmentID},
		{"Cross-department", t.CrossDepartment()},
		{"Due", deref(t.DueDate)},
		{"Started", deref(t.StartDate)},
		{"Completed", deref(t.CompletedDate)},
		{"Remark", t.Remark},
	})
	tw.Render()
	return nil
}
