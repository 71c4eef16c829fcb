package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/opwarden/internal/api"
	"github.com/ppiankov/opwarden/internal/taskspec"
)

var (
	taskAllow      []string
	taskForbid     []string
	taskSources    []string
	taskMaxActions int
	taskMinutes    int
	taskSelfModify bool
	taskActivate   bool
	taskReason     string
	taskSubject    string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	for _, action := range []string{"activate", "complete", "cancel"} {
		taskCmd.AddCommand(taskActionCmd(action))
	}

	f := taskCreateCmd.Flags()
	f.StringSliceVar(&taskAllow, "allow", nil, "Operations the task may perform (category:action, category:*)")
	f.StringSliceVar(&taskForbid, "forbid", nil, "Operations the task must never perform")
	f.StringSliceVar(&taskSources, "sources", nil, "Request sources the task accepts")
	f.IntVar(&taskMaxActions, "max-actions", 0, "Action budget (0 = unlimited)")
	f.IntVar(&taskMinutes, "minutes", 0, "Time limit once activated (0 = none)")
	f.BoolVar(&taskSelfModify, "self-modify", false, "Allow the agent to modify its own configuration")
	f.BoolVar(&taskActivate, "activate", false, "Activate immediately")
	taskListCmd.Flags().StringVar(&taskSubject, "subject", "", "Only this subject's tasks")
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task specs that bound what an agent may do",
	Long:  "A task spec lists allowed and forbidden operations, an action budget and a\ntime limit. Operations tagged with the task id are checked against it.",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <subject> <title>",
	Short: "Draft a task spec",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskCreate,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task specs",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

func taskActionCmd(action string) *cobra.Command {
	c := &cobra.Command{
		Use:   action + " <id>",
		Short: fmt.Sprintf("Move a task spec to %s", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sp taskspec.Spec
			if err := run(cmd, "TaskAction", api.TaskActionRequest{ID: args[0], Action: action, Reason: taskReason}, &sp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", sp.ID, sp.Status)
			return nil
		},
	}
	if action == "cancel" {
		c.Flags().StringVar(&taskReason, "reason", "", "Why the task is cancelled")
	}
	return c
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	var sp taskspec.Spec
	err := run(cmd, "CreateTask", api.CreateTaskRequest{
		SubjectID: args[0],
		Title:     args[1],
		Constraints: taskspec.Constraints{
			AllowedOperations:   taskAllow,
			ForbiddenOperations: taskForbid,
			AllowedSources:      taskSources,
			MaxActions:          taskMaxActions,
			CanSelfModify:       taskSelfModify,
		},
		MaxDurationMinutes: taskMinutes,
		Activate:           taskActivate,
	}, &sp)
	if err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, sp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %s created (%s)\n", sp.ID, sp.Status)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var list api.TaskList
	if err := run(cmd, "ListTasks", api.ListTasksRequest{SubjectID: taskSubject}, &list); err != nil {
		return err
	}
	if rootJSON {
		return printJSON(cmd, list)
	}
	if len(list.Tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUBJECT\tSTATUS\tACTIONS\tEXPIRES\tTITLE")
	for _, sp := range list.Tasks {
		actions := fmt.Sprintf("%d", sp.ActionCount)
		if sp.Constraints.MaxActions > 0 {
			actions = fmt.Sprintf("%d/%d", sp.ActionCount, sp.Constraints.MaxActions)
		}
		exp := "-"
		if sp.TimeLimit.ExpiresAt != nil {
			exp = sp.TimeLimit.ExpiresAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", sp.ID, sp.SubjectID, sp.Status, actions, exp, sp.Title)
	}
	return tw.Flush()
}
