package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/internal/client"
)

func newTaskCmd(baseURL, credential *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "submit and manage tasks against a running taskforge daemon",
	}
	cmd.AddCommand(
		newTaskCreateCmd(baseURL, credential),
		newTaskListCmd(baseURL, credential),
		newTaskGetCmd(baseURL, credential),
		newTaskCancelCmd(baseURL, credential),
		newTaskRetryCmd(baseURL, credential),
		newTaskApprovePlanCmd(baseURL, credential),
		newTaskDeleteCmd(baseURL, credential),
	)
	return cmd
}

func newClient(baseURL, credential *string) *client.Client {
	return client.NewClient(client.WithBaseURL(*baseURL), client.WithCredential(*credential))
}

func printTask(task any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(task)
}

func newTaskCreateCmd(baseURL, credential *string) *cobra.Command {
	var title, prompt, mode, priority, repoPath string
	var dependsOn []int64
	var tags []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "submit a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := newClient(baseURL, credential).CreateTask(cmd.Context(), client.CreateTaskRequest{
				Title:     title,
				Prompt:    prompt,
				Mode:      mode,
				Priority:  priority,
				DependsOn: dependsOn,
				RepoPath:  repoPath,
				Tags:      tags,
			})
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "task prompt (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "EXECUTE or PLAN")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH, or URGENT")
	cmd.Flags().StringVar(&repoPath, "repo-path", "", "override base repository for this task")
	cmd.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "task ids this task depends on")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach to this task")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func newTaskListCmd(baseURL, credential *string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list tasks, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := newClient(baseURL, credential).ListTasks(cmd.Context(), strings.ToUpper(status))
			if err != nil {
				return err
			}
			return printTask(tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, IN_PROGRESS, REVIEW, COMPLETED, FAILED, CANCELLED)")
	return cmd
}

func newTaskGetCmd(baseURL, credential *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "show a single task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := newClient(baseURL, credential).GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

func newTaskCancelCmd(baseURL, credential *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "cancel a pending or in-progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := newClient(baseURL, credential).CancelTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

func newTaskRetryCmd(baseURL, credential *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "move a failed task back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := newClient(baseURL, credential).RetryTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

func newTaskApprovePlanCmd(baseURL, credential *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approve-plan <id>",
		Short: "approve a reviewed plan and move the task back to pending in EXECUTE mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			task, err := newClient(baseURL, credential).ApprovePlan(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printTask(task)
		},
	}
}

func newTaskDeleteCmd(baseURL, credential *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "delete a task and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			if err := newClient(baseURL, credential).DeleteTask(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("task %d deleted\n", id)
			return nil
		},
	}
}

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}
