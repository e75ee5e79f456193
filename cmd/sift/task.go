package main

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cuemby/sift/internal/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and manage the task queue",
}

var taskGetCmd = &cobra.Command{
	Use:   "get UID",
	Short: "Print a task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid task uid %q: %w", args[0], err)
		}

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.tasks.Get(uint32(uid))
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("task %d not found", uid)
		}
		out, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status/kind/index",
	RunE: func(cmd *cobra.Command, args []string) error {
		indexUID, _ := cmd.Flags().GetString("index")
		statusFlags, _ := cmd.Flags().GetStringSlice("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := tasks.Query{Limit: limit}
		if indexUID != "" {
			q.IndexUIDs = []string{indexUID}
		}
		for _, s := range statusFlags {
			status, err := parseStatus(s)
			if err != nil {
				return err
			}
			q.Statuses = append(q.Statuses, status)
		}

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		list, err := e.tasks.List(q)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No tasks found")
			return nil
		}
		fmt.Printf("%-8s %-28s %-12s %-20s\n", "UID", "KIND", "STATUS", "INDEX")
		for _, t := range list {
			indexUID := ""
			if t.IndexUID != nil {
				indexUID = *t.IndexUID
			}
			fmt.Printf("%-8d %-28s %-12s %-20s\n", t.UID, t.Kind, t.Status, indexUID)
		}
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel UID...",
	Short: "Enqueue a taskCancellation task targeting the given task uids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uids, err := parseUIDs(args)
		if err != nil {
			return err
		}

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.tasks.Register(tasks.KindTaskCancellation, tasks.TaskCancellationDetails{Query: tasks.Query{UIDs: uids}}, nil, nil, false)
		if err != nil {
			return fmt.Errorf("enqueuing task cancellation: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete UID...",
	Short: "Enqueue a taskDeletion task targeting the given task uids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uids, err := parseUIDs(args)
		if err != nil {
			return err
		}

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.tasks.Register(tasks.KindTaskDeletion, tasks.TaskDeletionDetails{Query: tasks.Query{UIDs: uids}}, nil, nil, false)
		if err != nil {
			return fmt.Errorf("enqueuing task deletion: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

func parseUIDs(args []string) ([]uint32, error) {
	uids := make([]uint32, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid task uid %q: %w", a, err)
		}
		uids = append(uids, uint32(n))
	}
	return uids, nil
}

func parseStatus(s string) (tasks.Status, error) {
	switch s {
	case "enqueued":
		return tasks.StatusEnqueued, nil
	case "processing":
		return tasks.StatusProcessing, nil
	case "succeeded":
		return tasks.StatusSucceeded, nil
	case "failed":
		return tasks.StatusFailed, nil
	case "canceled":
		return tasks.StatusCanceled, nil
	default:
		return 0, fmt.Errorf("unknown status %q", s)
	}
}

func init() {
	taskListCmd.Flags().String("index", "", "Restrict to one index uid")
	taskListCmd.Flags().StringSlice("status", nil, "Restrict to one or more statuses")
	taskListCmd.Flags().Int("limit", 20, "Maximum tasks to list")

	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskDeleteCmd)
}
