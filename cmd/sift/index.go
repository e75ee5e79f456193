package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/sift/internal/tasks"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create UID",
	Short: "Enqueue an indexCreation task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		primaryKey, _ := cmd.Flags().GetString("primary-key")

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		details := tasks.IndexCreationDetails{IndexUID: uid}
		if primaryKey != "" {
			details.PrimaryKey = &primaryKey
		}
		t, err := e.tasks.Register(tasks.KindIndexCreation, details, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing index creation: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var indexUpdateCmd = &cobra.Command{
	Use:   "update UID",
	Short: "Enqueue an indexUpdate task (primary key or rename)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]
		primaryKey, _ := cmd.Flags().GetString("primary-key")
		newUID, _ := cmd.Flags().GetString("new-uid")

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		details := tasks.IndexUpdateDetails{IndexUID: uid}
		if primaryKey != "" {
			details.PrimaryKey = &primaryKey
		}
		if newUID != "" {
			details.NewIndexUID = &newUID
		}
		t, err := e.tasks.Register(tasks.KindIndexUpdate, details, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing index update: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete UID",
	Short: "Enqueue an indexDeletion task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.tasks.Register(tasks.KindIndexDeletion, tasks.IndexDeletionDetails{IndexUID: uid}, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing index deletion: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var indexSwapCmd = &cobra.Command{
	Use:   "swap LHS RHS",
	Short: "Enqueue an indexSwap task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		details := tasks.IndexSwapDetails{Swaps: []tasks.IndexSwap{{LHS: args[0], RHS: args[1]}}}
		t, err := e.tasks.Register(tasks.KindIndexSwap, details, nil, nil, false)
		if err != nil {
			return fmt.Errorf("enqueuing index swap: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open index handles",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		uids := e.indexes.List()
		if len(uids) == 0 {
			fmt.Println("No indexes found")
			return nil
		}
		for _, uid := range uids {
			fmt.Println(uid)
		}
		return nil
	},
}

var indexCompactCmd = &cobra.Command{
	Use:   "compact UID",
	Short: "Enqueue an indexCompaction task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid := args[0]

		e, err := openEngine(cfg, false)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.tasks.Register(tasks.KindIndexCompaction, tasks.IndexCompactionDetails{IndexUID: uid}, nil, &uid, false)
		if err != nil {
			return fmt.Errorf("enqueuing index compaction: %w", err)
		}
		printEnqueued(t)
		return nil
	},
}

func init() {
	indexCreateCmd.Flags().String("primary-key", "", "Primary key attribute")
	indexUpdateCmd.Flags().String("primary-key", "", "New primary key attribute")
	indexUpdateCmd.Flags().String("new-uid", "", "Rename the index to this uid")

	indexCmd.AddCommand(indexCreateCmd)
	indexCmd.AddCommand(indexUpdateCmd)
	indexCmd.AddCommand(indexDeleteCmd)
	indexCmd.AddCommand(indexSwapCmd)
	indexCmd.AddCommand(indexListCmd)
	indexCmd.AddCommand(indexCompactCmd)
}

func printEnqueued(t *tasks.Task) {
	fmt.Printf("Task enqueued: uid=%d kind=%s status=%s\n", t.UID, t.Kind, t.Status)
}
