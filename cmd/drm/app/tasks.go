// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/darkroomlabs/darkroom/pkg/store"
)

func newTasksCommand() *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and administer the task queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  tasksListCmdFunc,
	}
	listCmd.Flags().String("state", "", "Filter by state (pending|running|done|dead|cancelled)")
	listCmd.Flags().String("type", "", "Filter by task type")

	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Return a dead task to the queue",
		RunE:  tasksRequeueCmdFunc,
	}
	requeueCmd.Flags().String("id", "", "Task id")
	_ = requeueCmd.MarkFlagRequired("id")

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending or running task",
		RunE:  tasksCancelCmdFunc,
	}
	cancelCmd.Flags().String("id", "", "Task id")
	_ = cancelCmd.MarkFlagRequired("id")

	tasksCmd.AddCommand(listCmd, requeueCmd, cancelCmd)
	return tasksCmd
}

func tasksListCmdFunc(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd.Context(), configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	state, _ := cmd.Flags().GetString("state")
	taskType, _ := cmd.Flags().GetString("type")
	tasks, total, err := app.Store.ListTasks(cmd.Context(), store.TaskFilter{
		State:    store.TaskState(state),
		Type:     taskType,
		PageSize: 100,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATE\tRETRIES\tPROGRESS\tLAST ERROR")
	for _, t := range tasks {
		progress := ""
		if t.ProgressTotal > 0 {
			progress = fmt.Sprintf("%d/%d", t.ProgressCurrent, t.ProgressTotal)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Type, t.State, t.RetryCount, t.MaxRetries, progress, t.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d tasks\n", len(tasks), total)
	return nil
}

func tasksRequeueCmdFunc(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd.Context(), configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	id, _ := cmd.Flags().GetString("id")
	task, err := app.Store.RequeueTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("task %s requeued (%s)\n", task.ID, task.Type)
	return nil
}

func tasksCancelCmdFunc(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cmd.Context(), configFlag(cmd))
	if err != nil {
		return err
	}
	defer app.Close()

	id, _ := cmd.Flags().GetString("id")
	task, err := app.Store.CancelTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Printf("task %s is now %s\n", task.ID, task.State)
	return nil
}
