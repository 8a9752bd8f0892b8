package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"osspipe/internal/task"
	"osspipe/internal/transfer"

	"github.com/spf13/cobra"
)

var definitionFile string

var createCmd = &cobra.Command{
	Use:   "create -f definition.yaml",
	Short: "Create a task from a definition file",
	Args:  cobra.NoArgs,
	RunE: withRuntime(func(ctx context.Context, r *runtime, _ []string) error {
		def, err := readDefinition(r.cfg, definitionFile)
		if err != nil {
			return err
		}
		id, err := r.manager.Create(ctx, def)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}),
}

var updateCmd = &cobra.Command{
	Use:   "update <task-id> -f definition.yaml",
	Short: "Replace the definition of a stopped task",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		def, err := readDefinition(r.cfg, definitionFile)
		if err != nil {
			return err
		}
		return r.manager.Update(ctx, args[0], def)
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task with its last status",
	Args:  cobra.NoArgs,
	RunE: withRuntime(func(ctx context.Context, r *runtime, _ []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tKIND\tNAME\tSTATUS")

		err := r.manager.List(ctx, func(id string, def task.Definition) error {
			status := "never started"
			if view, err := r.manager.QueryStatus(ctx, id); err == nil && view.Status != nil {
				status = view.Status.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, def.Kind, def.Name, status)
			return nil
		})
		if err != nil {
			return err
		}
		return w.Flush()
	}),
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print a task definition",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		def, err := r.manager.Show(ctx, args[0])
		if err != nil {
			return err
		}
		return printYAML(os.Stdout, def.Redacted())
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Print the status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		view, err := r.manager.QueryStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printYAML(os.Stdout, view)
	}),
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <task-id>",
	Short: "Print the last checkpoint of a task",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		cp, err := r.manager.Checkpoint(ctx, args[0])
		if err != nil {
			return err
		}
		return printYAML(os.Stdout, cp)
	}),
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <task-id>",
	Short: "Print the size distribution of a task's source objects",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		counts, err := r.manager.Analyze(ctx, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIZE\tOBJECTS")
		for _, bucket := range transfer.SizeBuckets {
			fmt.Fprintf(w, "%s\t%d\n", bucket, counts[bucket])
		}
		return w.Flush()
	}),
}

var removeCmd = &cobra.Command{
	Use:   "remove <task-id>...",
	Short: "Delete tasks with their checkpoints and metadata",
	Args:  cobra.MinimumNArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		return r.manager.Remove(ctx, args...)
	}),
}

var startCmd = &cobra.Command{
	Use:   "start <task-id>...",
	Short: "Run tasks in the foreground until they stop",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withRuntime(runForeground),
}

var stopCmd = &cobra.Command{
	Use:   "stop <task-id>...",
	Short: "Ask the running engine to stop tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: withRuntime(func(ctx context.Context, r *runtime, args []string) error {
		var errs []error
		for _, id := range args {
			if err := r.manager.RequestStop(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop %s: %w", id, err))
			}
		}
		return errors.Join(errs...)
	}),
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark tasks left running by a dead process as stopped",
	Args:  cobra.NoArgs,
	RunE: withRuntime(func(ctx context.Context, r *runtime, _ []string) error {
		n, err := r.manager.Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d task(s) reconciled\n", n)
		return nil
	}),
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, updateCmd} {
		cmd.Flags().StringVarP(&definitionFile, "file", "f", "", "Task definition file (YAML)")
		cmd.MarkFlagRequired("file")
	}
}
