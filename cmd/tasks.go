package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
)

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect scheduled tasks",
	}
	cmd.AddCommand(tasksListCmd())
	cmd.AddCommand(tasksLogCmd())
	return cmd
}

func tasksListCmd() *cobra.Command {
	var folder string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.ListTasks()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFOLDER\tSTATUS\tSCHEDULE\tNEXT RUN\tPROMPT")
			for _, t := range tasks {
				if folder != "" && t.Folder != folder {
					continue
				}
				schedule := t.ScheduleKind + " " + t.ScheduleValue
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Folder, t.Status, schedule, t.NextRun, channels.Truncate(t.Prompt, 40))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "only show tasks for this folder")
	return cmd
}

func tasksLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <task-id>",
		Short: "Show a task's run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			logs, err := st.TaskRunLogs(args[0])
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN AT\tSTATUS\tDURATION\tDETAIL")
			for _, l := range logs {
				detail := channels.Truncate(l.Result, 60)
				if l.Status == "error" {
					detail = channels.Truncate(l.Error, 60)
				}
				fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", l.RunAt, l.Status, l.DurationMS, detail)
			}
			return w.Flush()
		},
	}
}
