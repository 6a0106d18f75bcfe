package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/resumechat/internal/scheduler"
	"github.com/user/resumechat/internal/state"
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobAddCmd, jobListCmd, jobRemoveCmd, jobEnableCmd, jobDisableCmd)

	jobAddCmd.Flags().String("name", "", "job name (required)")
	jobAddCmd.Flags().String("kind", state.JobSend, "job kind: send or sync")
	jobAddCmd.Flags().String("schedule", "", "cron schedule expression (required)")
	jobAddCmd.Flags().String("conversation", "", "conversation id for send jobs")
	jobAddCmd.Flags().String("prompt", "", "message text for send jobs")
	jobAddCmd.Flags().Bool("agent", false, "send in agent mode")
	jobAddCmd.Flags().String("notify", "", "deliver the reply to this destination, e.g. file:/tmp/out.md or telegram:<chat id>")
	_ = jobAddCmd.MarkFlagRequired("name")
	_ = jobAddCmd.MarkFlagRequired("schedule")
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs run by serve",
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		schedule, _ := cmd.Flags().GetString("schedule")
		convID, _ := cmd.Flags().GetString("conversation")
		prompt, _ := cmd.Flags().GetString("prompt")
		agent, _ := cmd.Flags().GetBool("agent")
		notify, _ := cmd.Flags().GetString("notify")

		if err := scheduler.ValidSchedule(schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", schedule, err)
		}

		job := &state.Job{
			Name:           name,
			Kind:           kind,
			Schedule:       schedule,
			ConversationID: convID,
			Prompt:         prompt,
			UseAgent:       agent,
			Notify:         notify,
			Enabled:        true,
		}
		if err := jobStore(loadConfig()).Add(job); err != nil {
			return fmt.Errorf("add job: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Job %q added.\n", name)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := jobStore(loadConfig()).List()
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tSCHEDULE\tENABLED\tCONVERSATION\tNOTIFY")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
				j.Name,
				j.Kind,
				j.Schedule,
				j.Enabled,
				j.ConversationID,
				j.Notify,
			)
		}
		return w.Flush()
	},
}

var jobRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := jobStore(loadConfig()).Remove(args[0]); err != nil {
			return fmt.Errorf("remove job: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Job %q removed.\n", args[0])
		return nil
	},
}

var jobEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := jobStore(loadConfig()).SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable job: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Job %q enabled.\n", args[0])
		return nil
	},
}

var jobDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := jobStore(loadConfig()).SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable job: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Job %q disabled.\n", args[0])
		return nil
	},
}
