package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/resumechat/internal/report"
)

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().String("format", report.FormatMarkdown, "output format: markdown, html or json")
	reportCmd.Flags().StringP("out", "o", "", "write the report to this file instead of stdout")
}

var reportCmd = &cobra.Command{
	Use:   "report <id>",
	Short: "Export the analysis report of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")

		ctx := cmd.Context()
		conv, err := resolve(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		if s.store.IsGeneratingReport(conv.ID) {
			return fmt.Errorf("the report for %s is still being generated", conv.ID)
		}

		body, meta, err := report.Export(ctx, s.reports, conv, format, time.Now())
		if errors.Is(err, report.ErrNoAnalysis) {
			return fmt.Errorf("conversation %s has no analysis yet", conv.ID)
		}
		if body == nil {
			return fmt.Errorf("export report: %w", err)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: report was not saved: %v\n", err)
		} else if meta != nil {
			fmt.Fprintf(os.Stderr, "Saved report %s\n", meta.ID)
		}
		return writeReport(out, body)
	},
}
