package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/doctor"
)

var (
	doctorJSON     string
	doctorChannels []string
	doctorOffline  bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, vault, callers, policy)",
	Long:  "Verifies the data directory is writable, the vault opens with the configured key, the caller registry parses, and the cross-tenant policy compiles. With --channel, also probes stored upstream base URLs.",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorJSON, "format", "text", "output format (text, json)")
	doctorCmd.Flags().StringSliceVar(&doctorChannels, "channel", nil, "channel id(s) to probe upstream connectivity for")
	doctorCmd.Flags().BoolVar(&doctorOffline, "offline", false, "skip upstream connectivity checks")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	ctx, span := tracer.Start(ctx, "doctor")
	defer span.End()

	report := doctor.Run(ctx, doctor.Options{
		Channels:     doctorChannels,
		SkipUpstream: doctorOffline,
	})

	out := cmd.OutOrStdout()
	if doctorJSON == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, c := range report.Checks {
			mark := "✓"
			switch c.Status {
			case "warn":
				mark = "!"
			case "fail":
				mark = "✗"
			}
			fmt.Fprintf(out, "%s %s: %s\n", mark, c.Name, c.Message)
			if c.Fix != "" && c.Status != "pass" {
				fmt.Fprintf(out, "    fix: %s\n", c.Fix)
			}
		}
		fmt.Fprintf(out, "\n%d passed, %d warnings, %d failures\n",
			report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
	}

	if report.Status == "fail" {
		return fmt.Errorf("doctor found %d failing check(s)", report.Summary.Fail)
	}
	return nil
}
