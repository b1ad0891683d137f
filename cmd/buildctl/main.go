// Package main provides buildctl, a command line client for the buildboard API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/splax/buildboard/pkg/api/client"
	"github.com/splax/buildboard/pkg/config"
	"github.com/splax/buildboard/pkg/webhook"
)

const maxDeliveryAttempts = 3

var buildVersion = "dev"

var (
	cfg        config.ClientConfig
	apiURL     string
	writeKey   string
	reqTimeout time.Duration
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:           "buildctl",
	Short:         "buildctl talks to a buildboard API",
	Version:       buildVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `buildctl sends CI webhook deliveries to buildboard and reads back
build runs, metrics and alerts.

BUILDBOARD_URL, WRITE_KEY and BUILDBOARD_TIMEOUT provide defaults for the
matching flags.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadClientConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		if !cmd.Flags().Changed("url") {
			apiURL = cfg.APIURL
		}
		if !cmd.Flags().Changed("write-key") {
			writeKey = cfg.WriteKey
		}
		if !cmd.Flags().Changed("timeout") {
			reqTimeout = cfg.Timeout
		}
		return nil
	},
}

func newClient() (*apiclient.Client, error) {
	return apiclient.New(apiURL, apiclient.WithWriteKey(writeKey), apiclient.WithTimeout(reqTimeout))
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send synthetic build lifecycles",
	Long: `Generate queued, in_progress and terminal deliveries for a number of
runs and send them in order. With --dry-run the payloads are written to
stdout, one per line, so they can be fed to "buildctl replay" later.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, _ := cmd.Flags().GetInt("runs")
		repos, _ := cmd.Flags().GetStringSlice("repo")
		branches, _ := cmd.Flags().GetStringSlice("branch")
		failureRate, _ := cmd.Flags().GetFloat64("failure-rate")
		seed, _ := cmd.Flags().GetInt64("seed")
		provider, _ := cmd.Flags().GetString("provider")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if failureRate < 0 || failureRate > 1 {
			return errors.New("--failure-rate must be between 0 and 1")
		}
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		builds := webhook.Simulate(webhook.SimulateOptions{
			Runs:         runs,
			Repositories: repos,
			Branches:     branches,
			FailureRate:  failureRate,
			Seed:         seed,
		})

		payloads := make([][]byte, 0, len(builds))
		for _, b := range builds {
			raw, err := webhook.Encode(provider, b)
			if err != nil {
				return fmt.Errorf("encode run %s: %w", b.RunID, err)
			}
			payloads = append(payloads, raw)
		}
		if dryRun {
			out := cmd.OutOrStdout()
			for _, raw := range payloads {
				fmt.Fprintln(out, string(raw))
			}
			return nil
		}
		return deliver(cmd, provider, payloads)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [file...]",
	Short: "Deliver recorded webhook payloads",
	Long: `Read JSON payloads from the given files, or stdin when no file is
named, and deliver them in order. A file may hold one document or a stream
of documents.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		var payloads [][]byte
		if len(args) == 0 {
			read, err := readPayloads(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("stdin: %w", err)
			}
			payloads = read
		}
		for _, name := range args {
			f, err := os.Open(name)
			if err != nil {
				return err
			}
			read, err := readPayloads(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			payloads = append(payloads, read...)
		}
		if len(payloads) == 0 {
			return errors.New("no payloads to replay")
		}
		return deliver(cmd, provider, payloads)
	},
}

// readPayloads splits r into consecutive JSON documents.
func readPayloads(r io.Reader) ([][]byte, error) {
	dec := json.NewDecoder(r)
	var out [][]byte
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("document %d: %w", len(out)+1, err)
		}
		out = append(out, []byte(raw))
	}
}

func deliver(cmd *cobra.Command, provider string, payloads [][]byte) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counts := map[string]int{}
	out := cmd.OutOrStdout()
	for i, raw := range payloads {
		res, err := sendWithRetry(ctx, client, provider, raw)
		if err != nil {
			return fmt.Errorf("delivery %d: %w", i+1, err)
		}
		counts[res.Status]++
		switch {
		case res.Rejection != "":
			fmt.Fprintf(out, "%s\t%s\t%s\n", res.Run, res.Status, res.Rejection)
		case len(res.Warnings) > 0:
			fmt.Fprintf(out, "%s\t%s\t%s\n", res.Run, res.Status, strings.Join(res.Warnings, "; "))
		}
	}
	fmt.Fprintf(out, "delivered %d payloads:", len(payloads))
	for _, status := range []string{"accepted", "duplicate", "rejected", "ignored"} {
		if counts[status] > 0 {
			fmt.Fprintf(out, " %s=%d", status, counts[status])
		}
	}
	fmt.Fprintln(out)
	return nil
}

func sendWithRetry(ctx context.Context, client *apiclient.Client, provider string, raw []byte) (apiclient.WebhookResult, error) {
	var lastErr error
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		res, err := client.SendWebhook(ctx, provider, raw)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var apiErr apiclient.APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return apiclient.WebhookResult{}, err
		}
		select {
		case <-ctx.Done():
			return apiclient.WebhookResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return apiclient.WebhookResult{}, lastErr
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show aggregate build metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		branch, _ := cmd.Flags().GetString("branch")
		window, _ := cmd.Flags().GetString("window")
		breakdown, _ := cmd.Flags().GetBool("breakdown")

		client, err := newClient()
		if err != nil {
			return err
		}
		summary, err := client.Summary(cmd.Context(), apiclient.SummaryQuery{
			Repository: repo,
			Branch:     branch,
			Window:     window,
			Breakdown:  breakdown,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), summary)
		}

		out := cmd.OutOrStdout()
		scope := "all repositories"
		if summary.Repository != "" {
			scope = summary.Repository
			if summary.Branch != "" {
				scope += "@" + summary.Branch
			}
		}
		if summary.Window != "" {
			scope += " over " + summary.Window
		}
		fmt.Fprintf(out, "%s\n", scope)
		fmt.Fprintf(out, "  builds:       %d (%d queued, %d in progress)\n", summary.TotalBuilds, summary.QueuedCount, summary.InProgressCount)
		fmt.Fprintf(out, "  success rate: %.1f%%\n", summary.SuccessRate)
		fmt.Fprintf(out, "  failed:       %d  cancelled: %d\n", summary.FailedBuilds, summary.CancelledCount)
		fmt.Fprintf(out, "  duration:     mean %s  p50 %s  p95 %s\n", seconds(summary.Duration.Mean), seconds(summary.Duration.P50), seconds(summary.Duration.P95))
		if len(summary.Breakdown) > 0 {
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nREPOSITORY\tBRANCH\tBUILDS\tSUCCESS\tFAILED\tP95")
			for _, p := range summary.Breakdown {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f%%\t%d\t%s\n", p.Repository, p.Branch, p.TotalBuilds, p.SuccessRate, p.FailedBuilds, seconds(p.Duration.P95))
			}
			return tw.Flush()
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List build runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, _ := cmd.Flags().GetString("repo")
		branch, _ := cmd.Flags().GetString("branch")
		status, _ := cmd.Flags().GetString("status")
		cursor, _ := cmd.Flags().GetString("cursor")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newClient()
		if err != nil {
			return err
		}
		page, err := client.ListBuilds(cmd.Context(), apiclient.BuildQuery{
			Repository: repo,
			Branch:     branch,
			Status:     status,
			Cursor:     cursor,
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), page)
		}
		if len(page.Runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tATTEMPT\tREPOSITORY\tBRANCH\tSTATUS\tDURATION\tUPDATED")
		for _, r := range page.Runs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", r.ProviderRunID, r.Attempt, r.Repository, r.Branch, r.Status, seconds(r.DurationSeconds), r.LastUpdatedAt.Format(time.RFC3339))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if page.NextCursor != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "\nmore: buildctl runs --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [run-id]",
	Short: "Show one build run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attempt, _ := cmd.Flags().GetInt("attempt")
		client, err := newClient()
		if err != nil {
			return err
		}
		run, err := client.GetBuild(cmd.Context(), args[0], attempt)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), run)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "run\t%s#%d\n", run.ProviderRunID, run.Attempt)
		fmt.Fprintf(tw, "provider\t%s\n", run.Provider)
		fmt.Fprintf(tw, "repository\t%s@%s\n", run.Repository, run.Branch)
		fmt.Fprintf(tw, "commit\t%s\n", run.CommitSHA)
		fmt.Fprintf(tw, "workflow\t%s\n", run.WorkflowName)
		fmt.Fprintf(tw, "status\t%s\n", run.Status)
		fmt.Fprintf(tw, "started\t%s\n", timestamp(run.StartedAt))
		fmt.Fprintf(tw, "finished\t%s\n", timestamp(run.FinishedAt))
		fmt.Fprintf(tw, "duration\t%s\n", seconds(run.DurationSeconds))
		if run.URL != "" {
			fmt.Fprintf(tw, "url\t%s\n", run.URL)
		}
		return tw.Flush()
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List recently fired alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newClient()
		if err != nil {
			return err
		}
		alerts, err := client.ListAlerts(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), alerts)
		}
		if len(alerts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no alerts")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TRIGGERED\tTYPE\tREPOSITORY\tMESSAGE")
		for _, a := range alerts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.TriggeredAt.Format(time.RFC3339), a.Kind, a.Repository, a.Message)
		}
		return tw.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the API is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Health(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func seconds(v *float64) string {
	if v == nil {
		return "-"
	}
	return (time.Duration(*v * float64(time.Second))).Round(time.Second).String()
}

func timestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", "", "buildboard API base URL")
	rootCmd.PersistentFlags().StringVar(&writeKey, "write-key", "", "write key for webhook deliveries")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "timeout", 0, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON")

	simulateCmd.Flags().IntP("runs", "n", 10, "number of runs to simulate")
	simulateCmd.Flags().StringSlice("repo", []string{"acme/web"}, "repositories to spread runs over")
	simulateCmd.Flags().StringSlice("branch", []string{"main"}, "branches to spread runs over")
	simulateCmd.Flags().Float64("failure-rate", 0.2, "share of runs that fail (0-1)")
	simulateCmd.Flags().Int64("seed", 0, "random seed (0 picks one)")
	simulateCmd.Flags().String("provider", "github", "payload format (github|generic)")
	simulateCmd.Flags().Bool("dry-run", false, "print payloads instead of sending them")

	replayCmd.Flags().StringP("provider", "p", "github", "provider the payloads came from")

	summaryCmd.Flags().String("repo", "", "repository filter")
	summaryCmd.Flags().String("branch", "", "branch filter")
	summaryCmd.Flags().StringP("window", "w", "", "time window, e.g. 24h or 7d")
	summaryCmd.Flags().BoolP("breakdown", "b", false, "include per repository and branch rows")

	runsCmd.Flags().String("repo", "", "repository filter")
	runsCmd.Flags().String("branch", "", "branch filter")
	runsCmd.Flags().String("status", "", "status filter")
	runsCmd.Flags().String("cursor", "", "continue from a previous page")
	runsCmd.Flags().IntP("limit", "l", 20, "page size")

	runCmd.Flags().Int("attempt", 1, "run attempt")

	alertsCmd.Flags().IntP("limit", "l", 20, "maximum number of alerts")

	rootCmd.AddCommand(simulateCmd, replayCmd, summaryCmd, runsCmd, runCmd, alertsCmd, healthCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
