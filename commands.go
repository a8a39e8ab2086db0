package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/spf13/cobra"

	"github.com/axl/reportsync/config"
	"github.com/axl/reportsync/reportgen"
	"github.com/axl/reportsync/sync"
)

// commandEnv builds the service on first use so that commands like `migrate`
// never need credentials.
type commandEnv struct {
	app core.App
	svc *sync.Service
}

func (c *commandEnv) service(ctx context.Context) (*sync.Service, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	svc, err := sync.NewService(ctx, c.app, cfg)
	if err != nil {
		return nil, err
	}
	c.svc = svc
	return svc, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func rowArg(raw string) (int, error) {
	row, err := strconv.Atoi(raw)
	if err != nil || row <= 1 {
		return 0, fmt.Errorf("row must be a data row number greater than 1, got %q", raw)
	}
	return row, nil
}

func newSweepCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:          "sweep",
		Short:        "Reconcile every sheet row with the remote table once",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := env.service(cmd.Context())
			if err != nil {
				return err
			}
			run, err := svc.Orchestrator.RunSweep(cmd.Context(), "manual")
			if perr := printJSON(cmd.OutOrStdout(), run); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newDispatchRowCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:          "dispatch-row <row>",
		Short:        "Dispatch one row to the report backend if it is eligible",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := rowArg(args[0])
			if err != nil {
				return err
			}
			svc, err := env.service(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Dispatcher.Handle(cmd.Context(), sync.ChangeEvent{Row: row, Source: "manual"})
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newResetMarkerCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-marker <row>",
		Short: "Clear the tracking cell of a row so it can be dispatched again",
		Long: `Clear the tracking cell of a row so it can be dispatched again.

Use this for a row stuck in "Processing…" after the backend lost the request.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := rowArg(args[0])
			if err != nil {
				return err
			}
			svc, err := env.service(cmd.Context())
			if err != nil {
				return err
			}
			tracker := svc.Dispatcher.Tracker()
			previous, err := tracker.Reset(cmd.Context(), row)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Row %d: cleared %s%d (was %q)\n", row, tracker.Column(), row, previous)
			return nil
		},
	}
}

func newCheckCommand(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:          "check",
		Short:        "Test connections and report how sheet headers map to remote fields",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := env.service(cmd.Context())
			if err != nil {
				return err
			}
			report := svc.Orchestrator.Check(cmd.Context(), svc.Backend)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Remote records: %d\n", report.RemoteRecords)
			fmt.Fprintf(out, "Sheet rows: %d\n", report.SheetRows)
			for _, h := range report.Headers {
				field := h.Field
				if !h.Mapped {
					field = "NOT MAPPED"
				}
				fmt.Fprintf(out, "  %s -> %s\n", h.Header, field)
			}
			for _, problem := range []string{report.RemoteError, report.SheetError, report.BackendError} {
				if problem != "" {
					fmt.Fprintf(out, "ERROR: %s\n", problem)
				}
			}
			if !report.OK() {
				return fmt.Errorf("connection check failed")
			}
			return nil
		},
	}
}

// reportOptions holds flags for the report command
type reportOptions struct {
	Endpoint string
	Company  string
	URL      string
	Type     string
	Deck     string
	Notes    string
	Out      string
	Timeout  time.Duration
}

func newReportCommand() *cobra.Command {
	opts := &reportOptions{}

	cmd := &cobra.Command{
		Use:          "report",
		Short:        "Request a report document directly from the report backend",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateReport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "report backend base URL (defaults to the configured dispatch endpoint)")
	cmd.Flags().StringVar(&opts.Company, "company", "", "company name")
	cmd.Flags().StringVar(&opts.URL, "url", "", "company website")
	cmd.Flags().StringVar(&opts.Type, "type", reportgen.OnePager, "report type (one_pager or deep_dive)")
	cmd.Flags().StringVar(&opts.Deck, "deck", "", "file with extracted pitch deck text")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "internal notes")
	cmd.Flags().StringVar(&opts.Out, "out", ".", "output file or directory")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "request timeout")

	return cmd
}

func generateReport(cmd *cobra.Command, opts *reportOptions) error {
	req := reportgen.Request{
		CompanyName:   opts.Company,
		CompanyURL:    opts.URL,
		ReportType:    opts.Type,
		InternalNotes: opts.Notes,
	}
	if opts.Deck != "" {
		deck, err := os.ReadFile(opts.Deck) //nolint:gosec // operator-supplied path
		if err != nil {
			return fmt.Errorf("reading pitch deck text: %w", err)
		}
		req.PitchDeckContent = string(deck)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		endpoint = cfg.Dispatch.Endpoint
	}

	client, err := reportgen.NewClient(endpoint, opts.Timeout)
	if err != nil {
		return err
	}
	doc, err := client.Generate(cmd.Context(), req)
	if err != nil {
		return err
	}

	path := opts.Out
	if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
		path = filepath.Join(path, doc.Filename)
	}
	if err := os.WriteFile(path, doc.Data, 0o600); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", path, len(doc.Data))
	return nil
}
