package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/chread"
	"github.com/triage-ai/gatekeeper/internal/config"
	"go.uber.org/zap"
)

// auditReader is the slice of chread.Reader the audit commands use.
type auditReader interface {
	CallerTrail(ctx context.Context, callerID int64, limit int) ([]chread.EventRow, error)
	Incidents(ctx context.Context, params chread.IncidentParams) ([]chread.EventRow, error)
	PurgeOlderThan(ctx context.Context, days int) (time.Time, error)
	Close() error
}

// openReader connects to the audit store. Replaced in tests.
var openReader = func() (auditReader, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.ClickHouseDSN == "" {
		return nil, errors.New("CLICKHOUSE_DSN is required for audit commands")
	}
	return chread.NewReader(cfg.ClickHouseDSN, zap.NewNop())
}

var (
	trailLimit       int
	incidentSeverity string
	incidentSince    time.Duration
	incidentLimit    int
	purgeDays        int
)

func init() {
	rootCmd.AddCommand(trailCmd, incidentsCmd, purgeCmd)
	trailCmd.Flags().IntVarP(&trailLimit, "limit", "n", 50, "Maximum number of events")
	incidentsCmd.Flags().StringVar(&incidentSeverity, "severity", "warning", "Minimum severity: info, warning, error, critical")
	incidentsCmd.Flags().DurationVar(&incidentSince, "since", 24*time.Hour, "Look-back window")
	incidentsCmd.Flags().IntVarP(&incidentLimit, "limit", "n", 50, "Maximum number of events")
	purgeCmd.Flags().IntVar(&purgeDays, "days", chread.DefaultRetentionDays, "Delete events older than this many days")
}

var trailCmd = &cobra.Command{
	Use:   "trail <caller-id>",
	Short: "Show a caller's most recent audit events",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrail,
}

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Show system-wide audit events at or above a severity",
	Args:  cobra.NoArgs,
	RunE:  runIncidents,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit events past the retention period",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func runTrail(cmd *cobra.Command, args []string) error {
	callerID, err := parseCallerID(args[0])
	if err != nil {
		return err
	}
	r, err := openReader()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	events, err := r.CallerTrail(cmd.Context(), callerID, trailLimit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), events)
}

func runIncidents(cmd *cobra.Command, args []string) error {
	sev, ok := audit.ParseSeverity(incidentSeverity)
	if !ok {
		return fmt.Errorf("unknown severity %q", incidentSeverity)
	}
	r, err := openReader()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	events, err := r.Incidents(cmd.Context(), chread.IncidentParams{
		MinSeverity: sev,
		Since:       incidentSince,
		Limit:       incidentLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), events)
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeDays <= 0 {
		return errors.New("--days must be positive")
	}
	r, err := openReader()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	cutoff, err := r.PurgeOlderThan(cmd.Context(), purgeDays)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purge submitted for events before %s\n", cutoff.Format(time.RFC3339))
	return nil
}
