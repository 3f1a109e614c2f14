// Package inspect prints a report for a snapshot file without starting the service.
package inspect

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beaconwatch/beaconwatch/internal/analytics"
	"github.com/beaconwatch/beaconwatch/internal/cluster"
	"github.com/beaconwatch/beaconwatch/internal/conf"
	"github.com/beaconwatch/beaconwatch/internal/entity"
	"github.com/beaconwatch/beaconwatch/internal/errors"
	"github.com/beaconwatch/beaconwatch/internal/logger"
	"github.com/beaconwatch/beaconwatch/internal/priority"
	"github.com/beaconwatch/beaconwatch/internal/store"
	"github.com/beaconwatch/beaconwatch/internal/tracker"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// DefaultLimit caps the priority and cluster tables
const DefaultLimit = 10

// Options selects what to read and how to print it
type Options struct {
	Snapshot string
	Format   string
	Limit    int
	Now      time.Time // zero uses the current time
}

// Report is everything inspect prints
type Report struct {
	Snapshot   string           `json:"snapshot"`
	Statistics store.Statistics `json:"statistics"`
	Priorities []priority.Score `json:"priorities"`
	Clusters   []cluster.Cell   `json:"clusters"`
	Analytics  analytics.Report `json:"analytics"`
}

// Command creates the inspect command
func Command(settings *conf.Settings) *cobra.Command {
	opts := Options{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print statistics, priorities, clusters and analytics for a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Snapshot == "" {
				opts.Snapshot = settings.Store.SnapshotPath
			}
			report, err := Build(settings, opts)
			if err != nil {
				return err
			}
			return Write(cmd.OutOrStdout(), report, opts.Format)
		},
	}

	cmd.Flags().StringVarP(&opts.Snapshot, "snapshot", "s", "", "Snapshot file (default: store.snapshotpath)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", FormatTable, "Output format: table, json or yaml")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", DefaultLimit, "Rows in the priority and cluster tables, 0 for all")

	return cmd
}

// Build loads the snapshot into a detached store and computes the report
func Build(settings *conf.Settings, opts Options) (*Report, error) {
	if opts.Snapshot == "" {
		return nil, errors.Newf("no snapshot file given").
			Component("inspect").
			Category(errors.CategoryValidation).
			Build()
	}
	if _, err := os.Stat(opts.Snapshot); err != nil {
		return nil, errors.New(err).
			Component("inspect").
			Category(errors.CategoryPersistence).
			Context("path", opts.Snapshot).
			Build()
	}

	// logs go to stderr so json and yaml output stay parseable
	log := logger.NewSlogLogger(os.Stderr, logger.LogLevelWarn, nil)
	storeOpts := []store.Option{store.WithLogger(log)}
	if !opts.Now.IsZero() {
		now := opts.Now
		storeOpts = append(storeOpts, store.WithClock(func() time.Time { return now }))
	}
	st := store.New(store.Config{}, storeOpts...)
	if _, err := st.Load(opts.Snapshot); err != nil {
		return nil, err
	}

	tr := tracker.New(st, nil,
		tracker.WithThresholds(settings.Priority),
		tracker.WithCellSize(settings.Cluster.CellSize))

	analyticsOpts := analytics.Options{
		Thresholds: settings.Priority,
		CellSize:   settings.Cluster.CellSize,
	}
	if settings.Station.Configured() {
		analyticsOpts.Station = &analytics.Location{
			Latitude:  settings.Station.Latitude,
			Longitude: settings.Station.Longitude,
		}
	}

	return &Report{
		Snapshot:   opts.Snapshot,
		Statistics: tr.Statistics(),
		Priorities: head(tr.Priorities(settings.Priority), opts.Limit),
		Clusters:   head(tr.ClustersOf(true, settings.Cluster.CellSize), opts.Limit),
		Analytics:  analytics.Compute(tr.All(), tr.Now(), analyticsOpts),
	}, nil
}

func head[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Write prints the report in the requested format
func Write(w io.Writer, r *Report, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		return writeYAML(w, r)
	case FormatTable, "":
		return writeTable(w, r)
	default:
		return errors.Newf("unknown format %q, want table, json or yaml", format).
			Component("inspect").
			Category(errors.CategoryValidation).
			Build()
	}
}

// writeYAML goes through JSON so the yaml keys match the API field names
func writeYAML(w io.Writer, r *Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

var (
	headerColor = color.New(color.Bold, color.FgHiWhite)
	levelColors = map[priority.Level]*color.Color{
		priority.LevelCritical: color.New(color.FgRed, color.Bold),
		priority.LevelHigh:     color.New(color.FgYellow),
		priority.LevelMedium:   color.New(color.FgCyan),
		priority.LevelLow:      color.New(color.FgHiBlack),
	}
)

func levelString(l priority.Level) string {
	if c, ok := levelColors[l]; ok {
		return c.Sprint(string(l))
	}
	return string(l)
}

// writeTable prints aligned sections. Only the last column is colored; escape codes
// inside tabwriter cells would break alignment.
func writeTable(w io.Writer, r *Report) error {
	if _, err := headerColor.Fprintf(w, "SNAPSHOT %s\n\n", r.Snapshot); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "STATUS\tCOUNT\tPERCENT")
	for _, status := range entity.Statuses {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", status, r.Statistics.ByStatus[status], r.Statistics.Percentages[status])
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t\n", r.Statistics.Total)
	fmt.Fprintf(tw, "resolution rate\t%.1f%%\t\n\n", r.Statistics.ResolutionRate)

	fmt.Fprintln(tw, "ID\tSCORE\tSIGNAL\tTEMPORAL\tLEVEL")
	for _, s := range r.Priorities {
		fmt.Fprintf(tw, "%d\t%.1f\t%.1f\t%.1f\t%s\n",
			s.ID, s.Score, s.Components.Signal, s.Components.Temporal, levelString(s.Level))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CELL\tCENTER\tMEMBERS\tAVG SIGNAL\tRESOLVED")
	for _, c := range r.Clusters {
		fmt.Fprintf(tw, "%d:%d\t%.5f,%.5f\t%d\t%.1f\t%.1f%%\n",
			c.Key.X, c.Key.Y, c.CenterLat, c.CenterLon, c.Count, c.AverageSignal, c.ResolutionRate)
	}
	fmt.Fprintln(tw)

	a := r.Analytics
	fmt.Fprintln(tw, "ANALYTICS\tVALUE")
	fmt.Fprintf(tw, "resolved per hour\t%.2f\n", a.Resolution.PerHour)
	fmt.Fprintf(tw, "average resolution\t%.1f min\n", a.Resolution.AverageMinutes)
	fmt.Fprintf(tw, "stale active\t%d\n", a.Time.Stale)
	fmt.Fprintf(tw, "oldest active\t%.1f min\n", a.Time.OldestActiveMinutes)
	if a.Coverage != nil {
		fmt.Fprintf(tw, "farthest entity\t%.2f km\n", a.Coverage.FarthestKm)
	}
	for _, rec := range a.Recommendations {
		fmt.Fprintf(tw, "recommendation\t%s\n", rec.Message)
	}

	return tw.Flush()
}
