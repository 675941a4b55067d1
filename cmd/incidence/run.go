package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/incidence/internal/config"
	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/domain/incidence"
)

func runCmd() *cobra.Command {
	var (
		reportIDs []string
		all       bool
		years     string
		outDir    string
		persist   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one or more incidence reports and write their tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(reportIDs) == 0 {
				return fmt.Errorf("--report or --all is required")
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("out") {
				outDir = cfg.OutputDir
			}

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, logger, outDir, persist || cfg.PersistResults)
			if err != nil {
				return err
			}
			defer rt.Close()

			defs, err := selectReports(rt.catalog, reportIDs, all)
			if err != nil {
				return err
			}

			for _, def := range defs {
				start, end, err := resolveYears(def, years, time.Now())
				if err != nil {
					return err
				}
				res, err := rt.svc.Run(ctx, def, start, end)
				if err != nil {
					return fmt.Errorf("report %s: %w", def.ID, err)
				}
				if err := rt.svc.Publish(ctx, res); err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), res)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&reportIDs, "report", "r", nil, "Report id to run (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Run every report in the catalog")
	cmd.Flags().StringVar(&years, "years", "", `Year range such as "2023-2025" (default: the report's lookback)`)
	cmd.Flags().StringVar(&outDir, "out", "", "Directory for CSV and JSON output (default OUTPUT_DIR)")
	cmd.Flags().BoolVar(&persist, "persist", false, "Also store results in PostgreSQL")
	return cmd
}

func selectReports(catalog *incidence.Catalog, ids []string, all bool) ([]*incidence.ReportDefinition, error) {
	if all {
		list := catalog.List()
		out := make([]*incidence.ReportDefinition, len(list))
		for i := range list {
			out[i] = &list[i]
		}
		return out, nil
	}
	out := make([]*incidence.ReportDefinition, 0, len(ids))
	for _, id := range ids {
		def, ok := catalog.Find(id)
		if !ok {
			return nil, fmt.Errorf("unknown report %q (known: %v)", id, catalog.IDs())
		}
		out = append(out, def)
	}
	return out, nil
}

// resolveYears parses --years, falling back to the report's lookback.
func resolveYears(def *incidence.ReportDefinition, years string, now time.Time) (int, int, error) {
	if years == "" {
		start, end := incidence.DefaultYears(def, now)
		return start, end, nil
	}
	return incidence.ParseYearRange(years)
}

func printSummary(w io.Writer, res *incidence.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "report\t%s\n", res.ReportID)
	fmt.Fprintf(tw, "run\t%s\n", res.RunID)
	fmt.Fprintf(tw, "buckets\t%d\n", res.Stats.Buckets)
	fmt.Fprintf(tw, "cohort\t%d\n", res.Stats.CohortSize)
	fmt.Fprintf(tw, "matches\t%d\n", res.Stats.Matches)
	fmt.Fprintf(tw, "excluded\t%d\n", res.Stats.Excluded)
	fmt.Fprintf(tw, "dropped\t%d primary, %d secondary\n", res.Stats.DroppedPrimary, res.Stats.DroppedSecondary)
	fmt.Fprintf(tw, "undated\t%d primary, %d secondary\n", res.Stats.UndatedPrimary, res.Stats.UndatedSecondary)
	fmt.Fprintf(tw, "series rows\t%d\n", len(res.Series))
	tw.Flush()
	fmt.Fprintln(w)
}

func reportsCmd() *cobra.Command {
	var reportsFile string
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List the report catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reportsFile == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				reportsFile = cfg.ReportsFile
			}
			catalog, err := incidence.LoadCatalog(reportsFile)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tGRANULARITY\tWINDOW\tOUTCOMES\tNAME")
			for _, def := range catalog.List() {
				fmt.Fprintf(tw, "%s\t%s\t%d-%d\t%s/%s\t%s\n",
					def.ID, def.GranularityValue(), def.Window.Min, def.Window.Max, def.Positive, def.Negative, def.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&reportsFile, "file", "", "YAML report catalog (default REPORTS_FILE)")
	return cmd
}

func bucketsCmd() *cobra.Command {
	var (
		granularity string
		years       string
	)
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "List the closed reporting buckets for a year range",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := cohort.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			start, end := time.Now().Year(), time.Now().Year()
			if years != "" {
				if start, end, err = incidence.ParseYearRange(years); err != nil {
					return err
				}
			}
			for _, b := range cohort.NewBucketer(g).Buckets(start, end) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", b, b.Start().Format(time.DateOnly), b.End().Format(time.DateOnly))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "month", "month or week")
	cmd.Flags().StringVar(&years, "years", "", "Year range (default: current year)")
	return cmd
}
