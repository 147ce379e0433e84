// cmd/cmplatform/output.go - tabular listings printed instead of a run.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"

	"github.com/windowsadmins/cmplatform/pkg/config"
	"github.com/windowsadmins/cmplatform/pkg/history"
	"github.com/windowsadmins/cmplatform/pkg/report"
	"github.com/windowsadmins/cmplatform/pkg/sccm"
)

func printPlatforms(ctx context.Context, out io.Writer, client sccm.Client) int {
	platforms, err := client.ListPlatforms(ctx)
	if err != nil {
		console.Error("Failed to list supported platforms: %v", err)
		return 1
	}
	if len(platforms) == 0 {
		console.Warning("The site reports no supported platforms")
		return 0
	}
	writePlatforms(out, platforms)
	return 0
}

func writePlatforms(out io.Writer, platforms []sccm.Platform) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISPLAY NAME\tPLATFORM\tMIN VERSION\tMAX VERSION")
	for _, p := range platforms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.DisplayName, p.Platform, p.MinVersion, p.MaxVersion)
	}
	w.Flush()
}

// openHistory opens the configured history database without creating it.
func openHistory(cfg *config.Configuration) (*history.DB, bool) {
	if cfg.HistoryDB == "" {
		console.Error("No history database configured (history_db)")
		return nil, false
	}
	if _, err := os.Stat(cfg.HistoryDB); os.IsNotExist(err) {
		console.Error("History database not found: %s", cfg.HistoryDB)
		return nil, false
	}

	db, err := history.Open(cfg.HistoryDB)
	if err != nil {
		console.Error("Failed to open history database: %v", err)
		return nil, false
	}
	return db, true
}

func printHistory(out io.Writer, cfg *config.Configuration, limit int) int {
	db, ok := openHistory(cfg)
	if !ok {
		return 1
	}
	defer db.Close()

	runs, err := db.RecentRuns(context.Background(), limit)
	if err != nil {
		console.Error("Failed to read history: %v", err)
		return 1
	}
	if len(runs) == 0 {
		console.Warning("No runs recorded in %s", cfg.HistoryDB)
		return 0
	}
	writeRuns(out, runs)
	return 0
}

func printPackage(out io.Writer, cfg *config.Configuration, name string) int {
	db, ok := openHistory(cfg)
	if !ok {
		return 1
	}
	defer db.Close()

	records, err := db.PackageOutcomes(context.Background(), name)
	if err != nil {
		console.Error("Failed to read history: %v", err)
		return 1
	}
	if len(records) == 0 {
		console.Warning("No outcomes recorded for package %s", name)
		return 0
	}
	writeOutcomes(out, records)
	return 0
}

func writeRuns(out io.Writer, runs []history.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSITE\tPLATFORM\tRECORDS\tUPDATED\tCURRENT\tFAILED\tNOT FOUND")
	for _, r := range runs {
		s := r.Summary
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID,
			r.StartedAt.Local().Format(time.DateTime),
			units.HumanDuration(r.FinishedAt.Sub(r.StartedAt)),
			r.SiteCode,
			r.TargetPlatform,
			s.Total, s.Updated, s.AlreadyUpdatedWithTarget, s.UpdateFailed, s.NotFound)
	}
	w.Flush()
}

func writeOutcomes(out io.Writer, records []report.OutcomeRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tPACKAGE ID\tPROGRAM\tSTATUS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PackageName, r.PackageID, r.ProgramName, r.Status)
	}
	w.Flush()
}
