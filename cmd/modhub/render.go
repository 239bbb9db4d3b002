package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/modhub/internal/activity"
	"github.com/MarcoPoloResearchLab/modhub/internal/history"
)

func renderRecords(out io.Writer, records []activity.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no history yet")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "WHEN\tKIND\tMOD\tNAME\tCATEGORY")
	for _, record := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			record.OccurredAt.Local().Format(time.DateTime),
			record.Kind,
			record.SubjectID,
			record.DisplayName,
			record.Category,
		)
	}
	_ = writer.Flush()
}

func renderView(out io.Writer, view activity.Page, snapshot history.Snapshot) {
	renderRecords(out, view.Items)
	fmt.Fprintf(out, "page %d of %d, %d matching\n", view.Number, view.PageCount, view.TotalItems)
	renderCount(out, snapshot.Count)
	switch {
	case snapshot.Degraded:
		fmt.Fprintln(out, "backend unreachable; showing history from this device")
	case !snapshot.HasAnyRemoteData:
		fmt.Fprintln(out, "showing history from this device only")
	}
}

func renderCount(out io.Writer, count history.Count) {
	if !count.Approximate {
		fmt.Fprintf(out, "total: %d\n", count.Value)
		return
	}
	line := fmt.Sprintf("total: at least %d", count.Value)
	if count.LastKnown > count.Value {
		line += fmt.Sprintf(" (last known %d)", count.LastKnown)
	}
	fmt.Fprintln(out, line)
}

func renderSubject(out io.Writer, state history.SubjectState) {
	name := state.DisplayName
	if name == "" {
		name = state.SubjectID.String()
	}
	favorite := "no"
	if state.IsFavorite {
		favorite = "yes"
	}
	fmt.Fprintf(out, "%s: favorite=%s favorites=%d downloads=%d\n", name, favorite, state.FavoriteCount, state.DownloadCount)
	if len(state.Tags) > 0 {
		fmt.Fprintf(out, "tags: %s\n", strings.Join(state.Tags, ", "))
	}
}

func renderBrowse(out io.Writer, state history.BrowseState) {
	renderRecords(out, state.Records)
	fmt.Fprintf(out, "page %d of %d, %d total\n", state.Page, state.PageCount, state.Total)
}
