package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func jobRows(job *models.Job) [][]string {
	rows := [][]string{
		{"Job", job.ID},
		{"State", string(job.State)},
		{"Progress", fmt.Sprintf("%.1f%%", job.Progress)},
		{"Frames", fmt.Sprintf("%d / %s", job.ProcessedFrames, totalLabel(job.TotalFrames))},
		{"Analyzed", strconv.Itoa(job.AnalyzedFrames)},
		{"Created", job.CreatedAt.Local().Format(time.DateTime)},
	}
	if job.SkippedFrames > 0 {
		rows = append(rows, []string{"Skipped", strconv.Itoa(job.SkippedFrames)})
	}
	if job.Metadata.SourceName != "" {
		rows = append(rows, []string{"Source", job.Metadata.SourceName})
	}
	if job.Metadata.OwnerID != "" {
		rows = append(rows, []string{"Owner", job.Metadata.OwnerID})
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		rows = append(rows, []string{"Elapsed", job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()})
	}
	if job.OutputPath != "" {
		rows = append(rows, []string{"Output", fmt.Sprintf("%s (%s)", job.OutputPath, job.OutputProfile)})
	}
	if job.Error != "" {
		rows = append(rows, []string{"Error", fmt.Sprintf("%s: %s", job.ErrorKind, job.Error)})
	}
	return rows
}

func totalLabel(total int) string {
	if total <= 0 {
		return "?"
	}
	return strconv.Itoa(total)
}

func summaryRows(s *models.Summary) [][]string {
	return [][]string{
		{"Frames analyzed", strconv.Itoa(s.TotalFramesAnalyzed)},
		{"Average quality", fmt.Sprintf("%.1f", s.AverageQualityScore)},
		{"Detections", strconv.Itoa(s.TotalDetections)},
		{"Defects", strconv.Itoa(s.DefectCount)},
		{"Unique objects", strconv.Itoa(s.UniqueTrackedObjects)},
		{"Duration", fmt.Sprintf("%.1fs", s.DurationSeconds)},
	}
}

// classRows lists per-class counts, largest first
func classRows(counts map[string]int) [][]string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if counts[labels[i]] != counts[labels[j]] {
			return counts[labels[i]] > counts[labels[j]]
		}
		return labels[i] < labels[j]
	})
	rows := make([][]string, 0, len(labels))
	for _, label := range labels {
		rows = append(rows, []string{label, strconv.Itoa(counts[label])})
	}
	return rows
}

func timelineRows(buckets []models.TimelineBucket) [][]string {
	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []string{
			fmt.Sprintf("%.0f-%.0fs", b.StartTime, b.EndTime),
			strconv.Itoa(b.FrameCount),
			strconv.Itoa(b.TotalCount),
			strconv.Itoa(b.DefectCount),
			fmt.Sprintf("%.1f", b.AverageQuality),
		})
	}
	return rows
}

// printJob writes the job table and, for completed jobs, the summary tables
func printJob(w io.Writer, job *models.Job) {
	fmt.Fprintln(w, renderTable([]string{"Field", "Value"}, jobRows(job), nil))
	if job.Result == nil {
		return
	}
	s := job.Result
	fmt.Fprintln(w, renderTable([]string{"Summary", "Value"}, summaryRows(s), []columnAlignment{alignLeft, alignRight}))
	if len(s.ClassCounts) > 0 {
		fmt.Fprintln(w, renderTable([]string{"Class", "Count"}, classRows(s.ClassCounts), []columnAlignment{alignLeft, alignRight}))
	}
	if len(s.Timeline) > 0 {
		fmt.Fprintln(w, renderTable(
			[]string{"Window", "Frames", "Detections", "Defects", "Quality"},
			timelineRows(s.Timeline),
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
		))
	}
	if len(s.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, rec := range s.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
}

// progressLine renders one live event as a single status line
func progressLine(ev models.ProgressEvent) string {
	switch ev.Type {
	case models.EventCompleted:
		return fmt.Sprintf("completed  %d frames  quality %.1f  objects %d", ev.FrameNumber, ev.QualityScore, ev.UniqueObjects)
	case models.EventFailed:
		return fmt.Sprintf("failed     %s", ev.Error)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "frame %d/%s  %5.1f%%  detections %d", ev.FrameNumber, totalLabel(ev.TotalFrames), ev.Progress, ev.Detections)
	if ev.QualityScore > 0 {
		fmt.Fprintf(&b, "  quality %.1f", ev.QualityScore)
	}
	if ev.UniqueObjects > 0 {
		fmt.Fprintf(&b, "  objects %d", ev.UniqueObjects)
	}
	return b.String()
}
