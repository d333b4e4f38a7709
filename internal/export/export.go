// Package export renders sync job reports as Excel workbooks.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"fixturesync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	SheetJobs   = "Jobs"
	SheetErrors = "Errors"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var jobHeaders = []string{
	"Job ID", "Source", "Status", "Created by", "From", "To",
	"Chunks", "Progress %", "Fetched", "New", "Reused", "Errors",
	"Created at", "Started at", "Completed at",
}

var errorHeaders = []string{"Job ID", "Time", "Context", "Message"}

// Build creates a workbook with one row per job and a sheet listing every
// error log entry. The caller closes the file.
func Build(jobs []*models.SyncJob, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", SheetJobs); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetErrors); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	_ = f.SetCellValue(SheetJobs, "A1", fmt.Sprintf("Sync jobs report, generated %s UTC", generatedAt.UTC().Format("2006-01-02 15:04")))
	writeHeaders(f, SheetJobs, 2, jobHeaders, headerStyle)
	writeHeaders(f, SheetErrors, 1, errorHeaders, headerStyle)

	row, errRow := 3, 2
	for _, job := range jobs {
		values := []interface{}{
			job.ID,
			job.SourceKey,
			string(job.Status),
			job.CreatedBy,
			job.EffectiveRange.Start.Format(models.DateLayout),
			job.EffectiveRange.End.Format(models.DateLayout),
			fmt.Sprintf("%d/%d", job.Progress.ProcessedUnits, job.Progress.TotalUnits),
			job.Progress.Percentage,
			job.Results.TotalItemsFetched,
			job.Results.NewItems,
			job.Results.ReusedItems,
			job.Results.ErrorCount,
			formatTime(&job.CreatedAt),
			formatTime(job.StartedAt),
			formatTime(job.CompletedAt),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetJobs, cell, &values); err != nil {
			f.Close()
			return nil, fmt.Errorf("write job row: %w", err)
		}
		if job.Status == models.JobStatusFailed {
			last, _ := excelize.CoordinatesToCellName(len(jobHeaders), row)
			_ = f.SetCellStyle(SheetJobs, cell, last, failedStyle)
		}
		row++

		for _, entry := range job.ErrorLog {
			errValues := []interface{}{job.ID, formatTime(&entry.Timestamp), entry.Context, entry.Message}
			errCell, _ := excelize.CoordinatesToCellName(1, errRow)
			_ = f.SetSheetRow(SheetErrors, errCell, &errValues)
			errRow++
		}
	}

	_ = f.SetColWidth(SheetJobs, "A", "A", 38)
	_ = f.SetColWidth(SheetJobs, "B", "O", 16)
	_ = f.SetColWidth(SheetErrors, "A", "A", 38)
	_ = f.SetColWidth(SheetErrors, "B", "C", 20)
	_ = f.SetColWidth(SheetErrors, "D", "D", 80)

	return f, nil
}

// Write renders the report to w.
func Write(w io.Writer, jobs []*models.SyncJob, generatedAt time.Time) error {
	f, err := Build(jobs, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Save writes the report into dir and returns the file path.
func Save(dir string, jobs []*models.SyncJob, generatedAt time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	f, err := Build(jobs, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, FileName(generatedAt))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

func FileName(generatedAt time.Time) string {
	return fmt.Sprintf("sync_jobs_%s.xlsx", generatedAt.UTC().Format("20060102_150405"))
}

func writeHeaders(f *excelize.File, sheet string, row int, headers []string, style int) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, h)
	}
	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(len(headers), row)
	_ = f.SetCellStyle(sheet, first, last, style)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
