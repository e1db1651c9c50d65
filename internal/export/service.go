package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/contentforge/extractd/internal/storage"
)

// Service is a tiny façade over the job index that produces XLSX bytes for
// the job ledger export.
type Service struct {
	index  *storage.JobIndex
	logger *slog.Logger
}

func NewService(index *storage.JobIndex, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, logger: logger}
}

// ExportJobsXLSX returns an XLSX workbook (as bytes) listing up to limit
// jobs, most recent first.
func (s *Service) ExportJobsXLSX(ctx context.Context, limit int) ([]byte, error) {
	start := time.Now()

	jobs, err := s.index.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Jobs"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Job ID",
		"Filename",
		"Format",
		"Status",
		"Error Kind",
		"Error Message",
		"Enqueued At",
		"Started At",
		"Finished At",
		"Artifact Hash",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return nil, err
		}
	}

	for row, job := range jobs {
		values := []any{
			job.ID.String(),
			job.Filename,
			string(job.Format),
			string(job.Status),
			job.ErrorKind,
			job.ErrorMessage,
			job.EnqueuedAt.UTC().Format(time.RFC3339),
			formatOptTime(job.StartedAt),
			formatOptTime(job.FinishedAt),
			string(job.ArtifactRef),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.Info("exported job ledger", "jobs", len(jobs), "duration_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
