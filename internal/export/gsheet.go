package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/shrimpsizemoose/trekker/logger"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

type GSheetExporter struct {
	service   *app.Service
	scheduler *gocron.Scheduler
	services  map[string]*sheets.Service
}

// NewGSheetExporter schedules one export job per configured sheet and starts
// the scheduler.
func NewGSheetExporter(ctx context.Context, service *app.Service) (*GSheetExporter, error) {
	e := &GSheetExporter{
		service:   service,
		scheduler: gocron.NewScheduler(time.UTC),
		services:  make(map[string]*sheets.Service),
	}
	e.scheduler.SingletonModeAll()

	for name, configs := range service.Config.GSheet {
		for i := range configs {
			cfg := configs[i]
			key, err := cfg.SheetKey()
			if err != nil {
				return nil, fmt.Errorf("gsheet.%s: %w", name, err)
			}

			svc, ok := e.services[cfg.CredentialsPath]
			if !ok {
				svc, err = sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
				if err != nil {
					return nil, fmt.Errorf("failed to create sheets service: %w", err)
				}
				e.services[cfg.CredentialsPath] = svc
			}

			_, err = e.scheduler.Cron(cfg.Schedule).Tag(name).Do(func() {
				if err := e.Export(svc, key, &cfg); err != nil {
					logger.Error.Printf("Export of %s to %s failed: %v", key, name, err)
					return
				}
				logger.Info.Printf("Exported %s to %s", key, name)
			})
			if err != nil {
				return nil, fmt.Errorf("failed to schedule export: %w", err)
			}
		}
	}

	e.scheduler.StartAsync()
	return e, nil
}

func (e *GSheetExporter) Stop() {
	e.scheduler.Stop()
}

func (e *GSheetExporter) Export(svc *sheets.Service, key models.SheetKey, cfg *app.GSheetConfig) error {
	readRange := fmt.Sprintf("%s!%s", cfg.SheetName, cfg.StudentsRange)
	resp, err := svc.Spreadsheets.Values.Get(cfg.SheetID, readRange).Do()
	if err != nil {
		return fmt.Errorf("failed to read students: %w", err)
	}

	rows, assessment, variant, err := e.service.PublishedView(key)
	if err != nil {
		return fmt.Errorf("failed to load published marks: %w", err)
	}

	data := BuildUpdates(cfg, resp.Values, FromPublished(rows), Columns(assessment, variant), func(r Row) []string {
		return Values(r.Attainment, assessment)
	})
	if cfg.TimestampRange != "" {
		data = append(data, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!%s", cfg.SheetName, cfg.TimestampRange),
			Values: [][]interface{}{{fmt.Sprintf("UPD: %s", time.Now().Format("2 January 15:04"))}},
		})
	}

	_, err = svc.Spreadsheets.Values.BatchUpdate(cfg.SheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Do()
	if err != nil {
		return fmt.Errorf("failed to update sheet: %w", err)
	}
	return nil
}

// BuildUpdates matches the register numbers read from the students range with
// published rows and returns one header range plus one range per matched student.
func BuildUpdates(cfg *app.GSheetConfig, students [][]interface{}, rows []Row, columns []string, values func(Row) []string) []*sheets.ValueRange {
	byRegister := make(map[string]Row, len(rows))
	for _, r := range rows {
		byRegister[strings.TrimSpace(r.RegisterNo)] = r
		byRegister[strings.TrimSpace(r.StudentID)] = r
	}

	col := cfg.FirstColumn
	if col == "" {
		col = "D"
	}
	first := cfg.FirstRow
	if first <= 0 {
		first = 2
	}

	header := make([]interface{}, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	data := []*sheets.ValueRange{{
		Range:  fmt.Sprintf("%s!%s%d", cfg.SheetName, col, first-1),
		Values: [][]interface{}{header},
	}}

	for i, cells := range students {
		if len(cells) == 0 {
			continue
		}
		id, ok := cells[0].(string)
		if !ok {
			continue
		}
		r, ok := byRegister[strings.TrimSpace(id)]
		if !ok {
			continue
		}
		vals := values(r)
		line := make([]interface{}, len(vals))
		for j, v := range vals {
			line[j] = v
		}
		data = append(data, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!%s%d", cfg.SheetName, col, first+i),
			Values: [][]interface{}{line},
		})
	}
	return data
}
