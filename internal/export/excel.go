// Package export renders reservations into Excel workbooks.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"seminarhall/internal/models"
	"seminarhall/internal/slots"

	"github.com/xuri/excelize/v2"
)

const (
	SheetName       = "Reservations"
	timestampLayout = "02.01.2006 15:04"
)

var headers = []string{
	"Reservation ID", "Hall Name", "Hall Location", "Reason", "Date",
	"Period", "Status", "Rejection Reason", "Created At", "Updated At",
}

// ExcelExporter builds one sheet with a row per reservation.
type ExcelExporter struct {
	calendar *slots.Calendar
	dir      string
}

// NewExcelExporter archives copies under dir when it is not empty.
func NewExcelExporter(calendar *slots.Calendar, dir string) *ExcelExporter {
	if calendar == nil {
		calendar = slots.Default()
	}
	return &ExcelExporter{calendar: calendar, dir: dir}
}

// Write streams the workbook to w. Halls missing from halls are rendered by id.
func (e *ExcelExporter) Write(w io.Writer, reservations []*models.Reservation, halls map[string]*models.Resource) error {
	f, err := e.build(reservations, halls)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// Save stores the workbook in the export directory and returns its path.
func (e *ExcelExporter) Save(reservations []*models.Reservation, halls map[string]*models.Resource, now time.Time) (string, error) {
	if e.dir == "" {
		return "", fmt.Errorf("export directory is not configured")
	}
	// Создаем папку для экспорта, если не существует
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := e.build(reservations, halls)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(e.dir, fmt.Sprintf("reservations_%s.xlsx", now.Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return path, nil
}

func (e *ExcelExporter) build(reservations []*models.Reservation, halls map[string]*models.Resource) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
		_ = f.SetCellStyle(SheetName, cell, cell, headerStyle)
	}

	for i, r := range reservations {
		name, location := r.ResourceID, ""
		if hall, ok := halls[r.ResourceID]; ok {
			name, location = hall.Name, hall.Location
		}

		period := fmt.Sprintf("%d", r.Period)
		if label := e.calendar.Label(r.Period); label != "" {
			period = fmt.Sprintf("%d (%s)", r.Period, label)
		}

		row := []interface{}{
			r.ID,
			name,
			location,
			r.Reason,
			r.Date.Time().Format("02.01.2006"),
			period,
			string(r.Status),
			r.RejectionReason,
			r.CreatedAt.Format(timestampLayout),
			r.UpdatedAt.Format(timestampLayout),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 40)
	_ = f.SetColWidth(SheetName, "B", "J", 20)
	return f, nil
}
