// Package report renders booking exports for administrators.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ridebook/internal/models"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Bookings"

var headers = []string{
	"ID", "Status", "Service", "Passenger", "Phone", "Driver", "Pickup", "Dropoff",
	"Passengers", "Amount", "Currency", "Method", "Payment", "Created", "Updated",
}

// Exporter builds xlsx workbooks of bookings.
type Exporter struct {
	dir string
}

func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir}
}

// WriteBookings writes a workbook for the period to w.
func (e *Exporter) WriteBookings(w io.Writer, from, to time.Time, bookings []*models.Booking) error {
	f, err := build(from, to, bookings)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// SaveBookings stores the workbook under the export directory and returns its path.
func (e *Exporter) SaveBookings(from, to time.Time, bookings []*models.Booking) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f, err := build(from, to, bookings)
	if err != nil {
		return "", err
	}
	defer f.Close()

	filePath := filepath.Join(e.dir, FileName(from, to))
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}
	return filePath, nil
}

// FileName is the export file name for the period.
func FileName(from, to time.Time) string {
	return fmt.Sprintf("bookings_%s_to_%s.xlsx", from.Format("2006-01-02"), to.Format("2006-01-02"))
}

func build(from, to time.Time, bookings []*models.Booking) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	lastCol, _ := excelize.ColumnNumberToName(len(headers))

	// Период
	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Period: %s - %s", from.Format("02.01.2006"), to.Format("02.01.2006")))
	_ = f.MergeCell(sheetName, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, h)
	}
	_ = f.SetCellStyle(sheetName, "A2", lastCol+"2", headerStyle)

	var total int64
	for i, b := range bookings {
		row := i + 3
		if err := f.SetSheetRow(sheetName, fmt.Sprintf("A%d", row), &[]interface{}{
			b.ID,
			string(b.Status),
			b.ServiceType,
			b.User.Name,
			b.User.Phone,
			driverName(b),
			b.PickupLocation,
			b.DropoffLocation,
			b.Passengers.Total(),
			float64(b.Payment.Amount) / 100,
			b.Payment.Currency,
			b.Payment.Method,
			string(b.Payment.Status),
			b.CreatedAt.UTC().Format("2006-01-02 15:04"),
			b.UpdatedAt.UTC().Format("2006-01-02 15:04"),
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if b.Payment.Status == models.PaymentCompleted {
			total += b.Payment.Amount
		}
	}

	// Итог по оплаченным поездкам
	summaryRow := len(bookings) + 4
	_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", summaryRow), "Collected")
	_ = f.SetCellValue(sheetName, fmt.Sprintf("J%d", summaryRow), float64(total)/100)

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", lastCol, 16)
	_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 2, TopLeftCell: "A3", ActivePane: "bottomLeft"})

	return f, nil
}

func driverName(b *models.Booking) string {
	if b.AssignedDriver == nil {
		return ""
	}
	if b.AssignedDriver.Name != "" {
		return b.AssignedDriver.Name
	}
	return b.AssignedDriver.ID
}
