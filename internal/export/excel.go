package export

import (
	"fmt"
	"io"

	"counselbook/internal/models"

	"github.com/samber/lo"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Bookings"

var headers = []string{
	"ID", "Date", "Start", "End", "Client", "Kind", "Status", "Payment", "Price", "Extension", "Rating", "Completed by",
}

// WriteBookings renders a provider's bookings for [from, to] as an xlsx workbook.
func WriteBookings(w io.Writer, from, to string, views []*models.BookingView) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Period: %s - %s", from, to))
	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.MergeCell(sheetName, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, h)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	row := 3
	for _, v := range views {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{
			v.ID, v.Date, v.StartTime, v.EndTime, v.UserID, v.Kind, v.Status, v.PaymentStatus,
			v.Price, v.ExtensionUsed, v.Rating, v.CompletedBy,
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", row, err)
		}
		row++
	}

	// Итоги по завершённым заявкам
	completed := lo.Filter(views, func(v *models.BookingView, _ int) bool {
		return v.Status == models.StatusCompleted
	})
	revenue := lo.SumBy(completed, func(v *models.BookingView) float64 { return v.Price })
	totalCell, _ := excelize.CoordinatesToCellName(1, row+1)
	totals := []interface{}{"Completed", len(completed), "", "", "", "", "", "Revenue", revenue}
	_ = f.SetSheetRow(sheetName, totalCell, &totals)

	_ = f.SetColWidth(sheetName, "A", lastCol, 14)
	_ = f.SetColWidth(sheetName, "E", "E", 24)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// FileName is the attachment name for an export of [from, to].
func FileName(from, to string) string {
	return fmt.Sprintf("bookings_%s_to_%s.xlsx", from, to)
}
