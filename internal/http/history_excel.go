package httpapi

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/xuri/excelize/v2"
)

const historySheet = "History"

// HistoryExportHeader lists the fixed leading columns. Any other telemetry
// field found in the history follows, sorted by name.
var HistoryExportHeader = []string{
	"Received At",
	"Device Timestamp",
	"Impact Count",
	"Impact Magnitude",
	"Fall Detected",
	"Button Pressed",
}

var fixedColumnFields = map[string]string{
	"Received At":      models.FieldReceivedAt,
	"Device Timestamp": models.FieldTimestamp,
	"Impact Count":     models.FieldImpactCount,
	"Impact Magnitude": models.FieldImpactMagnitude,
	"Fall Detected":    models.FieldFallDetected,
	"Button Pressed":   models.FieldButtonPressed,
}

// GenerateHistoryExport renders history (newest first) as an xlsx workbook.
func GenerateHistoryExport(mac string, history []models.Telemetry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	extra := extraColumns(history)
	headers := append(append([]string{}, HistoryExportHeader...), extra...)

	if err := f.SetCellValue(historySheet, "A1", "Device"); err != nil {
		return nil, err
	}
	if err := f.SetCellValue(historySheet, "B1", mac); err != nil {
		return nil, err
	}

	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(historySheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(historySheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(historySheet, name, name, 20); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for rowIdx, entry := range history {
		row := rowIdx + 3
		for col, header := range headers {
			field, ok := fixedColumnFields[header]
			if !ok {
				field = header
			}
			value := cellValue(field, entry[field])
			if value == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(historySheet, cell, value); err != nil {
				return nil, fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func extraColumns(history []models.Telemetry) []string {
	known := map[string]bool{}
	for _, field := range fixedColumnFields {
		known[field] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, entry := range history {
		for k := range entry {
			if known[k] || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func cellValue(field string, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		if field == models.FieldReceivedAt {
			return time.UnixMilli(int64(val)).UTC().Format(time.RFC3339)
		}
		return val
	case bool, string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func exportFileName(mac string) string {
	return fmt.Sprintf("history-%s.xlsx", strings.ReplaceAll(mac, ":", ""))
}
