package textextract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var spreadsheetMimeTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel":                                         true,
}

type spreadsheetExtractor struct{}

func (spreadsheetExtractor) Accepts(mimeType string) bool {
	return spreadsheetMimeTypes[mimeType]
}

func (spreadsheetExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("textextract: opening spreadsheet: %w", err)
	}
	defer wb.Close()

	var sheets []string
	for _, name := range wb.GetSheetList() {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		rows, err := wb.GetRows(name)
		if err != nil || len(rows) == 0 {
			continue
		}
		var body strings.Builder
		body.WriteString("# " + name + "\n\n")
		for _, row := range rows {
			body.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheets = append(sheets, strings.TrimSpace(body.String()))
	}
	return strings.Join(sheets, "\n\n"), nil
}
