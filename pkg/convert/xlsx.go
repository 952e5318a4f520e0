package convert

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

func convertXLSX(filePath string) (string, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var sections []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		sections = append(sections, "## "+sheet+"\n\n"+renderTable(rows[0], rows[1:]))
	}
	return strings.Join(sections, "\n"), nil
}
