// Package export renders tabular operator data for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
)

// Table is a header row followed by records of the same width.
type Table struct {
	Headers []string
	Rows    [][]string
}

// WriteCSV streams t to w. Short rows are padded and long rows rejected so
// every record lines up with the header.
func WriteCSV(w io.Writer, t Table) error {
	if len(t.Headers) == 0 {
		return fmt.Errorf("csv requires at least one header")
	}
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Headers); err != nil {
		return fmt.Errorf("write csv headers: %w", err)
	}
	for i, row := range t.Rows {
		if len(row) > len(t.Headers) {
			return fmt.Errorf("csv row %d has %d fields, want %d", i, len(row), len(t.Headers))
		}
		record := make([]string, len(t.Headers))
		copy(record, row)
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
