// Package export renders stored scans as CSV or CycloneDX documents.
package export

import (
	"encoding/csv"
	"io"

	"github.com/rohioffl/cloudscan/internal/model"
)

// WriteCSV writes one row per finding. The header is the union of the
// finding keys in order of first appearance, nested values are written as
// JSON.
func WriteCSV(w io.Writer, scan model.ScanResult) error {
	var header []string
	seen := make(map[string]int)
	for _, f := range scan.Findings {
		for _, k := range f.Keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = len(header)
				header = append(header, k)
			}
		}
	}

	if len(header) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, f := range scan.Findings {
		clear(row)
		for _, k := range f.Keys() {
			row[seen[k]] = f.String(k)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
