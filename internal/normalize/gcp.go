package normalize

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/rohioffl/cloudscan/internal/model"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// parseCSV reads the ';' separated prowler CSV. Each row becomes a finding
// keyed by the header names.
func parseCSV(r io.Reader) ([]model.Finding, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(len(bom)); err == nil && bytes.Equal(b, bom) {
		_, _ = br.Discard(len(bom))
	}

	cr := csv.NewReader(br)
	cr.Comma = ';'
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var findings []model.Finding
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		var f model.Finding
		for i, key := range header {
			f.Set(key, row[i])
		}
		findings = append(findings, f)
	}
	return findings, nil
}
