package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rohioffl/cloudscan/internal/model"
)

// parseASFF decodes a JSON array of ASFF findings one element at a time.
func parseASFF(r io.Reader) ([]model.Finding, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch tok {
	case nil:
		return nil, nil
	case json.Delim('['):
	default:
		return nil, fmt.Errorf("expected a JSON array, got %v", tok)
	}

	var findings []model.Finding
	for dec.More() {
		var f model.Finding
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("finding %d: %w", len(findings), err)
		}
		findings = append(findings, f)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return findings, nil
}
