// Package normalize turns prowler artifacts into model.ScanResult values.
package normalize

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rohioffl/cloudscan/internal/model"
)

type Normalizer struct {
	now   func() time.Time
	newID func() string
}

type Option func(*Normalizer)

func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

func WithIDs(newID func() string) Option {
	return func(n *Normalizer) {
		n.newID = newID
	}
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Parse reads the artifact of a provider. Only a missing, unreadable or
// malformed artifact is an error (model.KindParse); an artifact without
// findings yields a result with unknown account.
func (n *Normalizer) Parse(provider model.Provider, path, target string) (model.ScanResult, error) {
	op := "normalize." + provider.Slug()
	f, err := os.Open(path)
	if err != nil {
		return model.ScanResult{}, model.E(model.KindParse, op, err)
	}
	defer func() {
		_ = f.Close()
	}()

	var findings []model.Finding
	switch provider {
	case model.ProviderAWS:
		findings, err = parseASFF(f)
	case model.ProviderGCP:
		findings, err = parseCSV(f)
	default:
		err = fmt.Errorf("unsupported provider %q", provider)
	}
	if err != nil {
		return model.ScanResult{}, model.E(model.KindParse, op, fmt.Errorf("%s: %w", path, err))
	}
	if findings == nil {
		findings = []model.Finding{}
	}

	res := model.ScanResult{
		ID:        n.newID(),
		Provider:  provider,
		Date:      n.now().UTC(),
		AccountID: model.Unknown,
		Region:    defaultRegion(provider, target),
		Target:    target,
		Findings:  findings,
	}
	if len(findings) > 0 {
		first := findings[0]
		if v := first.AccountID(); v != "" {
			res.AccountID = v
		}
		if v := first.Region(); v != "" {
			res.Region = v
		}
	}
	return res, nil
}

func defaultRegion(provider model.Provider, target string) string {
	switch {
	case provider == model.ProviderGCP:
		return "global"
	case target != "":
		return target
	default:
		return model.Unknown
	}
}
