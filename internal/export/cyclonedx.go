package export

import (
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/rohioffl/cloudscan/internal/model"
)

var version = "unknown"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
}

// Builder collects the account, resources and failed checks of a scan into
// a CycloneDX vulnerability report.
type Builder struct {
	scan            model.ScanResult
	components      []cdx.Component
	vulnerabilities []cdx.Vulnerability
	refs            map[string]string
}

func NewBuilder(scan model.ScanResult) *Builder {
	b := &Builder{
		scan: scan,
		// must not be null in the JSON schema
		components:      []cdx.Component{},
		vulnerabilities: []cdx.Vulnerability{},
		refs:            make(map[string]string),
	}
	b.addComponent(accountRef(scan), scan.AccountID, []cdx.Property{
		{Name: "cloudscan:provider", Value: scan.Provider.String()},
		{Name: "cloudscan:region", Value: scan.Region},
		{Name: "cloudscan:target", Value: scan.Target},
	})
	for i, f := range scan.Findings {
		if passed(f.Status()) {
			continue
		}
		b.appendFinding(i, f)
	}
	return b
}

func accountRef(scan model.ScanResult) string {
	return "account/" + scan.Provider.Slug() + "/" + scan.AccountID
}

func (b *Builder) addComponent(ref, name string, props []cdx.Property) string {
	if existing, ok := b.refs[ref]; ok {
		return existing
	}
	b.refs[ref] = ref
	b.components = append(b.components, cdx.Component{
		BOMRef:     ref,
		Type:       cdx.ComponentTypePlatform,
		Name:       name,
		Properties: &props,
	})
	return ref
}

func (b *Builder) appendFinding(i int, f model.Finding) {
	affected := accountRef(b.scan)
	if res := f.ResourceID(); res != "" {
		affected = b.addComponent("resource/"+res, res, []cdx.Property{
			{Name: "cloudscan:region", Value: firstNonEmpty(f.Region(), b.scan.Region)},
		})
	}

	id := f.CheckID()
	if id == "" {
		id = fmt.Sprintf("finding-%d", i)
	}
	props := []cdx.Property{
		{Name: "cloudscan:status", Value: f.Status()},
	}
	if title := f.Title(); title != "" {
		props = append(props, cdx.Property{Name: "cloudscan:title", Value: title})
	}
	b.vulnerabilities = append(b.vulnerabilities, cdx.Vulnerability{
		BOMRef:         fmt.Sprintf("finding/%d", i),
		ID:             id,
		Source:         &cdx.Source{Name: "prowler", URL: "https://github.com/prowler-cloud/prowler"},
		Ratings:        &[]cdx.VulnerabilityRating{{Severity: severity(f.Severity()), Method: cdx.ScoringMethodOther}},
		Description:    f.Description(),
		Recommendation: f.Remediation(),
		Affects:        &[]cdx.Affects{{Ref: affected}},
		Properties:     &props,
	})
}

// BOM returns the report.
func (b *Builder) BOM() cdx.BOM {
	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    cdx.BOMFormat,
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.NewString(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: b.scan.Date.UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{Phase: cdx.LifecyclePhaseOperations},
			},
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "cloudscan",
				Version: version,
			},
		},
		Components:      &b.components,
		Vulnerabilities: &b.vulnerabilities,
	}
}

// WriteCycloneDX encodes the report of scan as JSON.
func WriteCycloneDX(w io.Writer, scan model.ScanResult) error {
	bom := NewBuilder(scan).BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

func passed(status string) bool {
	switch strings.ToUpper(status) {
	case "PASS", "PASSED":
		return true
	}
	return false
}

func severity(s string) cdx.Severity {
	switch s {
	case "critical":
		return cdx.SeverityCritical
	case "high":
		return cdx.SeverityHigh
	case "medium":
		return cdx.SeverityMedium
	case "low":
		return cdx.SeverityLow
	case "informational", "info":
		return cdx.SeverityInfo
	}
	return cdx.SeverityUnknown
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
