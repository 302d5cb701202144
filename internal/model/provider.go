package model

import (
	"fmt"
	"strings"
)

type Provider string

const (
	ProviderAWS Provider = "AWS"
	ProviderGCP Provider = "GCP"
)

// ParseProvider accepts a provider name in any case.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToUpper(strings.TrimSpace(s))) {
	case ProviderAWS:
		return ProviderAWS, nil
	case ProviderGCP:
		return ProviderGCP, nil
	}
	return "", Errorf(KindValidation, "provider", "unsupported provider %q", s)
}

// Slug is the lower case name used by prowler sub-commands and file names.
func (p Provider) Slug() string {
	return strings.ToLower(string(p))
}

func (p Provider) Valid() bool {
	return p == ProviderAWS || p == ProviderGCP
}

func (p Provider) String() string {
	return string(p)
}

// AllRegions is the AWS target which scans every enabled region.
const AllRegions = "all"

// Options are forwarded to the scanner.
type Options struct {
	Checks []string `json:"checks,omitempty"`
	Group  string   `json:"group,omitempty"`
}

// AWSKeys is a static AWS access key pair.
type AWSKeys struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

func (k AWSKeys) Valid() bool {
	return k.AccessKeyID != "" && k.SecretAccessKey != ""
}

// String never prints the secret.
func (k AWSKeys) String() string {
	return fmt.Sprintf("AWSKeys{AccessKeyID: %q, SecretAccessKey: <redacted>}", k.AccessKeyID)
}

// CredentialRef tells where the credential of a scan comes from. At most one
// of KeyID, Content and AWS is set; a zero value means the credential
// configured in the environment.
type CredentialRef struct {
	KeyID   string   `json:"keyId,omitempty"`
	Content []byte   `json:"-"`
	AWS     *AWSKeys `json:"-"`
}

func (r CredentialRef) IsZero() bool {
	return r.KeyID == "" && len(r.Content) == 0 && r.AWS == nil
}

// ScanRequest is immutable once submitted.
type ScanRequest struct {
	Provider   Provider      `json:"provider"`
	Target     string        `json:"target"`
	Options    Options       `json:"options"`
	Credential CredentialRef `json:"credential"`
}
