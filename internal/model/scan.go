package model

import "time"

// Unknown is used for envelope fields a scan does not report.
const Unknown = "unknown"

// ScanResult is the normalized output of one successful job.
type ScanResult struct {
	ID        string    `json:"id"`
	Provider  Provider  `json:"provider"`
	Date      time.Time `json:"date"`
	AccountID string    `json:"accountId"`
	Region    string    `json:"region"`
	Target    string    `json:"target"`
	Findings  []Finding `json:"findings"`
}

// ScanSummary is the envelope of a ScanResult used by history listings.
type ScanSummary struct {
	ID            string    `json:"id"`
	Provider      Provider  `json:"provider"`
	Date          time.Time `json:"date"`
	AccountID     string    `json:"accountId"`
	Region        string    `json:"region"`
	Target        string    `json:"target"`
	FindingsCount int       `json:"findingsCount"`
}

func (s ScanResult) Summary() ScanSummary {
	return ScanSummary{
		ID:            s.ID,
		Provider:      s.Provider,
		Date:          s.Date,
		AccountID:     s.AccountID,
		Region:        s.Region,
		Target:        s.Target,
		FindingsCount: len(s.Findings),
	}
}
