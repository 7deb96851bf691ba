package model

import "time"

// CitationStatus is the closed validation outcome for one normalized source
// reference. A later, noisier validation attempt never downgrades a
// confirmed status.
type CitationStatus string

const (
	CitationValid     CitationStatus = "valid"
	CitationPaywalled CitationStatus = "paywalled"
	CitationBlocked   CitationStatus = "blocked"
	CitationMismatch  CitationStatus = "mismatch"
	CitationInvalid   CitationStatus = "invalid"
)

// Valid reports whether s is a member of the five-value enum.
func (s CitationStatus) Valid() bool {
	switch s {
	case CitationValid, CitationPaywalled, CitationBlocked, CitationMismatch, CitationInvalid:
		return true
	}
	return false
}

// Validated reports whether the reference counts toward the validated rate.
func (s CitationStatus) Validated() bool {
	return s == CitationValid || s == CitationPaywalled
}

// Provenance points at the upstream task and artifact that produced a
// reference.
type Provenance struct {
	Perspective string `json:"perspective"`
	Artifact    string `json:"artifact"`
}

// CitationRecord is one validated source reference, keyed by normalized URL.
// Records are immutable once written; corrections append a fresh record.
type CitationRecord struct {
	CID         string         `json:"cid"`
	URL         string         `json:"url"` // normalized form, credential values redacted
	URLOriginal string         `json:"url_original"`
	Status      CitationStatus `json:"status"`
	CheckedAt   time.Time      `json:"checked_at"`
	Title       string         `json:"title,omitempty"`
	Publisher   string         `json:"publisher,omitempty"`
	Snippet     string         `json:"snippet,omitempty"`
	FoundBy     []Provenance   `json:"found_by"`
}
