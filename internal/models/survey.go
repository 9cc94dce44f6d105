package models

import "fmt"

// SurveyLength is the aggregation window of an ACS estimate
type SurveyLength int

const (
	OneYear   SurveyLength = 1
	ThreeYear SurveyLength = 3
	FiveYear  SurveyLength = 5
)

// String renders the length the way the Census server names directories
func (l SurveyLength) String() string {
	return fmt.Sprintf("%d-Year", int(l))
}

// SampleUnit selects person-level or household-level records
type SampleUnit byte

const (
	Person    SampleUnit = 'p'
	Household SampleUnit = 'h'
)

// String returns the unit's long name
func (u SampleUnit) String() string {
	switch u {
	case Person:
		return "person"
	case Household:
		return "household"
	default:
		return fmt.Sprintf("unit(%c)", byte(u))
	}
}

// SurveyRequest describes one PUMS file on the Census server.
// Year may be given as two digits (0-19); State is a name, abbreviation or FIPS code.
type SurveyRequest struct {
	Year   int
	Length SurveyLength
	Unit   SampleUnit
	State  string
}

// ResolvedURL is the outcome of resolving a SurveyRequest
type ResolvedURL struct {
	URL       string
	Year      int          // normalized four-digit year
	Requested SurveyLength // length asked for
	Effective SurveyLength // length actually served after availability rules
	Segment   string       // "" or "N-Year/"
	Unit      SampleUnit
	StateAbbr string // lower-case two-letter code
	Filename  string // csv_{unit}{state}.zip
	Notice    string // non-empty when the requested length was substituted
}

// YearSuffix returns the last two digits of the year, e.g. "18"
func (r ResolvedURL) YearSuffix() string {
	return fmt.Sprintf("%02d", r.Year%100)
}
