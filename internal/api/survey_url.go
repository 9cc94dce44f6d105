package api

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"github.com/thesavant42/pumsfetch/internal/models"
	"github.com/thesavant42/pumsfetch/internal/states"
)

const (
	// DefaultSurveysBaseURL is the root of the Census Bureau's survey file tree
	DefaultSurveysBaseURL = "https://www2.census.gov/programs-surveys/"

	pumsPath = "acs/data/pums"

	minYear = 2000
	maxYear = 2019
)

// era describes which survey lengths the Census server publishes for a span of years.
// bare means the era has no "N-Year/" directory at all.
type era struct {
	from, to  int
	available []models.SurveyLength
	fallback  models.SurveyLength
	bare      bool
	notice    string // format string, receives the year
}

// eras is the single source of truth for product availability
var eras = []era{
	{
		from: minYear, to: 2006,
		available: []models.SurveyLength{models.OneYear},
		fallback:  models.OneYear,
		bare:      true,
		notice:    "Prior to 2007, only 1-Year ACS are available, defaulting to 1-Year",
	},
	{
		from: 2007, to: 2008,
		available: []models.SurveyLength{models.OneYear, models.ThreeYear},
		fallback:  models.ThreeYear,
		notice:    "There is no 5-Year ACS for %d, defaulting to 3-Year",
	},
	{
		from: 2009, to: 2013,
		available: []models.SurveyLength{models.OneYear, models.ThreeYear, models.FiveYear},
	},
	{
		from: 2014, to: maxYear,
		available: []models.SurveyLength{models.OneYear, models.FiveYear},
		fallback:  models.FiveYear,
		notice:    "There is no 3-Year ACS for %d, defaulting to 5-Year",
	},
}

func (e era) offers(length models.SurveyLength) bool {
	for _, l := range e.available {
		if l == length {
			return true
		}
	}
	return false
}

// NormalizeYear maps two-digit years 0-19 onto 2000-2019 and rejects
// anything outside [2000, 2019]
func NormalizeYear(year int) (int, error) {
	if year >= 0 && year <= 19 {
		year += 2000
	}
	if year < minYear || year > maxYear {
		return 0, apperr.Newf(apperr.ErrValidation, "year must be between %d and %d, got %d", minYear, maxYear, year)
	}
	return year, nil
}

// ParseSurveyLength reads free text such as "5-year", "3" or "1-Year".
// Anything without a 5 or a 3 is treated as 1-year.
func ParseSurveyLength(text string) models.SurveyLength {
	switch {
	case strings.Contains(text, "5"):
		return models.FiveYear
	case strings.Contains(text, "3"):
		return models.ThreeYear
	default:
		return models.OneYear
	}
}

// ParseSampleUnit reads the first character of text: 'p' for person, 'h' for household
func ParseSampleUnit(text string) (models.SampleUnit, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return 0, apperr.New(apperr.ErrValidation, "sample unit cannot be empty")
	}
	switch text[0] {
	case 'p':
		return models.Person, nil
	case 'h':
		return models.Household, nil
	default:
		return 0, apperr.Newf(apperr.ErrValidation, "sample unit must be person or household, got %q", text)
	}
}

// SurveySegment applies the availability rules for a normalized year.
// It returns the URL path segment ("" or "N-Year/"), the length actually
// served, and a notice when the requested length had to be substituted.
func SurveySegment(year int, requested models.SurveyLength) (segment string, effective models.SurveyLength, notice string) {
	effective = requested
	for _, e := range eras {
		if year < e.from || year > e.to {
			continue
		}
		if !e.offers(requested) {
			effective = e.fallback
			notice = e.notice
			if strings.Contains(notice, "%d") {
				notice = fmt.Sprintf(notice, year)
			}
		}
		if e.bare {
			return "", effective, notice
		}
		break
	}
	return effective.String() + "/", effective, notice
}

// URLResolver turns SurveyRequests into download URLs
type URLResolver struct {
	baseURL string
	logger  *log.Logger
}

// NewURLResolver creates a resolver rooted at baseURL (DefaultSurveysBaseURL if empty)
func NewURLResolver(baseURL string, logger *log.Logger) *URLResolver {
	if baseURL == "" {
		baseURL = DefaultSurveysBaseURL
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &URLResolver{baseURL: baseURL, logger: logger}
}

// Resolve validates the request and builds the URL of its zip file.
// Availability substitutions are logged and reported in Notice; they are not errors.
func (r *URLResolver) Resolve(req models.SurveyRequest) (models.ResolvedURL, error) {
	year, err := NormalizeYear(req.Year)
	if err != nil {
		return models.ResolvedURL{}, err
	}

	state, err := states.Lookup(req.State)
	if err != nil {
		return models.ResolvedURL{}, err
	}

	unit := req.Unit
	if unit != models.Person && unit != models.Household {
		return models.ResolvedURL{}, apperr.Newf(apperr.ErrValidation, "invalid sample unit %q", byte(unit))
	}

	requested := req.Length
	if requested == 0 {
		requested = models.OneYear
	}
	segment, effective, notice := SurveySegment(year, requested)
	if notice != "" {
		r.logger.Info(notice, "year", year, "requested", requested.String())
	}

	base, err := url.Parse(r.baseURL)
	if err != nil {
		return models.ResolvedURL{}, apperr.Newf(apperr.ErrValidation, "invalid base URL %q: %v", r.baseURL, err)
	}

	filename := fmt.Sprintf("csv_%c%s.zip", byte(unit), state.Lower())
	base.Path = collapseSlashes(fmt.Sprintf("%s/%s/%d/%s%s", base.Path, pumsPath, year, segment, filename))

	return models.ResolvedURL{
		URL:       base.String(),
		Year:      year,
		Requested: requested,
		Effective: effective,
		Segment:   segment,
		Unit:      unit,
		StateAbbr: state.Lower(),
		Filename:  filename,
		Notice:    notice,
	}, nil
}

// collapseSlashes folds every run of '/' into one
func collapseSlashes(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	prev := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prev {
				continue
			}
			prev = true
		} else {
			prev = false
		}
		b.WriteByte(c)
	}
	return b.String()
}
