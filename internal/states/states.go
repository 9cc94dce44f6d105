// Package states resolves US state names, postal abbreviations and FIPS codes
// to the two-letter code the Census Bureau uses in PUMS file names.
package states

import (
	"strings"
	"unicode"

	"github.com/thesavant42/pumsfetch/internal/apperr"
)

// State is a single entry of the lookup table.
type State struct {
	Name string
	Abbr string // upper-case postal code, e.g. "CA"
	FIPS string // two-digit FIPS code, e.g. "06"
}

// Lower returns the lower-case abbreviation used in PUMS file names.
func (s State) Lower() string {
	return strings.ToLower(s.Abbr)
}

var table = []State{
	{"Alabama", "AL", "01"},
	{"Alaska", "AK", "02"},
	{"Arizona", "AZ", "04"},
	{"Arkansas", "AR", "05"},
	{"California", "CA", "06"},
	{"Colorado", "CO", "08"},
	{"Connecticut", "CT", "09"},
	{"Delaware", "DE", "10"},
	{"District of Columbia", "DC", "11"},
	{"Florida", "FL", "12"},
	{"Georgia", "GA", "13"},
	{"Hawaii", "HI", "15"},
	{"Idaho", "ID", "16"},
	{"Illinois", "IL", "17"},
	{"Indiana", "IN", "18"},
	{"Iowa", "IA", "19"},
	{"Kansas", "KS", "20"},
	{"Kentucky", "KY", "21"},
	{"Louisiana", "LA", "22"},
	{"Maine", "ME", "23"},
	{"Maryland", "MD", "24"},
	{"Massachusetts", "MA", "25"},
	{"Michigan", "MI", "26"},
	{"Minnesota", "MN", "27"},
	{"Mississippi", "MS", "28"},
	{"Missouri", "MO", "29"},
	{"Montana", "MT", "30"},
	{"Nebraska", "NE", "31"},
	{"Nevada", "NV", "32"},
	{"New Hampshire", "NH", "33"},
	{"New Jersey", "NJ", "34"},
	{"New Mexico", "NM", "35"},
	{"New York", "NY", "36"},
	{"North Carolina", "NC", "37"},
	{"North Dakota", "ND", "38"},
	{"Ohio", "OH", "39"},
	{"Oklahoma", "OK", "40"},
	{"Oregon", "OR", "41"},
	{"Pennsylvania", "PA", "42"},
	{"Rhode Island", "RI", "44"},
	{"South Carolina", "SC", "45"},
	{"South Dakota", "SD", "46"},
	{"Tennessee", "TN", "47"},
	{"Texas", "TX", "48"},
	{"Utah", "UT", "49"},
	{"Vermont", "VT", "50"},
	{"Virginia", "VA", "51"},
	{"Washington", "WA", "53"},
	{"West Virginia", "WV", "54"},
	{"Wisconsin", "WI", "55"},
	{"Wyoming", "WY", "56"},
	{"Puerto Rico", "PR", "72"},
}

var (
	byAbbr = make(map[string]State, len(table))
	byName = make(map[string]State, len(table))
	byFIPS = make(map[string]State, len(table))
)

func init() {
	for _, s := range table {
		byAbbr[s.Abbr] = s
		byName[nameKey(s.Name)] = s
		byFIPS[s.FIPS] = s
	}
}

// nameKey folds case and drops everything but letters, so "new york",
// "New-York" and "NEWYORK" share a key.
func nameKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}

// Lookup resolves a postal abbreviation, a full name or a FIPS code.
func Lookup(input string) (State, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return State{}, apperr.New(apperr.ErrValidation, "state cannot be empty")
	}

	if len(input) == 2 {
		if s, ok := byAbbr[strings.ToUpper(input)]; ok {
			return s, nil
		}
		if s, ok := byFIPS[input]; ok {
			return s, nil
		}
	}
	if len(input) == 1 && input[0] >= '0' && input[0] <= '9' {
		if s, ok := byFIPS["0"+input]; ok {
			return s, nil
		}
	}

	if s, ok := byName[nameKey(input)]; ok {
		return s, nil
	}

	return State{}, apperr.Newf(apperr.ErrValidation, "unknown state %q", input)
}

// All returns every known state in FIPS order.
func All() []State {
	out := make([]State, len(table))
	copy(out, table)
	return out
}
