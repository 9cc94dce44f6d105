package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/thesavant42/pumsfetch/internal/api"
	"github.com/thesavant42/pumsfetch/internal/models"
	"github.com/thesavant42/pumsfetch/internal/states"
)

// FetchInput is everything the interactive prompt collects
type FetchInput struct {
	Request models.SurveyRequest
	Extract bool
}

// sanitizeInput removes null bytes and other invisible control characters from input
func sanitizeInput(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 || (r < 32 && r != '\t' && r != '\n' && r != '\r') {
			return -1
		}
		return r
	}, s)
}

// validateYear accepts a two- or four-digit survey year
func validateYear(s string) error {
	s = strings.TrimSpace(sanitizeInput(s))
	if s == "" {
		return fmt.Errorf("year cannot be empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("year must be a number")
	}
	if _, err := api.NormalizeYear(n); err != nil {
		return fmt.Errorf("year must be 2000-2019 or 00-19")
	}
	return nil
}

func stateOptions() []huh.Option[string] {
	all := states.All()
	opts := make([]huh.Option[string], 0, len(all))
	for _, s := range all {
		opts = append(opts, huh.NewOption(fmt.Sprintf("%s (%s)", s.Name, s.Abbr), s.Abbr))
	}
	return opts
}

// PromptForRequest asks for each fetch option, starting from defaults
func PromptForRequest(defaults FetchInput) (FetchInput, error) {
	yearInput := strconv.Itoa(defaults.Request.Year)
	length := defaults.Request.Length
	unit := defaults.Request.Unit
	extract := defaults.Extract

	stateAbbr := "CA"
	if s, err := states.Lookup(defaults.Request.State); err == nil {
		stateAbbr = s.Abbr
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Survey year").
				Description("2000-2019; two digits are accepted").
				Placeholder("2018").
				Value(&yearInput).
				Validate(validateYear),
			huh.NewSelect[string]().
				Title("State").
				Options(stateOptions()...).
				Height(10).
				Value(&stateAbbr),
		),
		huh.NewGroup(
			huh.NewSelect[models.SurveyLength]().
				Title("Survey length").
				Description("Unavailable lengths fall back to the nearest published product").
				Options(
					huh.NewOption("1-Year", models.OneYear),
					huh.NewOption("3-Year", models.ThreeYear),
					huh.NewOption("5-Year", models.FiveYear),
				).
				Value(&length),
			huh.NewSelect[models.SampleUnit]().
				Title("Sample unit").
				Options(
					huh.NewOption("Person records", models.Person),
					huh.NewOption("Household records", models.Household),
				).
				Value(&unit),
			huh.NewConfirm().
				Title("Extract after download?").
				Affirmative("Yes").
				Negative("No").
				Value(&extract),
		),
	).WithTheme(NewAppTheme())

	if err := form.Run(); err != nil {
		return defaults, fmt.Errorf("prompt cancelled: %w", err)
	}

	year, _ := strconv.Atoi(strings.TrimSpace(sanitizeInput(yearInput)))
	return FetchInput{
		Request: models.SurveyRequest{
			Year:   year,
			Length: length,
			Unit:   unit,
			State:  stateAbbr,
		},
		Extract: extract,
	}, nil
}
