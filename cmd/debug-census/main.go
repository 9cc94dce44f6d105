// Debug tool to print every PUMS URL the resolver builds for one state
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"
	"github.com/thesavant42/pumsfetch/internal/api"
	"github.com/thesavant42/pumsfetch/internal/models"
)

func main() {
	state := flag.String("state", "California", "state name, abbreviation or FIPS code")
	unitFlag := flag.String("sample-unit", "person", "person or household")
	baseURL := flag.String("base-url", api.DefaultSurveysBaseURL, "surveys base URL")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.DebugLevel,
		ReportTimestamp: true,
	})

	unit, err := api.ParseSampleUnit(*unitFlag)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	domain, err := api.RegistrableDomain(*baseURL)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Base: %s (%s)\n", *baseURL, domain)

	resolver := api.NewURLResolver(*baseURL, logger)
	lengths := []models.SurveyLength{models.OneYear, models.ThreeYear, models.FiveYear}

	for year := 2000; year <= 2019; year++ {
		fmt.Printf("\n--- %d ---\n", year)
		for _, length := range lengths {
			resolved, err := resolver.Resolve(models.SurveyRequest{
				Year: year, Length: length, Unit: unit, State: *state,
			})
			if err != nil {
				fmt.Printf("ERROR: %v\n", err)
				os.Exit(1)
			}

			marker := " "
			if resolved.Effective != length {
				marker = "*"
			}
			fmt.Printf("  %s %-7s -> %s\n", marker, length, resolved.URL)
			if resolved.Notice != "" {
				fmt.Printf("      %s\n", resolved.Notice)
			}
		}
	}
}
