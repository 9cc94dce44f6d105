// pumsfetch downloads American Community Survey PUMS files from the Census
// Bureau, extracts them into a local data tree, and previews their tables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"
	"github.com/thesavant42/pumsfetch/internal/api"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"github.com/thesavant42/pumsfetch/internal/config"
	"github.com/thesavant42/pumsfetch/internal/db"
	"github.com/thesavant42/pumsfetch/internal/models"
	"github.com/thesavant42/pumsfetch/internal/pipeline"
	"github.com/thesavant42/pumsfetch/internal/table"
	"github.com/thesavant42/pumsfetch/internal/ui"
	"golang.org/x/term"
)

const historyLimit = 20

type options struct {
	year          int
	state         string
	survey        string
	sampleUnit    string
	dataDir       string
	configPath    string
	extract       bool
	overwrite     bool
	urlOnly       bool
	table         bool
	fromExtracted bool
	preview       int
	interactive   bool
	history       bool
	logLevel      string
}

func parseFlags() *options {
	o := &options{}
	flag.IntVar(&o.year, "year", 2018, "survey year, 2000-2019 (two digits accepted)")
	flag.StringVar(&o.state, "state", "California", "state name, postal abbreviation or FIPS code")
	flag.StringVar(&o.survey, "survey", "1-year", "survey length: 1-year, 3-year or 5-year")
	flag.StringVar(&o.sampleUnit, "sample-unit", "person", "person or household records")
	flag.StringVar(&o.dataDir, "data-dir", "", "root of the raw/ and interim/ data tree")
	flag.StringVar(&o.configPath, "config", "", "YAML configuration file")
	flag.BoolVar(&o.extract, "extract", true, "extract the archive after downloading")
	flag.BoolVar(&o.overwrite, "overwrite", false, "download again even if the archive exists")
	flag.BoolVar(&o.urlOnly, "url-only", false, "print the resolved URL and exit")
	flag.BoolVar(&o.table, "table", false, "load the CSV as a table and preview it instead of fetching")
	flag.BoolVar(&o.fromExtracted, "from-extracted", false, "with --table, read the previously extracted CSV")
	flag.IntVar(&o.preview, "preview", 5, "rows to show with --table")
	flag.BoolVarP(&o.interactive, "interactive", "i", false, "prompt for each option")
	flag.BoolVar(&o.history, "history", false, "list recorded downloads and exit")
	flag.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	if err := run(opts); err != nil {
		if errors.Is(err, ui.ErrCancelled) {
			os.Exit(130)
		}
		ui.PrintError(err.Error())
		os.Exit(apperr.ExitCode(err))
	}
}

func run(opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return apperr.Newf(apperr.ErrValidation, "log level %q: %v", cfg.LogLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "pumsfetch",
		Level:           level,
	})

	if !api.IsCensusHost(cfg.BaseURL) {
		logger.Warn("base URL is not a census.gov host", "url", cfg.BaseURL)
	}

	if opts.history {
		return showHistory(cfg)
	}

	input, err := buildInput(opts)
	if err != nil {
		return err
	}
	if opts.interactive {
		if input, err = ui.PromptForRequest(input); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := api.NewCensusClient(cfg.HTTPTimeout, logger)
	p := pipeline.New(cfg, client, logger)

	switch {
	case opts.urlOnly:
		resolved, err := p.Resolve(input.Request)
		if err != nil {
			return err
		}
		ui.PrintResolved(resolved)
		return nil

	case opts.table:
		source := pipeline.SourceRemote
		if opts.fromExtracted {
			source = pipeline.SourceExtracted
		}
		return previewTable(ctx, p, input.Request, source, opts.preview)
	}

	database, err := db.New(cfg.HistoryPath())
	if err != nil {
		logger.Warn("download history unavailable", "path", cfg.HistoryPath(), "err", err)
	} else {
		defer database.Close()
		p.WithRecorder(database)
	}

	progress := ui.NewProgressPrinter(os.Stderr)
	p.WithProgress(progress.Update)

	result, err := p.Fetch(ctx, input.Request, pipeline.FetchOptions{
		Extract:   input.Extract,
		Overwrite: opts.overwrite,
	})
	progress.Finish()
	if err != nil {
		return err
	}

	ui.PrintResult(result)
	ui.PrintSuccess("Done!")
	return nil
}

func buildInput(opts *options) (ui.FetchInput, error) {
	unit, err := api.ParseSampleUnit(opts.sampleUnit)
	if err != nil {
		return ui.FetchInput{}, err
	}
	return ui.FetchInput{
		Request: models.SurveyRequest{
			Year:   opts.year,
			Length: api.ParseSurveyLength(opts.survey),
			Unit:   unit,
			State:  opts.state,
		},
		Extract: opts.extract,
	}, nil
}

func previewTable(ctx context.Context, p *pipeline.Pipeline, req models.SurveyRequest, source pipeline.Source, rows int) error {
	var t *table.Table
	load := func() (err error) {
		t, err = p.LoadTable(ctx, req, source)
		return err
	}

	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		err = ui.RunWithSpinner(fmt.Sprintf("Loading %s table...", source), load)
	} else {
		err = load()
	}
	if err != nil {
		return err
	}

	ui.PrintTablePreview(t, rows)
	ui.PrintSuccess("Done!")
	return nil
}

func showHistory(cfg config.Config) error {
	database, err := db.New(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer database.Close()

	downloads, err := database.ListDownloads(historyLimit)
	if err != nil {
		return err
	}
	extractions, err := database.ListExtractions(historyLimit)
	if err != nil {
		return err
	}
	ui.PrintHistory(downloads, extractions)
	return nil
}
