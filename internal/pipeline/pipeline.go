// Package pipeline downloads a PUMS archive into the local data tree,
// extracts it, and loads its CSV payload as a table.
//
// The on-disk layout under the data directory is
//
//	raw/{dataset}_{yy}/csv_{unit}{state}.zip
//	interim/{dataset}_{yy}/{STATE}/...
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/thesavant42/pumsfetch/internal/api"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"github.com/thesavant42/pumsfetch/internal/archive"
	"github.com/thesavant42/pumsfetch/internal/config"
	"github.com/thesavant42/pumsfetch/internal/db"
	"github.com/thesavant42/pumsfetch/internal/models"
	"github.com/thesavant42/pumsfetch/internal/table"
	"github.com/zeebo/blake3"
)

const (
	rawDirName     = "raw"
	interimDirName = "interim"
	partSuffix     = ".part"
)

// Fetcher retrieves remote files. *api.CensusClient satisfies it.
type Fetcher interface {
	Stream(ctx context.Context, url string) (*models.RemoteFile, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// Archiver lists and unpacks zip archives. archive.Zip satisfies it.
type Archiver interface {
	ListEntries(path string) ([]models.ArchiveEntry, error)
	ExtractAll(path, dest string, progress archive.ProgressFunc) ([]string, error)
	OpenCSV(data []byte) (io.ReadCloser, models.ArchiveEntry, error)
}

// Recorder persists completed pipeline steps. *db.DB satisfies it.
type Recorder interface {
	RecordDownload(models.DownloadArtifact) error
	RecordExtraction(models.ExtractedDataset) error
}

// digestSource is a Recorder that can look up earlier downloads. *db.DB
// satisfies it.
type digestSource interface {
	LatestDownload(url string) (*db.DownloadRow, error)
}

// ProgressFunc receives byte progress for the download and extract stages.
// total is an estimate during downloads without a Content-Length header.
type ProgressFunc func(stage models.Stage, done, total int64)

// FetchOptions controls a single Fetch run
type FetchOptions struct {
	Extract   bool
	Overwrite bool
}

// Source selects where LoadTable reads the CSV from
type Source int

const (
	// SourceRemote downloads the archive into memory and never touches disk
	SourceRemote Source = iota
	// SourceExtracted reads the CSV left by a previous Fetch with Extract set
	SourceExtracted
)

func (s Source) String() string {
	if s == SourceExtracted {
		return "extracted"
	}
	return "remote"
}

// Pipeline runs fetch-and-extract against one data directory
type Pipeline struct {
	cfg      config.Config
	resolver *api.URLResolver
	fetcher  Fetcher
	archiver Archiver
	recorder Recorder
	progress ProgressFunc
	logger   *log.Logger
}

// New creates a pipeline. The configuration is copied; later changes to cfg
// have no effect.
func New(cfg config.Config, fetcher Fetcher, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.DefaultContentLength <= 0 {
		cfg.DefaultContentLength = config.DefaultContentLength
	}
	return &Pipeline{
		cfg:      cfg,
		resolver: api.NewURLResolver(cfg.BaseURL, logger),
		fetcher:  fetcher,
		archiver: archive.Zip{},
		logger:   logger,
	}
}

// WithRecorder sets where completed downloads and extractions are recorded
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

// WithProgress sets the progress callback
func (p *Pipeline) WithProgress(fn ProgressFunc) *Pipeline {
	p.progress = fn
	return p
}

// Resolve returns the URL a request maps to without touching the network
func (p *Pipeline) Resolve(req models.SurveyRequest) (models.ResolvedURL, error) {
	return p.resolver.Resolve(req)
}

// DownloadPath is where the archive for resolved is stored
func (p *Pipeline) DownloadPath(resolved models.ResolvedURL) string {
	return filepath.Join(p.cfg.DataDir, rawDirName, p.yearDir(resolved), resolved.Filename)
}

// ExtractDir is where the archive for resolved is unpacked
func (p *Pipeline) ExtractDir(resolved models.ResolvedURL) string {
	return filepath.Join(p.cfg.DataDir, interimDirName, p.yearDir(resolved), strings.ToUpper(resolved.StateAbbr))
}

func (p *Pipeline) yearDir(resolved models.ResolvedURL) string {
	return p.cfg.Dataset + "_" + resolved.YearSuffix()
}

// Fetch downloads the archive for req unless it is already on disk, then
// optionally replaces the state's extraction directory with its contents.
// On error the result is always nil.
func (p *Pipeline) Fetch(ctx context.Context, req models.SurveyRequest, opts FetchOptions) (*models.PipelineResult, error) {
	root := p.cfg.DataDir
	for _, dir := range []string{root, filepath.Join(root, rawDirName), filepath.Join(root, interimDirName)} {
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
	}

	resolved, err := p.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	result := &models.PipelineResult{Resolved: resolved}

	download, err := p.download(ctx, resolved, opts.Overwrite)
	if err != nil {
		return nil, err
	}
	result.Download = *download

	if !opts.Extract {
		return result, nil
	}

	extracted, err := p.extract(resolved, download.Path)
	if err != nil {
		return nil, err
	}
	result.Extracted = extracted
	return result, nil
}

func (p *Pipeline) download(ctx context.Context, resolved models.ResolvedURL, overwrite bool) (*models.DownloadArtifact, error) {
	path := p.DownloadPath(resolved)
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil, apperr.Newf(apperr.ErrPathConflict, "%s is a directory, expected a downloaded archive", path)
	case err == nil && !overwrite:
		p.logger.Info("file previously downloaded", "path", path, "bytes", info.Size())
		artifact := &models.DownloadArtifact{
			URL:          resolved.URL,
			Path:         path,
			Size:         info.Size(),
			Status:       models.StatusPreviouslyDownloaded,
			DownloadedAt: info.ModTime(),
		}
		p.fillStoredDigest(artifact)
		return artifact, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	p.logger.Info("downloading", "url", resolved.URL, "path", path)

	remote, err := p.fetcher.Stream(ctx, resolved.URL)
	if err != nil {
		return nil, err
	}
	defer remote.Body.Close()

	size, digest, err := p.writeBody(remote, path, resolved.URL)
	if err != nil {
		return nil, err
	}

	artifact := &models.DownloadArtifact{
		URL:          resolved.URL,
		Path:         path,
		Size:         size,
		Digest:       digest,
		Status:       models.StatusDownloaded,
		DownloadedAt: time.Now().UTC(),
	}
	p.logger.Info("download complete", "path", path, "bytes", size)

	if p.recorder != nil {
		if err := p.recorder.RecordDownload(*artifact); err != nil {
			p.logger.Warn("failed to record download", "path", path, "err", err)
		}
	}
	return artifact, nil
}

// fillStoredDigest copies the digest recorded for an earlier download of the
// same file, when the recorder keeps one and the size still matches.
func (p *Pipeline) fillStoredDigest(artifact *models.DownloadArtifact) {
	src, ok := p.recorder.(digestSource)
	if !ok {
		return
	}
	row, err := src.LatestDownload(artifact.URL)
	if err != nil {
		p.logger.Warn("failed to look up download history", "url", artifact.URL, "err", err)
		return
	}
	if row != nil && row.Path == artifact.Path && row.Size == artifact.Size {
		artifact.Digest = row.Digest
	}
}

// writeBody streams remote into path+".part" in fixed-size chunks and renames
// it into place once the whole body has arrived.
func (p *Pipeline) writeBody(remote *models.RemoteFile, path, url string) (int64, string, error) {
	total := remote.ContentLength
	if total < 0 {
		total = p.cfg.DefaultContentLength
	}

	part := path + partSuffix
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create %s: %w", part, err)
	}

	fail := func(err error) (int64, string, error) {
		f.Close()
		os.Remove(part)
		return 0, "", err
	}

	hasher := blake3.New()
	w := io.MultiWriter(f, hasher)
	buf := make([]byte, p.cfg.ChunkSize)
	var done int64

	for {
		n, readErr := remote.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("failed to write %s: %w", part, err))
			}
			done += int64(n)
			p.report(models.StageDownload, done, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fail(apperr.Transport(readErr, "reading %s after %d bytes", url, done))
		}
	}

	if remote.ContentLength >= 0 && done != remote.ContentLength {
		return fail(apperr.Newf(apperr.ErrTransport, "%s: received %d of %d bytes", url, done, remote.ContentLength))
	}

	if err := f.Close(); err != nil {
		os.Remove(part)
		return 0, "", fmt.Errorf("failed to close %s: %w", part, err)
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return 0, "", fmt.Errorf("failed to move %s into place: %w", part, err)
	}

	return done, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (p *Pipeline) extract(resolved models.ResolvedURL, archivePath string) (*models.ExtractedDataset, error) {
	dir := p.ExtractDir(resolved)
	if err := ensureDir(filepath.Dir(dir)); err != nil {
		return nil, err
	}
	if err := clearDir(dir); err != nil {
		return nil, err
	}
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	entries, err := p.archiver.ListEntries(archivePath)
	if err != nil {
		return nil, err
	}
	csvEntry, err := archive.SingleCSV(entries)
	if err != nil {
		return nil, err
	}
	expected := archive.DeclaredSize(entries)

	p.logger.Info("extracting", "archive", archivePath, "dir", dir, "entries", len(entries))

	files, err := p.archiver.ExtractAll(archivePath, dir, func(done, total int64) {
		p.report(models.StageExtract, done, total)
	})
	if err != nil {
		return nil, err
	}

	var written int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("failed to stat extracted file %s: %w", f, err)
		}
		written += info.Size()
	}
	if written != expected {
		return nil, apperr.Newf(apperr.ErrIncompleteExtraction, "%s: wrote %d bytes, archive declares %d", dir, written, expected)
	}

	dataset := &models.ExtractedDataset{
		ArchivePath:   archivePath,
		Dir:           dir,
		Files:         files,
		CSVPath:       filepath.Join(dir, filepath.FromSlash(csvEntry.Name)),
		ExpectedBytes: expected,
		WrittenBytes:  written,
		ExtractedAt:   time.Now().UTC(),
	}
	p.logger.Info("extraction complete", "dir", dir, "files", len(files), "bytes", written)

	if p.recorder != nil {
		if err := p.recorder.RecordExtraction(*dataset); err != nil {
			p.logger.Warn("failed to record extraction", "dir", dir, "err", err)
		}
	}
	return dataset, nil
}

// LoadTable parses the request's CSV payload either straight from the
// server or from the extraction directory of an earlier Fetch.
func (p *Pipeline) LoadTable(ctx context.Context, req models.SurveyRequest, source Source) (*table.Table, error) {
	resolved, err := p.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}

	switch source {
	case SourceRemote:
		return p.loadRemote(ctx, resolved)
	case SourceExtracted:
		return p.loadExtracted(resolved)
	default:
		return nil, apperr.Newf(apperr.ErrValidation, "unknown table source %d", int(source))
	}
}

func (p *Pipeline) loadRemote(ctx context.Context, resolved models.ResolvedURL) (*table.Table, error) {
	p.logger.Info("loading table into memory", "url", resolved.URL)

	data, err := p.fetcher.FetchBytes(ctx, resolved.URL)
	if err != nil {
		return nil, err
	}

	rc, entry, err := p.archiver.OpenCSV(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	t, err := table.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", entry.Name, err)
	}
	return t, nil
}

func (p *Pipeline) loadExtracted(resolved models.ResolvedURL) (*table.Table, error) {
	dir := p.ExtractDir(resolved)

	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".csv") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	switch len(found) {
	case 1:
	case 0:
		return nil, apperr.Newf(apperr.ErrAmbiguousPayload, "no .csv file in %s; fetch with extraction first", dir)
	default:
		return nil, apperr.Newf(apperr.ErrAmbiguousPayload, "%d .csv files in %s", len(found), dir)
	}

	f, err := os.Open(found[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", found[0], err)
	}
	defer f.Close()

	p.logger.Info("loading table from disk", "path", found[0])

	t, err := table.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", found[0], err)
	}
	return t, nil
}

func (p *Pipeline) report(stage models.Stage, done, total int64) {
	if p.progress != nil {
		p.progress(stage, done, total)
	}
}

// ensureDir creates dir if missing. An existing non-directory is a conflict.
func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return apperr.Newf(apperr.ErrPathConflict, "%s exists and is not a directory", dir)
	case err == nil:
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// clearDir removes each entry of dir and then dir itself. A missing dir is
// not an error.
func clearDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return apperr.Newf(apperr.ErrPathConflict, "%s exists and is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove previous extraction %s: %w", e.Name(), err)
		}
	}
	if err := os.Remove(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}
