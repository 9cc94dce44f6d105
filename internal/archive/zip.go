// Package archive lists and extracts the zip files served by the Census
// Bureau. Each PUMS archive carries exactly one CSV payload plus optional
// documentation (usually a PDF readme).
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"github.com/thesavant42/pumsfetch/internal/models"
)

// ProgressFunc receives the bytes written so far and the declared total
type ProgressFunc func(done, total int64)

// Zip implements the archive capability on top of klauspost/compress/zip
type Zip struct{}

// ListEntries reads the index of the zip file at path
func (Zip) ListEntries(path string) ([]models.ArchiveEntry, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer rc.Close()

	return entriesOf(rc.File), nil
}

func entriesOf(files []*zip.File) []models.ArchiveEntry {
	entries := make([]models.ArchiveEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, models.ArchiveEntry{
			Name:             f.Name,
			UncompressedSize: int64(f.UncompressedSize64),
			IsDir:            f.FileInfo().IsDir(),
		})
	}
	return entries
}

// SingleCSV returns the one entry whose name ends in .csv.
// Zero or several CSV entries is an AmbiguousPayload error.
func SingleCSV(entries []models.ArchiveEntry) (models.ArchiveEntry, error) {
	var found []models.ArchiveEntry
	for _, e := range entries {
		if !e.IsDir && strings.HasSuffix(strings.ToLower(e.Name), ".csv") {
			found = append(found, e)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return models.ArchiveEntry{}, apperr.New(apperr.ErrAmbiguousPayload, "archive contains no .csv entry")
	default:
		names := make([]string, len(found))
		for i, e := range found {
			names[i] = e.Name
		}
		return models.ArchiveEntry{}, apperr.Newf(apperr.ErrAmbiguousPayload, "archive contains %d .csv entries: %s", len(found), strings.Join(names, ", "))
	}
}

// DeclaredSize sums the uncompressed sizes recorded in the archive index
func DeclaredSize(entries []models.ArchiveEntry) int64 {
	var total int64
	for _, e := range entries {
		if !e.IsDir {
			total += e.UncompressedSize
		}
	}
	return total
}

// ExtractAll writes every entry of the archive at path into dest and returns
// the paths written. dest must already exist.
func (Zip) ExtractAll(path, dest string, progress ProgressFunc) ([]string, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer rc.Close()

	total := DeclaredSize(entriesOf(rc.File))
	var done int64
	var written []string

	for _, f := range rc.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return written, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}

		n, err := extractFile(f, target)
		if err != nil {
			return written, err
		}
		written = append(written, target)

		done += n
		if progress != nil {
			progress(done, total)
		}
	}

	return written, nil
}

func extractFile(f *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		dst.Close()
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s: %w", target, err)
	}
	return n, nil
}

// safeJoin rejects entry names that would land outside dest
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", apperr.Newf(apperr.ErrPathConflict, "archive entry %q escapes %s", name, dest)
	}
	return target, nil
}

// OpenCSV returns a reader over the single CSV entry of an in-memory archive
func (Zip) OpenCSV(data []byte) (io.ReadCloser, models.ArchiveEntry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, models.ArchiveEntry{}, fmt.Errorf("failed to read archive: %w", err)
	}

	entry, err := SingleCSV(entriesOf(zr.File))
	if err != nil {
		return nil, models.ArchiveEntry{}, err
	}

	for _, f := range zr.File {
		if f.Name == entry.Name {
			rc, err := f.Open()
			if err != nil {
				return nil, entry, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
			}
			return rc, entry, nil
		}
	}
	return nil, entry, fmt.Errorf("entry %s vanished from archive index", entry.Name)
}
