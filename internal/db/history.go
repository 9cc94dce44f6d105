package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thesavant42/pumsfetch/internal/models"
)

// DownloadRow is a stored download record
type DownloadRow struct {
	ID int64
	models.DownloadArtifact
}

// ExtractionRow is a stored extraction record
type ExtractionRow struct {
	ID          int64
	ArchivePath string
	Dir         string
	CSVPath     string
	FileCount   int
	Bytes       int64
	ExtractedAt time.Time
}

// RecordDownload stores a completed download
func (db *DB) RecordDownload(a models.DownloadArtifact) error {
	var digest interface{}
	if a.Digest != "" {
		digest = a.Digest
	}
	_, err := db.conn.Exec(insertDownload, a.URL, a.Path, a.Size, digest, formatTimestamp(a.DownloadedAt))
	if err != nil {
		return fmt.Errorf("failed to record download of %s: %w", a.URL, err)
	}
	return nil
}

// RecordExtraction stores a completed extraction
func (db *DB) RecordExtraction(d models.ExtractedDataset) error {
	_, err := db.conn.Exec(insertExtraction,
		d.ArchivePath, d.Dir, d.CSVPath, len(d.Files), d.WrittenBytes, formatTimestamp(d.ExtractedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record extraction into %s: %w", d.Dir, err)
	}
	return nil
}

// ListDownloads returns up to limit downloads, newest first
func (db *DB) ListDownloads(limit int) ([]DownloadRow, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := db.conn.Query(selectDownloads, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []DownloadRow
	for rows.Next() {
		r, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestDownload returns the newest download of url, or nil if there is none
func (db *DB) LatestDownload(url string) (*DownloadRow, error) {
	r, err := scanDownload(db.conn.QueryRow(selectLatestDownload, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(s scanner) (DownloadRow, error) {
	var r DownloadRow
	var at string
	if err := s.Scan(&r.ID, &r.URL, &r.Path, &r.Size, &r.Digest, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan download: %w", err)
	}
	r.DownloadedAt, _ = parseTimestamp(at)
	r.Status = models.StatusDownloaded
	return r, nil
}

// ListExtractions returns up to limit extractions, newest first
func (db *DB) ListExtractions(limit int) ([]ExtractionRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.Query(selectExtractions, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query extractions: %w", err)
	}
	defer rows.Close()

	var out []ExtractionRow
	for rows.Next() {
		var r ExtractionRow
		var at string
		if err := rows.Scan(&r.ID, &r.ArchivePath, &r.Dir, &r.CSVPath, &r.FileCount, &r.Bytes, &at); err != nil {
			return nil, fmt.Errorf("failed to scan extraction: %w", err)
		}
		r.ExtractedAt, _ = parseTimestamp(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
