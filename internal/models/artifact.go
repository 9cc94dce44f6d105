package models

import (
	"io"
	"time"
)

// DownloadStatus reports what the fetch step did
type DownloadStatus string

const (
	StatusDownloaded           DownloadStatus = "downloaded"
	StatusPreviouslyDownloaded DownloadStatus = "previously downloaded"
)

// Stage identifies which pipeline step a progress update belongs to
type Stage string

const (
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
)

// RemoteFile is an open response body plus its declared length (-1 if unknown)
type RemoteFile struct {
	Body          io.ReadCloser
	ContentLength int64
}

// ArchiveEntry is one file listed in a zip archive's index
type ArchiveEntry struct {
	Name             string
	UncompressedSize int64
	IsDir            bool
}

// DownloadArtifact is the zip file written under raw/
type DownloadArtifact struct {
	URL          string
	Path         string
	Size         int64
	Digest       string // BLAKE3, hex; empty when the file was not re-downloaded
	Status       DownloadStatus
	DownloadedAt time.Time
}

// ExtractedDataset is the set of files written under interim/
type ExtractedDataset struct {
	ArchivePath   string
	Dir           string
	Files         []string
	CSVPath       string
	ExpectedBytes int64
	WrittenBytes  int64
	ExtractedAt   time.Time
}

// PipelineResult is returned by a fetch run
type PipelineResult struct {
	Resolved  ResolvedURL
	Download  DownloadArtifact
	Extracted *ExtractedDataset // nil when extraction was not requested
}
