package db

// Every completed download; a re-download of the same path adds a new row
const createDownloadsTable = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    digest TEXT,
    downloaded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_url ON downloads(url);
`

const insertDownload = `
INSERT INTO downloads (url, path, size, digest, downloaded_at)
VALUES (?, ?, ?, ?, ?)
`

const selectDownloads = `
SELECT id, url, path, size, COALESCE(digest, ''), downloaded_at
FROM downloads
ORDER BY downloaded_at DESC, id DESC
LIMIT ?
`

const selectLatestDownload = `
SELECT id, url, path, size, COALESCE(digest, ''), downloaded_at
FROM downloads
WHERE url = ?
ORDER BY downloaded_at DESC, id DESC
LIMIT 1
`

// Every completed extraction, keyed by the directory it produced
const createExtractionsTable = `
CREATE TABLE IF NOT EXISTS extractions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    archive_path TEXT NOT NULL,
    dir TEXT NOT NULL,
    csv_path TEXT NOT NULL,
    file_count INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    extracted_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extractions_dir ON extractions(dir);
`

const insertExtraction = `
INSERT INTO extractions (archive_path, dir, csv_path, file_count, bytes, extracted_at)
VALUES (?, ?, ?, ?, ?, ?)
`

const selectExtractions = `
SELECT id, archive_path, dir, csv_path, file_count, bytes, extracted_at
FROM extractions
ORDER BY extracted_at DESC, id DESC
LIMIT ?
`
