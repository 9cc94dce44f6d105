package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/thesavant42/pumsfetch/internal/api"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"github.com/thesavant42/pumsfetch/internal/archive"
	"github.com/thesavant42/pumsfetch/internal/config"
	"github.com/thesavant42/pumsfetch/internal/db"
	"github.com/thesavant42/pumsfetch/internal/models"
)

const personCSV = "RT,SERIALNO,AGEP\nP,2018GQ01,34\nP,2018GQ02,71\nP,2018HU03,8\n"

type file struct {
	name string
	body string
}

func buildZip(t *testing.T, files ...file) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			t.Fatalf("Create(%s): %v", f.name, err)
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			t.Fatalf("Write(%s): %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

// censusServer serves payload for every path and counts requests
type censusServer struct {
	*httptest.Server
	payload  atomic.Pointer[[]byte]
	requests atomic.Int32
	lastPath atomic.Value
}

func (s *censusServer) serve(payload []byte) {
	s.payload.Store(&payload)
}

func newCensusServer(t *testing.T, payload []byte) *censusServer {
	t.Helper()
	s := &censusServer{}
	s.serve(payload)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.lastPath.Store(r.URL.Path)
		body := *s.payload.Load()
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

type memRecorder struct {
	downloads   []models.DownloadArtifact
	extractions []models.ExtractedDataset
}

func (m *memRecorder) RecordDownload(a models.DownloadArtifact) error {
	m.downloads = append(m.downloads, a)
	return nil
}

func (m *memRecorder) RecordExtraction(d models.ExtractedDataset) error {
	m.extractions = append(m.extractions, d)
	return nil
}

func testConfig(baseURL, dataDir string) config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.DataDir = dataDir
	cfg.ChunkSize = 7
	return cfg
}

var californiaPerson = models.SurveyRequest{Year: 2018, Length: models.OneYear, Unit: models.Person, State: "California"}

func TestFetchDownloadsAndExtracts(t *testing.T) {
	payload := buildZip(t, file{"psam_p06.csv", personCSV}, file{"ACS2018_PUMS_README.pdf", "readme bytes"})
	server := newCensusServer(t, payload)
	root := t.TempDir()

	rec := &memRecorder{}
	var downloadUpdates, extractUpdates int
	var lastTotal int64
	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil).
		WithRecorder(rec).
		WithProgress(func(stage models.Stage, done, total int64) {
			switch stage {
			case models.StageDownload:
				downloadUpdates++
				lastTotal = total
			case models.StageExtract:
				extractUpdates++
			}
		})

	result, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	wantPath := filepath.Join(root, "raw", "ACS_18", "csv_pca.zip")
	if result.Download.Path != wantPath || result.Download.Status != models.StatusDownloaded {
		t.Errorf("Download = %+v", result.Download)
	}
	if got := server.lastPath.Load(); got != "/acs/data/pums/2018/1-Year/csv_pca.zip" {
		t.Errorf("requested path = %v", got)
	}
	onDisk, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(onDisk, payload) {
		t.Errorf("downloaded file differs from served payload")
	}
	if _, err := os.Stat(wantPath + ".part"); !os.IsNotExist(err) {
		t.Errorf(".part file left behind: %v", err)
	}
	if len(result.Download.Digest) != 64 {
		t.Errorf("Digest = %q, want 64 hex chars", result.Download.Digest)
	}
	if downloadUpdates < len(payload)/7 || lastTotal != int64(len(payload)) {
		t.Errorf("download progress: %d updates, total %d", downloadUpdates, lastTotal)
	}
	if extractUpdates != 2 {
		t.Errorf("extract progress updates = %d, want 2", extractUpdates)
	}

	ext := result.Extracted
	if ext == nil {
		t.Fatal("Extracted is nil")
	}
	wantDir := filepath.Join(root, "interim", "ACS_18", "CA")
	if ext.Dir != wantDir || ext.CSVPath != filepath.Join(wantDir, "psam_p06.csv") {
		t.Errorf("Extracted = %+v", ext)
	}
	if ext.WrittenBytes != ext.ExpectedBytes || ext.WrittenBytes != int64(len(personCSV)+len("readme bytes")) {
		t.Errorf("bytes written %d, expected %d", ext.WrittenBytes, ext.ExpectedBytes)
	}

	if len(rec.downloads) != 1 || len(rec.extractions) != 1 {
		t.Errorf("recorded %d downloads, %d extractions", len(rec.downloads), len(rec.extractions))
	}
}

func TestFetchSkipsExistingDownload(t *testing.T) {
	payload := buildZip(t, file{"psam_p06.csv", personCSV})
	server := newCensusServer(t, payload)
	root := t.TempDir()
	rec := &memRecorder{}
	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil).WithRecorder(rec)

	first, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{})
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	before, _ := os.ReadFile(first.Download.Path)

	// A different payload proves the second run never reads from the server
	server.serve(buildZip(t, file{"other.csv", "A\n1\n"}))

	second, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := server.requests.Load(); got != 1 {
		t.Errorf("server requests = %d, want 1", got)
	}
	if second.Download.Status != models.StatusPreviouslyDownloaded {
		t.Errorf("Status = %q", second.Download.Status)
	}
	after, _ := os.ReadFile(second.Download.Path)
	if !bytes.Equal(before, after) {
		t.Errorf("skipped download changed the file")
	}
	if second.Extracted != nil {
		t.Errorf("Extracted = %+v without Extract option", second.Extracted)
	}
	if len(rec.downloads) != 1 {
		t.Errorf("recorded %d downloads, want 1", len(rec.downloads))
	}
}

func TestFetchOverwrite(t *testing.T) {
	server := newCensusServer(t, buildZip(t, file{"psam_p06.csv", personCSV}))
	root := t.TempDir()
	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil)

	if _, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{}); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	updated := buildZip(t, file{"psam_p06.csv", personCSV + "P,2018HU04,55\n"})
	server.serve(updated)

	result, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite Fetch: %v", err)
	}
	if got := server.requests.Load(); got != 2 {
		t.Errorf("server requests = %d, want 2", got)
	}
	onDisk, _ := os.ReadFile(result.Download.Path)
	if !bytes.Equal(onDisk, updated) {
		t.Errorf("overwrite did not replace the archive")
	}
}

func TestFetchReplacesPreviousExtraction(t *testing.T) {
	server := newCensusServer(t, buildZip(t, file{"psam_p06.csv", personCSV}))
	root := t.TempDir()
	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil)

	first, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true})
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	stale := filepath.Join(first.Extracted.Dir, "stale.txt")
	if err := os.WriteFile(stale, []byte("left over"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(first.Extracted.Dir, "old", "nested"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	second, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file survived re-extraction")
	}
	entries, err := os.ReadDir(second.Extracted.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "psam_p06.csv" {
		t.Errorf("extraction dir entries = %v", entries)
	}
}

func TestFetchAmbiguousArchive(t *testing.T) {
	tests := []struct {
		name  string
		files []file
	}{
		{"two csv", []file{{"a.csv", "A\n1\n"}, {"b.csv", "B\n2\n"}}},
		{"no csv", []file{{"readme.pdf", "pdf"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newCensusServer(t, buildZip(t, tt.files...))
			p := New(testConfig(server.URL, t.TempDir()), api.NewCensusClient(0, nil), nil)

			result, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true})
			if !errors.Is(err, apperr.ErrAmbiguousPayload) {
				t.Fatalf("Fetch error = %v, want ambiguous payload", err)
			}
			if result != nil {
				t.Errorf("Fetch result = %+v, want nil on error", result)
			}
		})
	}
}

func TestFetchPathConflict(t *testing.T) {
	server := newCensusServer(t, buildZip(t, file{"psam_p06.csv", personCSV}))

	t.Run("raw is a file", func(t *testing.T) {
		root := t.TempDir()
		if err := os.WriteFile(filepath.Join(root, "raw"), []byte("not a dir"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil)
		if _, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{}); !errors.Is(err, apperr.ErrPathConflict) {
			t.Errorf("Fetch error = %v, want path conflict", err)
		}
	})

	t.Run("extraction dir is a file", func(t *testing.T) {
		root := t.TempDir()
		parent := filepath.Join(root, "interim", "ACS_18")
		if err := os.MkdirAll(parent, 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(parent, "CA"), []byte("not a dir"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil)
		if _, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true}); !errors.Is(err, apperr.ErrPathConflict) {
			t.Errorf("Fetch error = %v, want path conflict", err)
		}
	})
}

func TestFetchTruncatedTransferLeavesNoFile(t *testing.T) {
	payload := buildZip(t, file{"psam_p06.csv", personCSV})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload[:len(payload)/2])
		w.(http.Flusher).Flush()
		// Hijack and drop the connection so the client sees a short body
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
	}))
	defer server.Close()

	root := t.TempDir()
	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil)

	_, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true})
	if !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("Fetch error = %v, want transport error", err)
	}

	dir := filepath.Join(root, "raw", "ACS_18")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("raw dir not empty after failed transfer: %v", entries)
	}
}

func TestFetchServerErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := New(testConfig(server.URL, t.TempDir()), api.NewCensusClient(0, nil), nil)
	if _, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{}); !errors.Is(err, apperr.ErrTransport) {
		t.Fatalf("Fetch error = %v, want transport error", err)
	}
}

func TestFetchValidationError(t *testing.T) {
	p := New(testConfig("http://127.0.0.1:1/", t.TempDir()), api.NewCensusClient(0, nil), nil)
	req := models.SurveyRequest{Year: 2031, Length: models.OneYear, Unit: models.Person, State: "California"}
	if _, err := p.Fetch(context.Background(), req, FetchOptions{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Fetch error = %v, want validation error", err)
	}
}

func TestLoadTable(t *testing.T) {
	server := newCensusServer(t, buildZip(t, file{"psam_p06.csv", personCSV}, file{"readme.pdf", "pdf"}))
	root := t.TempDir()
	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil)

	remote, err := p.LoadTable(context.Background(), californiaPerson, SourceRemote)
	if err != nil {
		t.Fatalf("LoadTable(remote): %v", err)
	}
	if remote.Len() != 3 {
		t.Errorf("remote rows = %d, want 3", remote.Len())
	}
	if _, err := os.Stat(filepath.Join(root, "raw")); !os.IsNotExist(err) {
		t.Errorf("remote load touched the data directory")
	}

	if _, err := p.LoadTable(context.Background(), californiaPerson, SourceExtracted); !errors.Is(err, apperr.ErrAmbiguousPayload) {
		t.Errorf("LoadTable(extracted) before fetch = %v, want ambiguous payload", err)
	}

	if _, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	local, err := p.LoadTable(context.Background(), californiaPerson, SourceExtracted)
	if err != nil {
		t.Fatalf("LoadTable(extracted): %v", err)
	}
	ages, err := local.Column("AGEP")
	if err != nil {
		t.Fatalf("Column: %v", err)
	}
	if len(ages) != 3 || ages[1] != "71" {
		t.Errorf("AGEP = %v", ages)
	}
}

func TestLoadTableExtractedAmbiguous(t *testing.T) {
	root := t.TempDir()
	p := New(testConfig("http://127.0.0.1:1/", root), nil, nil)

	dir := filepath.Join(root, "interim", "ACS_18", "CA")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, name := range []string{"a.csv", "b.CSV"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("X\n1\n"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	if _, err := p.LoadTable(context.Background(), californiaPerson, SourceExtracted); !errors.Is(err, apperr.ErrAmbiguousPayload) {
		t.Fatalf("LoadTable error = %v, want ambiguous payload", err)
	}
}

func TestPaths(t *testing.T) {
	p := New(testConfig("http://127.0.0.1:1/", "/data"), nil, nil)
	resolved, err := p.Resolve(models.SurveyRequest{Year: 5, Length: models.FiveYear, Unit: models.Household, State: "ny"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := p.DownloadPath(resolved); got != filepath.Join("/data", "raw", "ACS_05", "csv_hny.zip") {
		t.Errorf("DownloadPath = %q", got)
	}
	if got := p.ExtractDir(resolved); got != filepath.Join("/data", "interim", "ACS_05", "NY") {
		t.Errorf("ExtractDir = %q", got)
	}
}

// shortArchiver extracts normally and then drops the last byte of the final
// file, so the bytes on disk fall one short of the archive index.
type shortArchiver struct {
	archive.Zip
}

func (a shortArchiver) ExtractAll(path, dest string, progress archive.ProgressFunc) ([]string, error) {
	files, err := a.Zip.ExtractAll(path, dest, progress)
	if err != nil || len(files) == 0 {
		return files, err
	}
	last := files[len(files)-1]
	info, err := os.Stat(last)
	if err != nil {
		return files, err
	}
	return files, os.Truncate(last, info.Size()-1)
}

func TestFetchIncompleteExtraction(t *testing.T) {
	server := newCensusServer(t, buildZip(t, file{"psam_p06.csv", personCSV}, file{"readme.pdf", "readme bytes"}))
	p := New(testConfig(server.URL, t.TempDir()), api.NewCensusClient(0, nil), nil)
	p.archiver = shortArchiver{}

	result, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{Extract: true})
	if !errors.Is(err, apperr.ErrIncompleteExtraction) {
		t.Fatalf("Fetch error = %v, want incomplete extraction", err)
	}
	if result != nil {
		t.Errorf("Fetch result = %+v, want nil on error", result)
	}
}

func TestFetchWithoutContentLengthUsesEstimate(t *testing.T) {
	payload := buildZip(t, file{"psam_p06.csv", personCSV})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write(payload)
	}))
	defer server.Close()

	cfg := testConfig(server.URL, t.TempDir())
	var totals []int64
	p := New(cfg, api.NewCensusClient(0, nil), nil).
		WithProgress(func(stage models.Stage, done, total int64) {
			if stage == models.StageDownload {
				totals = append(totals, total)
			}
		})

	result, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Download.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", result.Download.Size, len(payload))
	}
	if len(totals) == 0 {
		t.Fatal("no download progress reported")
	}
	for _, total := range totals {
		if total != cfg.DefaultContentLength {
			t.Fatalf("progress total = %d, want %d", total, cfg.DefaultContentLength)
		}
	}
}

func TestFetchSkippedDownloadKeepsStoredDigest(t *testing.T) {
	server := newCensusServer(t, buildZip(t, file{"psam_p06.csv", personCSV}))
	root := t.TempDir()

	history, err := db.New(filepath.Join(root, "pumsfetch.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer history.Close()

	p := New(testConfig(server.URL, root), api.NewCensusClient(0, nil), nil).WithRecorder(history)

	first, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{})
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	second, err := p.Fetch(context.Background(), californiaPerson, FetchOptions{})
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}

	if second.Download.Status != models.StatusPreviouslyDownloaded {
		t.Errorf("Status = %q", second.Download.Status)
	}
	if second.Download.Digest == "" || second.Download.Digest != first.Download.Digest {
		t.Errorf("Digest = %q, want %q", second.Download.Digest, first.Download.Digest)
	}
}

func TestEnsureDir(t *testing.T) {
	root := t.TempDir()

	dir := filepath.Join(root, "a", "b")
	if err := ensureDir(dir); err != nil {
		t.Fatalf("ensureDir(new): %v", err)
	}
	if err := ensureDir(dir); err != nil {
		t.Errorf("ensureDir(existing): %v", err)
	}

	file := filepath.Join(root, "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := ensureDir(file); !errors.Is(err, apperr.ErrPathConflict) {
		t.Errorf("ensureDir(file) = %v, want path conflict", err)
	}

	// An unusable name is a plain error, not a conflict
	err := ensureDir(filepath.Join(root, "bad\x00name"))
	if err == nil || errors.Is(err, apperr.ErrPathConflict) {
		t.Errorf("ensureDir(bad name) = %v, want a non-conflict error", err)
	}
}
