package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/contentforge/extractd/internal/common"
	"github.com/contentforge/extractd/internal/extract"
)

// storageRetries is how many times a failing write is attempted before the
// error is promoted to a terminal StorageError.
const storageRetries = 3

const retryBackoff = 100 * time.Millisecond

// ResultStore persists extraction results as JSON under <root>/results.
// Layout:
//
//	results/<jobID>.json             result served to callers
//	results/cache/<hash>-<ver>.json  idempotence cache by (artifact, extractor version)
//	results/diagnostic/<jobID>.json  partial output of failed jobs, never served
//	results/insights/<jobID>.json    optional post-success summaries
//
// Every served or cached result is validated against the result schema
// before it hits the volume. Writes are temp+rename atomic.
type ResultStore struct {
	root   string
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewResultStore(root string, logger *slog.Logger) (*ResultStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileResultSchema()
	if err != nil {
		return nil, err
	}
	s := &ResultStore{root: root, schema: schema, logger: logger}
	for _, d := range []string{s.resultsDir(), s.cacheDir(), s.diagnosticDir(), s.insightsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, common.E(common.KindStorageError, "create results dirs", err)
		}
	}
	return s, nil
}

func (s *ResultStore) resultsDir() string    { return filepath.Join(s.root, "results") }
func (s *ResultStore) cacheDir() string      { return filepath.Join(s.root, "results", "cache") }
func (s *ResultStore) diagnosticDir() string { return filepath.Join(s.root, "results", "diagnostic") }
func (s *ResultStore) insightsDir() string   { return filepath.Join(s.root, "results", "insights") }

func (s *ResultStore) resultPath(jobID uuid.UUID) string {
	return filepath.Join(s.resultsDir(), jobID.String()+".json")
}

func (s *ResultStore) cachePath(ref ArtifactRef, version string) string {
	return filepath.Join(s.cacheDir(), string(ref)+"-"+sanitizeVersion(version)+".json")
}

// Marshal renders a result in its canonical byte form. Deterministic for a
// fixed result value, which is what makes the idempotence cache sound.
func Marshal(res *extract.Result) ([]byte, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return append(data, '\n'), nil
}

// Put validates and persists the result for jobID, also writing the
// idempotence cache entry for (ref, version). Returns the canonical bytes.
func (s *ResultStore) Put(jobID uuid.UUID, ref ArtifactRef, res *extract.Result) ([]byte, error) {
	data, err := Marshal(res)
	if err != nil {
		return nil, common.E(common.KindInternal, "encode result", err)
	}
	if err := s.validate(data); err != nil {
		return nil, common.E(common.KindInternal, "result failed schema validation", err)
	}
	if err := s.atomicWrite(s.cachePath(ref, res.ExtractorVersion), data); err != nil {
		// Cache misses are recoverable; the result itself is not optional.
		s.logger.Warn("result cache write failed", "job_id", jobID, "error", err)
	}
	if err := s.atomicWrite(s.resultPath(jobID), data); err != nil {
		return nil, err
	}
	return data, nil
}

// PutRaw persists already-canonical bytes (a cache hit) as the job result.
func (s *ResultStore) PutRaw(jobID uuid.UUID, data []byte) error {
	return s.atomicWrite(s.resultPath(jobID), data)
}

// Get returns the canonical result bytes for a job, or NotFound.
func (s *ResultStore) Get(jobID uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(s.resultPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.E(common.KindNotFound, "result not found", err)
		}
		return nil, common.E(common.KindStorageError, "read result", err)
	}
	return data, nil
}

// GetCached returns the cached canonical bytes for (ref, version) if extraction
// already ran for identical input under the same extractor version.
func (s *ResultStore) GetCached(ref ArtifactRef, version string) ([]byte, bool) {
	data, err := os.ReadFile(s.cachePath(ref, version))
	if err != nil {
		return nil, false
	}
	return data, true
}

// PutDiagnostic stores the partial output of a failed job. Best effort:
// diagnostics never mask the original failure.
func (s *ResultStore) PutDiagnostic(jobID uuid.UUID, res *extract.Result) {
	data, err := Marshal(res)
	if err != nil {
		s.logger.Warn("encode diagnostic failed", "job_id", jobID, "error", err)
		return
	}
	path := filepath.Join(s.diagnosticDir(), jobID.String()+".json")
	if err := s.atomicWrite(path, data); err != nil {
		s.logger.Warn("write diagnostic failed", "job_id", jobID, "error", err)
	}
}

// PutInsights stores the optional summary document for a succeeded job.
func (s *ResultStore) PutInsights(jobID uuid.UUID, data []byte) error {
	return s.atomicWrite(filepath.Join(s.insightsDir(), jobID.String()+".json"), data)
}

// GetInsights returns the summary document, or NotFound while absent.
func (s *ResultStore) GetInsights(jobID uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.insightsDir(), jobID.String()+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.E(common.KindNotFound, "insights not found", err)
		}
		return nil, common.E(common.KindStorageError, "read insights", err)
	}
	return data, nil
}

func (s *ResultStore) validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return s.schema.Validate(v)
}

// atomicWrite commits data via temp file + rename, retrying transient
// failures before promoting to StorageError.
func (s *ResultStore) atomicWrite(path string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= storageRetries; attempt++ {
		if lastErr = s.writeOnce(path, data); lastErr == nil {
			return nil
		}
		s.logger.Warn("result write attempt failed", "path", path, "attempt", attempt, "error", lastErr)
		time.Sleep(retryBackoff)
	}
	return common.E(common.KindStorageError, "write result", lastErr)
}

func (s *ResultStore) writeOnce(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// sanitizeVersion makes an extractor version safe as a filename component.
func sanitizeVersion(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
