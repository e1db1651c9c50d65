package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/contentforge/extractd/internal/common"
)

// ArtifactRef is the content address of a stored artifact: the lowercase
// hex sha256 of its bytes. Identical bytes always yield the same ref.
type ArtifactRef string

func (r ArtifactRef) String() string { return string(r) }

// prefix returns the two-character fanout directory for the ref.
func (r ArtifactRef) prefix() string { return string(r)[:2] }

// ArtifactStore persists raw uploads content-addressed under
// <root>/artifacts/<hh>/<hash>. Artifacts are immutable after write; writes
// go through a temp file + rename so a reader never observes a partial
// artifact. Concurrent reads are safe; duplicate writes dedup.
type ArtifactStore struct {
	root   string
	logger *slog.Logger
}

func NewArtifactStore(root string, logger *slog.Logger) (*ArtifactStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ArtifactStore{root: root, logger: logger}
	for _, d := range []string{s.artifactsDir(), s.tmpDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, common.E(common.KindStorageError, "create artifact dirs", err)
		}
	}
	return s, nil
}

func (s *ArtifactStore) artifactsDir() string { return filepath.Join(s.root, "artifacts") }
func (s *ArtifactStore) tmpDir() string       { return filepath.Join(s.root, "tmp") }

// Path returns the on-volume path for a ref. The file may not exist.
func (s *ArtifactStore) Path(ref ArtifactRef) string {
	return filepath.Join(s.artifactsDir(), ref.prefix(), string(ref))
}

// Put streams r to the volume and returns its content address. The second
// return is true when identical bytes were already stored (dedup hit).
func (s *ArtifactStore) Put(r io.Reader) (ArtifactRef, bool, error) {
	tmp, err := os.CreateTemp(s.tmpDir(), "upload-*")
	if err != nil {
		return "", false, common.E(common.KindStorageError, "create temp artifact", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		_ = tmp.Close()
		return "", false, common.E(common.KindStorageError, "write artifact bytes", err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, common.E(common.KindStorageError, "flush artifact", err)
	}

	ref := ArtifactRef(hex.EncodeToString(h.Sum(nil)))
	final := s.Path(ref)

	if _, err := os.Stat(final); err == nil {
		s.logger.Debug("artifact dedup hit", "ref", ref, "size", size)
		return ref, true, nil
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", false, common.E(common.KindStorageError, "create artifact fanout dir", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", false, common.E(common.KindStorageError, "commit artifact", err)
	}

	s.logger.Debug("artifact stored", "ref", ref, "size", size)
	return ref, false, nil
}

// Open returns a reader over the artifact bytes.
func (s *ArtifactStore) Open(ref ArtifactRef) (*os.File, error) {
	f, err := os.Open(s.Path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.E(common.KindNotFound, fmt.Sprintf("artifact %s not found", ref), err)
		}
		return nil, common.E(common.KindStorageError, "open artifact", err)
	}
	return f, nil
}

// ReadPrefix reads up to n leading bytes of the artifact, for sniffing.
func (s *ArtifactStore) ReadPrefix(ref ArtifactRef, n int) ([]byte, error) {
	f, err := s.Open(ref)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, common.E(common.KindStorageError, "read artifact prefix", err)
	}
	return buf[:read], nil
}
