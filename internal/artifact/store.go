// Package artifact persists one file per unique crash signature in the output directory.
//
// Layout, for a corpus of .js files:
//
//	crash-<sig>.js         the input that triggered the crash
//	crash-<sig>.meta.json  ArtifactMeta
//	crash-<sig>.stdout     captured output of the target
//	crash-<sig>.stderr
//	crash-<sig>.min.js     minimized input, when a minimizer succeeded
//
// Every file is written to a temp file in the same directory and moved into place, so a
// crash of treefuzz itself never leaves a partial file under a final name. Linking the input
// file commits the artifact: only the writer whose link succeeded moves its staged sidecars
// into place, so the sidecars always describe the stored input.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"treefuzz/internal/dedup"
	"treefuzz/internal/types"

	"go.uber.org/zap"
)

const (
	prefix     = "crash-"
	tempPrefix = ".tmp-"
	minSuffix  = ".min"
	metaSuffix = ".meta.json"

	// temp files older than this were left behind by a killed process
	staleTempAge = 10 * time.Minute
)

type Store struct {
	dir    string
	ext    string
	logger *zap.Logger
}

// Open creates the output directory if needed and removes stale temp files.
func Open(dir, ext string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewSetupError("create output directory", err)
	}
	s := &Store{dir: dir, ext: ext, logger: logger.Named("artifact")}
	if err := s.removeStaleTemps(); err != nil {
		return nil, types.NewSetupError("read output directory", err)
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path is the final location of the input for sig.
func (s *Store) Path(sig types.Signature) string {
	return filepath.Join(s.dir, prefix+string(sig)+s.ext)
}

// MinimizedPath is the location of the minimized input for sig.
func (s *Store) MinimizedPath(sig types.Signature) string {
	return filepath.Join(s.dir, prefix+string(sig)+minSuffix+s.ext)
}

func (s *Store) sidecar(sig types.Signature, suffix string) string {
	return filepath.Join(s.dir, prefix+string(sig)+suffix)
}

// Save persists a novel crash. If an artifact for sig already exists, it returns its path
// and ErrExists and writes nothing. Any other error means no input was stored.
func (s *Store) Save(c *types.Candidate, sig types.Signature, meta *types.ArtifactMeta, res *types.ExecResult) (string, error) {
	final := s.Path(sig)
	if _, err := os.Lstat(final); err == nil {
		return final, types.ErrExists
	}

	content, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	sidecars := []staged{{path: s.sidecar(sig, metaSuffix), data: content}}
	if res != nil {
		sidecars = append(sidecars,
			staged{path: s.sidecar(sig, ".stdout"), data: res.Stdout},
			staged{path: s.sidecar(sig, ".stderr"), data: res.Stderr})
	}
	for i := range sidecars {
		tmp, err := s.writeTemp(sidecars[i].data)
		if err != nil {
			discard(sidecars)
			return "", err
		}
		sidecars[i].tmp = tmp
	}

	if err := s.create(final, c.Data); err != nil {
		discard(sidecars)
		if errors.Is(err, types.ErrExists) {
			return final, err
		}
		return "", err
	}
	for _, f := range sidecars {
		if err := os.Rename(f.tmp, f.path); err != nil {
			os.Remove(f.tmp)
			s.logger.Warn("failed to move sidecar into place", zap.String("path", f.path), zap.Error(err))
		}
	}
	if err := s.syncDir(); err != nil {
		s.logger.Debug("failed to open output directory", zap.Error(err))
	}
	s.logger.Debug("saved artifact", zap.String("path", final))
	return final, nil
}

// staged is a sidecar written to tmp, waiting for the input link to succeed.
type staged struct {
	path string
	tmp  string
	data []byte
}

func discard(files []staged) {
	for _, f := range files {
		if f.tmp != "" {
			os.Remove(f.tmp)
		}
	}
}

// SaveMinimized writes the minimized input for sig next to the original, which is never
// modified. A previous minimized file is replaced.
func (s *Store) SaveMinimized(sig types.Signature, data []byte) (string, error) {
	path := s.MinimizedPath(sig)
	if err := s.replace(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Signatures lists the signatures of every complete artifact in the directory.
func (s *Store) Signatures() ([]types.Signature, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var sigs []types.Signature
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if sig, ok := s.ParseName(entry.Name()); ok {
			sigs = append(sigs, sig)
		}
	}
	return sigs, nil
}

// ParseName returns the signature if name is the input file of an artifact.
func (s *Store) ParseName(name string) (types.Signature, bool) {
	sig, rest, ok := splitName(name)
	if !ok || rest != s.ext {
		return "", false
	}
	return sig, true
}

func splitName(name string) (types.Signature, string, bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", "", false
	}
	name = strings.TrimPrefix(name, prefix)
	n := dedup.SignatureLen
	if len(name) < n || !dedup.Valid(name[:n]) {
		return "", "", false
	}
	return types.Signature(name[:n]), name[n:], true
}

// Load reads an input for replay. Metadata is attached when path is a stored artifact.
func (s *Store) Load(path string) (*types.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	art := &types.Artifact{Path: path, Data: data}
	sig, _, ok := splitName(filepath.Base(path))
	if !ok {
		return art, nil
	}
	art.Signature = sig

	content, err := os.ReadFile(filepath.Join(filepath.Dir(path), prefix+string(sig)+metaSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return art, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &art.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", path, err)
	}
	return art, nil
}

// create writes data under path, failing with ErrExists if path is taken.
func (s *Store) create(path string, data []byte) error {
	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return types.ErrExists
		}
		return fmt.Errorf("failed to link %s: %w", path, err)
	}
	return s.syncDir()
}

// replace atomically writes data under path, replacing any previous file.
func (s *Store) replace(path string, data []byte) error {
	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return s.syncDir()
}

func (s *Store) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return f.Name(), nil
}

func (s *Store) syncDir() error {
	dir, err := os.Open(s.dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		s.logger.Debug("failed to sync output directory", zap.Error(err))
	}
	return nil
}

func (s *Store) removeStaleTemps() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < staleTempAge {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove stale temp file", zap.String("file", path), zap.Error(err))
			continue
		}
		s.logger.Info("removed stale temp file", zap.String("file", path))
	}
	return nil
}
