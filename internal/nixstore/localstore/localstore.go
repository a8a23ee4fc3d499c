// Package localstore implements nixstore.Store against a plain directory
// tree, mirroring the on-disk layout the teacher's local uploader wrote
// into (a base directory holding one file per key), but read-oriented:
// a derivation's outputs are "valid" once a marker file exists for them.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildqueue/queuerunner/internal/derivation"
	"github.com/buildqueue/queuerunner/internal/nixstore"
)

// Store reads derivations and output-validity markers from baseDir.
type Store struct {
	baseDir string
}

// New constructs a Store rooted at baseDir. The directory holds three
// sub-trees: "drv" for derivation files (keyed by drvPath with the
// leading separator stripped), "valid" for zero-byte marker files
// recording which output paths have been realized, and "store", whose
// files' sizes GetBuildOutput sums.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) drvFile(drvPath string) string {
	return filepath.Join(s.baseDir, "drv", sanitize(drvPath))
}

func (s *Store) validMarker(outputPath string) string {
	return filepath.Join(s.baseDir, "valid", sanitize(outputPath))
}

// IsValidPath reports whether a marker file exists for outputPath.
func (s *Store) IsValidPath(_ context.Context, outputPath string) (bool, error) {
	_, err := os.Stat(s.validMarker(outputPath))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat valid marker for %s: %w", outputPath, err)
}

// ReadDerivation reads and parses the ".drv" file for drvPath.
func (s *Store) ReadDerivation(_ context.Context, drvPath string) (derivation.Derivation, error) {
	data, err := os.ReadFile(s.drvFile(drvPath))
	if err != nil {
		return derivation.Derivation{}, fmt.Errorf("read derivation %s: %w", drvPath, err)
	}
	drv, err := derivation.Parse(data)
	if err != nil {
		return derivation.Derivation{}, fmt.Errorf("parse derivation %s: %w", drvPath, err)
	}
	return drv, nil
}

// GetBuildOutput reports the already-realized output paths and their
// on-disk size.
func (s *Store) GetBuildOutput(_ context.Context, drv derivation.Derivation) (nixstore.BuildOutput, error) {
	out := nixstore.BuildOutput{Outputs: map[string]string{}}
	for _, o := range drv.Outputs {
		out.Outputs[o.Name] = o.Path
		if info, err := os.Stat(filepath.Join(s.baseDir, "store", sanitize(o.Path))); err == nil {
			out.Size += info.Size()
		}
	}
	return out, nil
}

// MarkValid writes the marker file recording outputPath as realized.
// Used by tests and by local development fixtures; production stores are
// populated by the builder pool, outside this module's scope.
func (s *Store) MarkValid(outputPath string) error {
	path := s.validMarker(outputPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create valid dir: %w", err)
	}
	return os.WriteFile(path, nil, 0o644)
}

// WriteDerivation writes a raw ".drv" file, used by tests and fixtures.
func (s *Store) WriteDerivation(drvPath string, data []byte) error {
	path := s.drvFile(drvPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create drv dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func sanitize(p string) string {
	p = filepath.Clean(p)
	p = filepath.ToSlash(p)
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
