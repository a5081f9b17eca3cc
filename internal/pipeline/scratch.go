package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Scratch file suffixes, joined to the request uid with an underscore.
const (
	suffixInitial   = "initial.glb"
	suffixTexturing = "texturing.glb"
	suffixTextured  = "textured.glb"
)

// scratch scopes the intermediate files of one request.
type scratch struct {
	dir string
	uid string
}

func (s scratch) path(suffix string) string {
	return filepath.Join(s.dir, s.uid+"_"+suffix)
}

// cleanup removes every {uid}_* file in the scratch directory.
func (s scratch) cleanup(logger *zap.Logger) {
	matches, err := filepath.Glob(filepath.Join(s.dir, s.uid+"_*"))
	if err != nil {
		logger.Warn("list scratch files", zap.Error(err))
		return
	}
	for _, p := range matches {
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("remove scratch file", zap.String("path", p), zap.Error(err))
		}
	}
}

// PrepareScratch creates dir and removes the regular files left in it by a
// previous process. It returns the number of files removed.
func PrepareScratch(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create scratch dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("purge scratch dir: %w", err)
		}
		removed++
	}
	return removed, nil
}
