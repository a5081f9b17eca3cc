package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrEmptyBundle is returned when a bundle directory holds no policy modules.
var ErrEmptyBundle = errors.New("policy bundle has no .rego modules")

// Module is one rego source of a bundle. Name is the slash-separated path
// relative to the bundle root, so compile errors point at the right file.
type Module struct {
	Name   string
	Source string
}

// LoadBundle reads the .rego modules under dir, nested directories included,
// sorted by name. Rego unit tests (*_test.rego) and hidden directories are
// skipped.
func LoadBundle(dir string) ([]Module, error) {
	var modules []Module
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if filepath.Ext(name) != ".rego" || strings.HasSuffix(name, "_test.rego") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		modules = append(modules, Module{Name: filepath.ToSlash(rel), Source: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read policy bundle %s: %w", dir, err)
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBundle, dir)
	}
	slices.SortFunc(modules, func(a, b Module) int { return strings.Compare(a.Name, b.Name) })
	return modules, nil
}
