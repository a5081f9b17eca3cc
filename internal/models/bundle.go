package models

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

const maxBundleEntry = 512 << 20

// ExtractTextureBundle unpacks a texture archive into dir. The archive holds
// exactly one .obj entry; it and every entry sharing its stem are written as
// stem-prefixed files, so mesh.obj and mesh_metallic.jpg become
// {stem}.obj and {stem}_metallic.jpg. Other entries are ignored. Returns the
// OBJ path.
func ExtractTextureBundle(data []byte, dir, stem string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open texture bundle: %w", err)
	}

	var objEntry *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := checkEntryName(f.Name); err != nil {
			return "", err
		}
		if strings.EqualFold(path.Ext(f.Name), ".obj") {
			if objEntry != nil {
				return "", fmt.Errorf("texture bundle has more than one obj: %s, %s", objEntry.Name, f.Name)
			}
			objEntry = f
		}
	}
	if objEntry == nil {
		return "", errors.New("texture bundle has no obj")
	}

	srcStem := strings.TrimSuffix(path.Base(objEntry.Name), path.Ext(objEntry.Name))
	var objPath string
	for _, f := range zr.File {
		base := path.Base(f.Name)
		if f.FileInfo().IsDir() || !strings.HasPrefix(base, srcStem) {
			continue
		}
		rest := base[len(srcStem):]
		if f == objEntry {
			rest = ".obj"
		}
		dest := filepath.Join(dir, stem+rest)
		if err := writeEntry(f, dest); err != nil {
			return "", err
		}
		if f == objEntry {
			objPath = dest
		}
	}
	return objPath, nil
}

func checkEntryName(name string) error {
	if path.IsAbs(name) || strings.Contains(name, `\`) {
		return fmt.Errorf("texture bundle entry %q has an unsafe path", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("texture bundle entry %q has an unsafe path", name)
		}
	}
	return nil
}

func writeEntry(f *zip.File, dest string) error {
	if f.UncompressedSize64 > maxBundleEntry {
		return fmt.Errorf("texture bundle entry %s too large: %d bytes", f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open bundle entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, io.LimitReader(rc, maxBundleEntry)); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return out.Close()
}
