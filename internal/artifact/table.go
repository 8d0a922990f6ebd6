// Package artifact handles the on-disk representation of pipeline artifacts:
// CSV tables (optionally gzipped), atomic temp-then-promote writes, and
// content fingerprints for the skip-if-unchanged check.
package artifact

import (
	"archive/zip"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ReadRows reads every CSV row from path. Files ending in .gz are
// decompressed transparently. Rows may be ragged; callers own schema checks.
func ReadRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	}

	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	return rows, nil
}

// ReadTable reads a headed CSV table, returning the header row and the data
// rows separately.
func ReadTable(path string) ([]string, [][]string, error) {
	rows, err := ReadRows(path)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("table %s is empty", path)
	}
	return rows[0], rows[1:], nil
}

// HeaderIndex maps column names to positions for row field lookups.
func HeaderIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	return idx
}

// CountDataRows returns the number of data rows (excluding the header) in a
// headed CSV table. The fusion stage uses it to verify the final table
// before deleting per-year intermediates.
func CountDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	n := -1 // header does not count
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read csv %s: %w", path, err)
		}
		n++
	}
	if n < 0 {
		return 0, fmt.Errorf("table %s is empty", path)
	}
	return n, nil
}

// Gunzip decompresses src into dst atomically.
func Gunzip(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", src, err)
	}
	defer gz.Close()

	return WriteAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, gz)
		return err
	})
}

// ExtractZip unpacks every file in a ZIP archive into dir, flattening any
// directory structure inside the archive. Each entry is promoted atomically.
// Returns the extracted file names.
func ExtractZip(archive, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archive, err)
	}
	defer zr.Close()

	var names []string
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(entry.Name)
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", entry.Name, err)
		}
		err = WriteAtomic(filepath.Join(dir, name), func(w io.Writer) error {
			_, err := io.Copy(w, rc)
			return err
		})
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
