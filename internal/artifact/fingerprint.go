package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
)

// absentMarker stands in for a path with no file behind it, so "input
// appeared" and "input disappeared" both change the combined fingerprint.
const absentMarker = "absent"

// Fingerprint returns a content signature for one file: the hex SHA-256 of
// its bytes, or "absent" when the file does not exist. Content hashing
// rather than mtime keeps the skip check honest across copies and restores.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return absentMarker, nil
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FingerprintAll combines the fingerprints of several paths into one
// signature, independent of the order the paths are listed in.
func FingerprintAll(paths []string) (string, error) {
	sorted := append([]string{}, paths...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		fp, err := Fingerprint(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s=%s\n", p, fp)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
