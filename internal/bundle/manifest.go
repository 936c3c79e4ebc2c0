package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const ManifestFile = "manifest.json"

// FileInfo describes one bundle file as it was written.
type FileInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest lists the files of a bundle so a transfer can be verified.
type Manifest struct {
	Files    []FileInfo `json:"files"`
	Reports  int        `json:"reports"`
	Findings int        `json:"findings"`
}

// ErrChecksum is returned when a bundle file does not match its manifest.
var ErrChecksum = errors.New("bundle checksum mismatch")

func buildManifest(dir string, names ...string) (Manifest, error) {
	var m Manifest
	for _, name := range names {
		fi, err := inspectFile(filepath.Join(dir, name))
		if err != nil {
			return Manifest{}, err
		}
		fi.Name = name
		m.Files = append(m.Files, fi)
	}
	return m, nil
}

func readManifest(dir string) (Manifest, bool, error) {
	var m Manifest
	path := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return m, false, nil
	}
	if err := readJSON(path, &m); err != nil {
		return m, false, err
	}
	return m, true, nil
}

// Verify checks every listed file in dir against its recorded size and hash.
func (m Manifest) Verify(dir string) error {
	for _, want := range m.Files {
		got, err := inspectFile(filepath.Join(dir, want.Name))
		if err != nil {
			return err
		}
		if got.Size != want.Size || got.SHA256 != want.SHA256 {
			return fmt.Errorf("%w: %s has %d bytes sha256=%s, manifest says %d bytes sha256=%s",
				ErrChecksum, want.Name, got.Size, got.SHA256, want.Size, want.SHA256)
		}
	}
	return nil
}

func inspectFile(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileInfo{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return FileInfo{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
