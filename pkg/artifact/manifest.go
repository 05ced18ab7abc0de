package artifact

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const manifestName = "manifest.json"

// Manifest is the integrity record written when a bundle is sealed
type Manifest struct {
	RunID      string          `json:"run_id"`
	SealedAt   time.Time       `json:"sealed_at"`
	Entries    []ManifestEntry `json:"entries"`
	BundleHash string          `json:"bundle_hash"`
}

// ManifestEntry describes one sealed file
type ManifestEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Seal hashes every file in the bundle, writes the manifest and closes
// the bundle against further writes. Sealing twice returns ErrSealed.
func (s *Store) Seal(runID string) (*Manifest, error) {
	l := s.lock(runID)
	l.Lock()
	defer l.Unlock()

	if s.Sealed(runID) {
		return nil, ErrSealed
	}

	files, err := s.List(runID)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	manifest := &Manifest{
		RunID:    runID,
		SealedAt: time.Now().UTC(),
	}

	bundleHash := sha256.New()
	for _, rel := range files {
		path := filepath.Join(s.BundleDir(runID), filepath.FromSlash(rel))
		sum, size, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		manifest.Entries = append(manifest.Entries, ManifestEntry{Path: rel, Size: size, SHA256: sum})
		fmt.Fprintf(bundleHash, "%s:%s\n", rel, sum)
	}
	manifest.BundleHash = hex.EncodeToString(bundleHash.Sum(nil))

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.BundleDir(runID), manifestName)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Manifest reads a sealed bundle's manifest
func (s *Store) Manifest(runID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.BundleDir(runID), manifestName))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Verify recomputes every hash in a sealed bundle and compares against
// the manifest, including the bundle hash itself
func (s *Store) Verify(runID string) error {
	m, err := s.Manifest(runID)
	if err != nil {
		return err
	}

	bundleHash := sha256.New()
	for _, entry := range m.Entries {
		path, err := s.confine(runID, entry.Path)
		if err != nil {
			return err
		}
		sum, size, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", entry.Path, err)
		}
		if sum != entry.SHA256 {
			return fmt.Errorf("artifact %s corrupted: hash mismatch", entry.Path)
		}
		if size != entry.Size {
			return fmt.Errorf("artifact %s corrupted: size mismatch", entry.Path)
		}
		fmt.Fprintf(bundleHash, "%s:%s\n", entry.Path, sum)
	}

	if hex.EncodeToString(bundleHash.Sum(nil)) != m.BundleHash {
		return fmt.Errorf("bundle %s corrupted: bundle hash mismatch", runID)
	}
	return nil
}

// WriteTar streams the whole bundle as a tar archive, manifest last so
// readers can verify as they extract
func (s *Store) WriteTar(runID string, w io.Writer) error {
	files, err := s.List(runID)
	if err != nil {
		return err
	}
	sort.Strings(files)

	// Move the manifest to the end if present
	for i, rel := range files {
		if rel == manifestName {
			files = append(append(files[:i:i], files[i+1:]...), manifestName)
			break
		}
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	for _, rel := range files {
		path := filepath.Join(s.BundleDir(runID), filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(filepath.Join(runID, rel)),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
