// Package baseline implements the filesystem-backed baseline image store:
// a mapping from baseline name to PNG bytes, with a sibling diffs/ area.
package baseline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/brennhill/agent-chrome-test/internal/bridgeerr"
)

// Store is rooted at a directory created at 0o700 on first use, with a
// diffs/ subdirectory beneath it.
type Store struct {
	root string
}

// New returns a Store rooted at dir. Directories are created (0o700)
// lazily: the root on the first Save, the diffs/ subdirectory (and the
// root, if missing) on the first SaveDiff.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) diffsDir() string { return filepath.Join(s.root, "diffs") }

func (s *Store) ensureRoot() error {
	return os.MkdirAll(s.root, 0o700)
}

func (s *Store) ensureDiffsDir() error {
	return os.MkdirAll(s.diffsDir(), 0o700)
}

// ValidateName rejects names containing a path separator or the
// substring "..", without touching the filesystem.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return bridgeerr.ErrInvalidInput
	}
	return nil
}

func (s *Store) pngPath(name string) string {
	return filepath.Join(s.root, name+".png")
}

func (s *Store) diffPath(name string) string {
	return filepath.Join(s.diffsDir(), name+".diff.png")
}

// Save writes png under <root>/<name>.png at mode 0o600 and returns the
// path written.
func (s *Store) Save(name string, png []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := s.ensureRoot(); err != nil {
		return "", errors.Join(bridgeerr.ErrStorage, err)
	}
	path := s.pngPath(name)
	if err := os.WriteFile(path, png, 0o600); err != nil {
		return "", errors.Join(bridgeerr.ErrStorage, err)
	}
	return path, nil
}

// Load returns the stored PNG bytes for name, or (nil, false) if absent.
func (s *Store) Load(name string) ([]byte, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(s.pngPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Join(bridgeerr.ErrStorage, err)
	}
	return data, true, nil
}

// Exists is a file-presence check for name.
func (s *Store) Exists(name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.pngPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Join(bridgeerr.ErrStorage, err)
}

// List returns the names (without extension) of entries whose file ends
// in .png, directly under the root (not diffs/).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Join(bridgeerr.ErrStorage, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".png") {
			names = append(names, strings.TrimSuffix(e.Name(), ".png"))
		}
	}
	return names, nil
}

// SaveDiff writes png under the diffs/ subdirectory and returns the path.
func (s *Store) SaveDiff(name string, png []byte) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := s.ensureDiffsDir(); err != nil {
		return "", errors.Join(bridgeerr.ErrStorage, err)
	}
	path := s.diffPath(name)
	if err := os.WriteFile(path, png, 0o600); err != nil {
		return "", errors.Join(bridgeerr.ErrStorage, err)
	}
	return path, nil
}
