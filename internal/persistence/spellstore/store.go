package spellstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"spellforge.gg/internal/protocol"
)

var ErrNotFound = errors.New("spellstore: not found")

// Store is the content-addressed file store for spell revisions. Layout
// is one directory per revision under spells/<spell>/revisions/<rev>/;
// after finalize a revision's files are never rewritten.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: filepath.Join(root, "spells")}
}

func (s *Store) SpellDir(spellID string) string {
	return filepath.Join(s.root, spellID)
}

func (s *Store) RevisionDir(spellID, revisionID string) string {
	return filepath.Join(s.SpellDir(spellID), "revisions", revisionID)
}

func (s *Store) manifestPath(spellID, revisionID string) string {
	return filepath.Join(s.RevisionDir(spellID, revisionID), "manifest.json")
}

// CreateRevisionDirs prepares the code/ and assets/ subtrees for a new
// revision.
func (s *Store) CreateRevisionDirs(spellID, revisionID string) error {
	dir := s.RevisionDir(spellID, revisionID)
	for _, sub := range []string{"code", "assets"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Write stores content at relativePath inside the revision directory
// and returns the recorded path, sha256 content hash, and size.
func (s *Store) Write(spellID, revisionID, relativePath string, content []byte) (protocol.FileEntry, error) {
	rel, err := cleanRelative(relativePath)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	full := filepath.Join(s.RevisionDir(spellID, revisionID), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return protocol.FileEntry{}, err
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return protocol.FileEntry{}, err
	}
	sum := sha256.Sum256(content)
	return protocol.FileEntry{
		Path:        rel,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(content)),
	}, nil
}

func (s *Store) WriteText(spellID, revisionID, relativePath, content string) (protocol.FileEntry, error) {
	return s.Write(spellID, revisionID, relativePath, []byte(content))
}

// Read returns the raw bytes of one revision file, or ErrNotFound.
func (s *Store) Read(spellID, revisionID, relativePath string) ([]byte, error) {
	rel, err := cleanRelative(relativePath)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.RevisionDir(spellID, revisionID), filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// List returns the slash-separated relative paths of every file in the
// revision, or an empty slice for an unknown revision.
func (s *Store) List(spellID, revisionID string) ([]string, error) {
	dir := s.RevisionDir(spellID, revisionID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

func (s *Store) RevisionExists(spellID, revisionID string) bool {
	_, err := os.Stat(s.RevisionDir(spellID, revisionID))
	return err == nil
}

func (s *Store) WriteManifest(m protocol.Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := s.manifestPath(m.SpellID, m.RevisionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (s *Store) ReadManifest(spellID, revisionID string) (protocol.Manifest, error) {
	var m protocol.Manifest
	b, err := os.ReadFile(s.manifestPath(spellID, revisionID))
	if errors.Is(err, fs.ErrNotExist) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("spellstore: manifest %s/%s: %w", spellID, revisionID, err)
	}
	return m, nil
}

// cleanRelative rejects absolute paths and parent traversal.
func cleanRelative(p string) (string, error) {
	p = filepath.ToSlash(p)
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("spellstore: invalid path %q", p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("spellstore: invalid path %q", p)
	}
	return clean, nil
}
