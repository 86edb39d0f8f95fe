// Package artifact implements the content-addressed cache that carries
// stage outputs (checkpoints, feature sets, codebook index sets) between
// pipeline stages and across pipeline runs.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/waveforge/waveforge/internal/fsutil"
)

var (
	// ErrNotFound is returned by Lookup when no artifact is registered
	// under a fingerprint.
	ErrNotFound = errors.New("artifact not found")

	// ErrConflict is returned when a registration collides with an
	// existing entry whose content differs. It usually means a previous
	// run was interrupted mid-write outside the staging discipline.
	ErrConflict = errors.New("artifact conflict: fingerprint already registered with different content")

	// ErrKindMismatch is returned when a cached entry exists at the
	// requested fingerprint but its kind does not satisfy the stage's
	// output contract.
	ErrKindMismatch = errors.New("cached artifact kind does not match requested kind")
)

const metadataFile = "metadata.json"

// Cache stores artifacts keyed by fingerprint under a root directory.
//
// Layout:
//
//	<root>/cache.lock          registration lock
//	<root>/staging/<uuid>/     in-flight writes, never visible to Lookup
//	<root>/objects/<fp>/       committed entries (payload + metadata.json)
//
// Writes land in a staging directory and become visible through a single
// rename, so a crash mid-write leaves Lookup reporting ErrNotFound.
type Cache struct {
	root string
	lock *flock.Flock
}

// Open opens (creating if needed) a cache rooted at dir.
func Open(dir string) (*Cache, error) {
	for _, sub := range []string{"staging", "objects"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", sub, err)
		}
	}
	return &Cache{
		root: dir,
		lock: flock.New(filepath.Join(dir, "cache.lock")),
	}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// StagingDir creates and returns a fresh staging directory for a stage
// to write its output into before registration.
func (c *Cache) StagingDir() (string, error) {
	dir := filepath.Join(c.root, "staging", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir staging: %w", err)
	}
	return dir, nil
}

func (c *Cache) objectDir(fp Fingerprint) string {
	return filepath.Join(c.root, "objects", string(fp))
}

// Lookup returns the artifact registered under fp, or ErrNotFound.
func (c *Cache) Lookup(fp Fingerprint) (*Artifact, error) {
	var art Artifact
	path := filepath.Join(c.objectDir(fp), metadataFile)
	if err := fsutil.ReadJSON(path, &art); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact metadata: %w", err)
	}
	// Paths in metadata are relative to survive cache relocation.
	art.Path = c.objectDir(fp)
	return &art, nil
}

// LookupKind looks up fp and additionally checks the entry satisfies the
// requested output kind, returning ErrKindMismatch when it does not.
func (c *Cache) LookupKind(fp Fingerprint, kind Kind) (*Artifact, error) {
	art, err := c.Lookup(fp)
	if err != nil {
		return nil, err
	}
	if art.Kind != kind {
		return nil, fmt.Errorf("%w: have %q, want %q", ErrKindMismatch, art.Kind, kind)
	}
	return art, nil
}

// Register commits the contents of stagingDir as the artifact for
// art.Fingerprint. The caller owns stagingDir until Register returns;
// on success the directory has been moved into the cache.
//
// Registration rights are exclusive per fingerprint (first writer wins):
// if an entry already exists with matching size and checksum the staged
// copy is discarded and the existing artifact is returned, which makes
// duplicate computation by non-coordinator workers harmless. A content
// mismatch returns ErrConflict and leaves the existing entry untouched.
func (c *Cache) Register(art Artifact, stagingDir string) (*Artifact, error) {
	if !ValidKind(art.Kind) {
		return nil, fmt.Errorf("register %q: unknown artifact kind %q", art.Name, art.Kind)
	}
	if art.Fingerprint == "" {
		return nil, fmt.Errorf("register %q: empty fingerprint", art.Name)
	}

	size, sum, err := hashTree(stagingDir)
	if err != nil {
		return nil, fmt.Errorf("hash staged artifact: %w", err)
	}
	art.SizeBytes = size
	art.Checksum = sum
	art.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	art.Path = "" // stored relative; filled in by Lookup

	if err := c.lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}
	defer c.lock.Unlock()

	if existing, err := c.Lookup(art.Fingerprint); err == nil {
		if existing.Checksum == sum && existing.SizeBytes == size {
			os.RemoveAll(stagingDir)
			return existing, nil
		}
		return nil, fmt.Errorf("%s: %w", art.Fingerprint.Short(), ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Metadata is written inside the staging dir before the rename so
	// the committed entry appears complete in one step.
	if err := fsutil.WriteJSON(filepath.Join(stagingDir, metadataFile), &art); err != nil {
		return nil, fmt.Errorf("write artifact metadata: %w", err)
	}
	dst := c.objectDir(art.Fingerprint)
	if err := os.Rename(stagingDir, dst); err != nil {
		return nil, fmt.Errorf("commit artifact %s: %w", art.Fingerprint.Short(), err)
	}

	art.Path = dst
	return &art, nil
}

// Invalidate removes the entry registered under fp. Removing a missing
// entry is not an error.
func (c *Cache) Invalidate(fp Fingerprint) error {
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("acquire cache lock: %w", err)
	}
	defer c.lock.Unlock()
	if err := os.RemoveAll(c.objectDir(fp)); err != nil {
		return fmt.Errorf("invalidate %s: %w", fp.Short(), err)
	}
	return nil
}

// InvalidateStage removes every entry produced by the named stage and
// returns how many were removed.
func (c *Cache) InvalidateStage(stage string) (int, error) {
	arts, err := c.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, a := range arts {
		if a.Stage != stage {
			continue
		}
		if err := c.Invalidate(a.Fingerprint); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// List returns all committed artifacts, oldest first.
func (c *Cache) List() ([]Artifact, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, "objects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache objects: %w", err)
	}

	var arts []Artifact
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		art, err := c.Lookup(Fingerprint(e.Name()))
		if err != nil {
			continue // skip torn or foreign entries
		}
		arts = append(arts, *art)
	}
	sort.Slice(arts, func(i, j int) bool {
		if arts[i].CreatedAt != arts[j].CreatedAt {
			return arts[i].CreatedAt < arts[j].CreatedAt
		}
		return arts[i].Fingerprint < arts[j].Fingerprint
	})
	return arts, nil
}

// FindStage returns the most recently registered artifact produced by
// the named stage, or ErrNotFound. Used by the continue-with-cached
// failure policy to substitute a prior output.
func (c *Cache) FindStage(stage string) (*Artifact, error) {
	arts, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := len(arts) - 1; i >= 0; i-- {
		if arts[i].Stage == stage {
			return &arts[i], nil
		}
	}
	return nil, fmt.Errorf("stage %q: %w", stage, ErrNotFound)
}

// hashTree walks dir and returns the total payload size and a checksum
// covering relative paths and file contents. metadata.json is excluded
// so the checksum is stable across registration.
func hashTree(dir string) (int64, string, error) {
	var size int64
	h := sha256.New()

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == metadataFile {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	sort.Strings(files)

	for _, rel := range files {
		f, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			return 0, "", err
		}
		io.WriteString(h, rel)
		n, err := io.Copy(h, f)
		f.Close()
		if err != nil {
			return 0, "", err
		}
		size += n
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
