package dataio

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS reads sample lists and features from the local filesystem.
// List files hold one sample ID per line; blank lines and '#' comments
// are skipped. Features live at <featureDir>/<id><ext>.
type FS struct {
	featureDir string
	ext        string
}

// NewFS creates a filesystem reader rooted at featureDir. ext is the
// feature file extension including the dot (e.g. ".bin"); empty means
// the ID is the full filename.
func NewFS(featureDir, ext string) *FS {
	return &FS{featureDir: featureDir, ext: ext}
}

// ReadList reads an ordered sample ID list from path.
func (f *FS) ReadList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open list %s: %w", path, err)
	}
	defer file.Close()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read list %s: %w", path, err)
	}
	return ids, nil
}

// ReadFeature reads the payload for one sample ID.
func (f *FS) ReadFeature(id string) (Payload, error) {
	path := filepath.Join(f.featureDir, id+f.ext)
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("read feature %s: %w", id, err)
	}
	return Payload{ID: id, Data: data}, nil
}
