package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sidecar is optional metadata dropped next to an EPUB as <name>.yaml,
// overriding whatever the file itself declares.
type Sidecar struct {
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Language string `yaml:"language"`
}

// LoadSidecar reads the YAML sidecar for an EPUB. A missing sidecar is not
// an error; a malformed one is.
func LoadSidecar(epubPath string) (*Sidecar, error) {
	base := strings.TrimSuffix(epubPath, filepath.Ext(epubPath))

	data, err := os.ReadFile(base + ".yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}

	var sc Sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse sidecar %s.yaml: %w", filepath.Base(base), err)
	}
	return &sc, nil
}

// Apply overlays the sidecar's non-empty fields onto book metadata.
func (s *Sidecar) Apply(meta *Metadata) {
	if s == nil {
		return
	}
	if s.Title != "" {
		meta.Title = s.Title
	}
	if s.Author != "" {
		meta.Author = s.Author
	}
	if s.Language != "" {
		meta.Language = s.Language
	}
}
