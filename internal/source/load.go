package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSource is returned by Catalog.Get for an unknown id.
var ErrUnknownSource = errors.New("unknown source")

// Parse decodes one source document. JSON documents are valid YAML, so both
// formats go through the same decoder. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, errors.New("empty source document")
		}
		return Config{}, fmt.Errorf("decode source: %w", err)
	}
	if cfg.Type == "" {
		cfg.Type = TypeListing
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	return cfg, nil
}

// LoadFile reads and parses a source file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read source %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Catalog is an immutable set of sources keyed by id.
type Catalog struct {
	byID map[string]Config
	ids  []string
}

// NewCatalog indexes cfgs. Duplicate ids are an error.
func NewCatalog(cfgs ...Config) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Config, len(cfgs))}
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return nil, errors.New("source with empty id")
		}
		if _, dup := c.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", cfg.ID)
		}
		c.byID[cfg.ID] = cfg
		c.ids = append(c.ids, cfg.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// LoadDir parses every .yaml, .yml, and .json file directly inside dir.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sources dir %s: %w", dir, err)
	}
	var cfgs []Config
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		cfg, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return NewCatalog(cfgs...)
}

// Get returns the source with the given id.
func (c *Catalog) Get(id string) (Config, error) {
	cfg, ok := c.byID[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return cfg, nil
}

// IDs returns every source id in sorted order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// All returns every source ordered by id.
func (c *Catalog) All() []Config {
	out := make([]Config, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.byID[id])
	}
	return out
}

// Len reports the number of sources.
func (c *Catalog) Len() int { return len(c.ids) }
