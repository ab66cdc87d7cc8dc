// Package catalog loads field templates authored in YAML and validates them
// before they reach the dialogue engine.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wbattistetti/omnia/internal/models"
)

// MaxFileSize is the largest template file Load accepts.
const MaxFileSize = 1 << 20

// ErrTemplateNotFound is returned when no template matches an id.
var ErrTemplateNotFound = errors.New("template not found")

// Template is an authored field together with the id that owns its
// translation keys.
type Template struct {
	ID          string       `json:"id" yaml:"id"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Field       models.Field `json:"field" yaml:"field"`
}

// document is the on-disk shape: either a single template or a list.
type document struct {
	Template  `yaml:",inline"`
	Templates []Template `yaml:"templates,omitempty"`
}

// Catalog indexes templates by template id and root field id. It is immutable
// after construction and safe for concurrent use.
type Catalog struct {
	byID    map[string]Template
	byField map[string]string
	order   []string
}

// New validates templates and builds a catalog. Every validation problem of
// every template is reported.
func New(templates ...Template) (*Catalog, error) {
	c := &Catalog{
		byID:    make(map[string]Template, len(templates)),
		byField: make(map[string]string, len(templates)),
	}
	var errs []error
	for _, t := range templates {
		if err := Validate(t); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byID[t.ID]; dup {
			errs = append(errs, &ValidationError{TemplateID: t.ID, Reason: "duplicate template id"})
			continue
		}
		if owner, dup := c.byField[t.Field.ID]; dup {
			errs = append(errs, &ValidationError{TemplateID: t.ID, FieldID: t.Field.ID, Reason: fmt.Sprintf("root field already defined by template %q", owner)})
			continue
		}
		c.byID[t.ID] = t
		c.byField[t.Field.ID] = t.ID
		c.order = append(c.order, t.ID)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slog.Debug("catalog.New: catalog built", "templates", len(c.order))
	return c, nil
}

// Get returns the template whose id or root field id is id.
func (c *Catalog) Get(id string) (Template, bool) {
	if t, ok := c.byID[id]; ok {
		return t, true
	}
	if tid, ok := c.byField[id]; ok {
		return c.byID[tid], true
	}
	return Template{}, false
}

// Templates returns the templates in load order.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Parse decodes one YAML document stream. Each document holds a single
// template or a "templates" list.
func Parse(r io.Reader) ([]Template, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var out []Template
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse templates: %w", err)
		}
		if doc.ID != "" || doc.Field.ID != "" {
			out = append(out, doc.Template)
		}
		out = append(out, doc.Templates...)
	}
	return out, nil
}

// Load reads templates from a YAML file or from every *.yaml and *.yml file of
// a directory, in name order, and builds a catalog.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	files := []string{path}
	if info.IsDir() {
		files = files[:0]
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog directory %s: %w", path, err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var templates []Template
	for _, f := range files {
		parsed, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		templates = append(templates, parsed...)
	}
	slog.Info("catalog.Load: templates loaded", "path", path, "files", len(files), "templates", len(templates))
	return New(templates...)
}

func loadFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, MaxFileSize)
	}
	templates, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return templates, nil
}
