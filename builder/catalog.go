package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
)

// Catalog holds workflow definitions keyed by slug
type Catalog struct {
	mu     sync.RWMutex
	defs   map[string]*talkflow.WorkflowDefinition
	logger zerolog.Logger
}

var _ talkflow.WorkflowCatalog = (*Catalog)(nil)

// NewCatalog creates an empty catalog
func NewCatalog(logger zerolog.Logger) *Catalog {
	return &Catalog{
		defs:   make(map[string]*talkflow.WorkflowDefinition),
		logger: logger,
	}
}

// Add registers definitions. The batch is rejected as a whole when a slug is
// taken twice or a sub-workflow cycle appears.
func (c *Catalog) Add(defs ...*talkflow.WorkflowDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := make(map[string]*talkflow.WorkflowDefinition, len(c.defs)+len(defs))
	for slug, def := range c.defs {
		merged[slug] = def
	}
	for _, def := range defs {
		if err := Validate(def); err != nil {
			return err
		}
		if _, dup := merged[def.Slug]; dup {
			return talkflow.NewConfigError(def.Slug, "", "duplicate workflow slug", nil)
		}
		merged[def.Slug] = def
	}
	if err := ValidateNoCycles(merged); err != nil {
		return err
	}

	c.defs = merged
	return nil
}

// LoadDir decodes every .yaml, .yml and .json file in dir (not recursive)
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows directory: %w", err)
	}

	var defs []*talkflow.WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		def, err := DecodeFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}

	if err := c.Add(defs...); err != nil {
		return err
	}

	c.logger.Info().Str("dir", dir).Int("workflows", len(defs)).Msg("Workflows loaded")
	return nil
}

// Get returns the definition for slug
func (c *Catalog) Get(slug string) (*talkflow.WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[slug]
	if !ok {
		return nil, fmt.Errorf("%s: %w", slug, talkflow.ErrWorkflowNotFound)
	}
	return def, nil
}

// List returns all definitions ordered by slug
func (c *Catalog) List() []*talkflow.WorkflowDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*talkflow.WorkflowDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
