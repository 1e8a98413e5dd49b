package strategy

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// IDs of the built-in strategies the bridge flow uses.
const (
	ExtractCMSID   = "extract-cms"
	TPAParallel1ID = "tpa-parallel-1"
	TPAParallel2ID = "tpa-parallel-2"
)

//go:embed catalog/*.json
var builtinFS embed.FS

// ErrNotFound is returned for an unknown strategy ID.
var ErrNotFound = errors.New("strategy not found")

// Catalog holds strategy templates by ID. Strategies handed out are
// copies, so callers may patch them freely.
type Catalog struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Strategy
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byID: make(map[string]Strategy)}
}

// Builtin returns a catalog with the strategies shipped with flowbridge.
func Builtin() (*Catalog, error) {
	c := NewCatalog()
	if err := c.loadFS(builtinFS, "catalog"); err != nil {
		return nil, fmt.Errorf("loading built-in strategies: %w", err)
	}
	return c, nil
}

// Add validates s and adds it, replacing a strategy with the same ID.
func (c *Catalog) Add(s Strategy) error {
	if err := Validate(s); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[s.ID]; !ok {
		c.order = append(c.order, s.ID)
	}
	c.byID[s.ID] = s.Clone()

	return nil
}

// Get returns a copy of the strategy id.
func (c *Catalog) Get(id string) (Strategy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// List returns copies of every strategy, in the order they were added.
func (c *Catalog) List() []Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]Strategy, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.byID[id].Clone())
	}
	return list
}

// LoadDir adds every *.json strategy in dir, in file name order.
func (c *Catalog) LoadDir(dir string) error {
	if err := c.loadFS(os.DirFS(dir), "."); err != nil {
		return fmt.Errorf("loading strategies from %q: %w", dir, err)
	}
	return nil
}

func (c *Catalog) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err //nolint:wrapcheck
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return err //nolint:wrapcheck
		}
		s, err := Parse(b)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := c.Add(s); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return nil
}

// Parse decodes a JSON strategy definition.
func Parse(b []byte) (Strategy, error) {
	var s Strategy
	if err := json.Unmarshal(b, &s); err != nil {
		return Strategy{}, fmt.Errorf("parsing strategy: %w", err)
	}
	return s, nil
}

// Validate checks that s has an ID and that its step IDs are present and
// unique. Per-action parameters are checked when a step runs.
func Validate(s Strategy) error {
	if s.ID == "" {
		return errors.New("strategy has no id")
	}
	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.ID == "" {
			return fmt.Errorf("strategy %q: step %d has no id", s.ID, i)
		}
		if seen[step.ID] {
			return fmt.Errorf("strategy %q: duplicate step id %q", s.ID, step.ID)
		}
		seen[step.ID] = true
	}
	return nil
}
