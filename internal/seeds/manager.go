// Package seeds loads the immutable seed configuration tree and answers
// queries against it.
package seeds

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/signalhouse/ingest/internal/pipeline"
)

// industryFile is the on-disk shape of one industry YAML document. Each file
// defines a single industry with its seed URLs embedded.
type industryFile struct {
	pipeline.Industry `yaml:",inline"`
	Seeds             []seedEntry `yaml:"seeds"`
}

// seedEntry omits source/industry IDs; those are derived from the enclosing
// industry and an explicit source_id when present.
type seedEntry struct {
	URL      string         `yaml:"url"`
	SourceID string         `yaml:"source_id"`
	Priority int            `yaml:"priority"`
	Depth    int            `yaml:"depth"`
	Metadata map[string]any `yaml:"metadata"`
}

// sourcesFile is the on-disk shape of one sources YAML document.
type sourcesFile struct {
	Sources []pipeline.DataSource `yaml:"sources"`
}

// Manager owns the Industry, DataSource, and SeedURL sets for the process
// lifetime. Loaded once; AddSeed is the only runtime mutation.
type Manager struct {
	mu         sync.RWMutex
	industries map[string]pipeline.Industry
	sources    map[string]pipeline.DataSource
	seeds      []pipeline.SeedURL
	logger     *zap.Logger
}

// Load builds a Manager from the configuration tree rooted at dir. The tree
// holds `industries/*.yaml` and `sources/*.yaml`. A file that fails to parse
// is logged with its path and skipped; a missing root is fatal.
func Load(dir string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("seed config dir %s: %w", dir, err)
	}

	m := &Manager{
		industries: make(map[string]pipeline.Industry),
		sources:    make(map[string]pipeline.DataSource),
		logger:     logger,
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		if loadErr := m.loadFile(dir, path); loadErr != nil {
			var cfgErr *pipeline.ConfigLoadError
			if errors.As(loadErr, &cfgErr) {
				logger.Warn("skipping unparseable config file",
					zap.String("path", cfgErr.Path),
					zap.Error(cfgErr.Err),
				)
				return nil
			}
			return loadErr
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk seed config tree: %w", walkErr)
	}

	logger.Info("seed configuration loaded",
		zap.Int("industries", len(m.industries)),
		zap.Int("sources", len(m.sources)),
		zap.Int("seeds", len(m.seeds)),
	)
	return m, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// loadFile dispatches on the first path element below the config root:
// industries/ and sources/ are meaningful, anything else is ignored.
func (m *Manager) loadFile(root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("relativize %s: %w", path, err)
	}
	kind := strings.Split(filepath.ToSlash(rel), "/")[0]

	data, err := os.ReadFile(path)
	if err != nil {
		return &pipeline.ConfigLoadError{Path: path, Err: err}
	}

	switch kind {
	case "industries":
		return m.loadIndustryFile(path, data)
	case "sources":
		return m.loadSourcesFile(path, data)
	default:
		m.logger.Debug("ignoring config file outside industries/ and sources/", zap.String("path", path))
		return nil
	}
}

func (m *Manager) loadIndustryFile(path string, data []byte) error {
	var file industryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return &pipeline.ConfigLoadError{Path: path, Err: err}
	}
	if file.ID == "" {
		return &pipeline.ConfigLoadError{Path: path, Err: errors.New("industry is missing an id")}
	}

	m.industries[file.ID] = file.Industry
	for _, entry := range file.Seeds {
		normalized, err := canonicalSeedURL(entry.URL)
		if err != nil {
			m.logger.Warn("skipping seed with invalid url",
				zap.String("path", path),
				zap.String("url", entry.URL),
				zap.Error(err),
			)
			continue
		}
		m.seeds = append(m.seeds, pipeline.SeedURL{
			URL:        normalized,
			SourceID:   entry.SourceID,
			IndustryID: file.ID,
			Priority:   entry.Priority,
			Depth:      entry.Depth,
			Metadata:   entry.Metadata,
		})
	}
	return nil
}

// canonicalSeedURL validates a seed URL and returns its normalized form, so
// the same page can never be seeded twice under spelling variants.
func canonicalSeedURL(rawURL string) (string, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return "", err
	}
	return pipeline.NormalizeURL(rawURL)
}

func (m *Manager) loadSourcesFile(path string, data []byte) error {
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return &pipeline.ConfigLoadError{Path: path, Err: err}
	}
	for _, src := range file.Sources {
		if src.ID == "" || src.Type == "" {
			m.logger.Warn("skipping source missing id or type", zap.String("path", path), zap.String("name", src.Name))
			continue
		}
		m.sources[src.ID] = src
	}
	return nil
}

// Industry returns the industry with the given id.
func (m *Manager) Industry(id string) (pipeline.Industry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ind, ok := m.industries[id]
	if !ok {
		return pipeline.Industry{}, fmt.Errorf("industry %q: %w", id, pipeline.ErrNotFound)
	}
	return ind, nil
}

// AllIndustries returns every loaded industry, sorted by id for stable output.
func (m *Manager) AllIndustries() []pipeline.Industry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.Industry, 0, len(m.industries))
	for _, ind := range m.industries {
		out = append(out, ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledIndustries returns the industries with enabled=true.
func (m *Manager) EnabledIndustries() []pipeline.Industry {
	all := m.AllIndustries()
	out := make([]pipeline.Industry, 0, len(all))
	for _, ind := range all {
		if ind.Enabled {
			out = append(out, ind)
		}
	}
	return out
}

// Source returns the data source with the given id.
func (m *Manager) Source(id string) (pipeline.DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return pipeline.DataSource{}, fmt.Errorf("source %q: %w", id, pipeline.ErrNotFound)
	}
	return src, nil
}

// SourcesByIndustry returns every source for an industry, sorted by id.
// Disabled sources are included: data already collected from them still needs
// downstream processing, so callers filter on Enabled themselves when
// dispatching new fetches.
func (m *Manager) SourcesByIndustry(industryID string) []pipeline.DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.DataSource, 0)
	for _, src := range m.sources {
		if src.IndustryID == industryID {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SeedsByIndustry returns the seeds tagged with the given industry, in load
// then append order.
func (m *Manager) SeedsByIndustry(industryID string) []pipeline.SeedURL {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.SeedURL, 0)
	for _, seed := range m.seeds {
		if seed.IndustryID == industryID {
			out = append(out, seed)
		}
	}
	return out
}

// AllSeeds returns a copy of every seed.
func (m *Manager) AllSeeds() []pipeline.SeedURL {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.SeedURL, len(m.seeds))
	copy(out, m.seeds)
	return out
}

// AddSeed appends a seed at runtime, e.g. a link discovered mid-crawl. The
// addition is in-memory only and is not written back to the YAML tree.
func (m *Manager) AddSeed(seed pipeline.SeedURL) error {
	normalized, err := canonicalSeedURL(seed.URL)
	if err != nil {
		return fmt.Errorf("invalid seed url %q: %w", seed.URL, err)
	}
	seed.URL = normalized
	m.mu.Lock()
	defer m.mu.Unlock()
	if seed.IndustryID == "" {
		return errors.New("seed is missing an industry_id")
	}
	m.seeds = append(m.seeds, seed)
	return nil
}
