package lead

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amanullahtanweer/billboard-callassist/internal/logging"
)

// CueConfig is the YAML layout of the cue file.
type CueConfig struct {
	Cues     map[string]Cue `yaml:"cues"`
	Settings Settings       `yaml:"settings"`
}

// Cue marks transcript text that likely carries a lead field.
type Cue struct {
	Name     string    `yaml:"name"`
	Field    string    `yaml:"field"`
	Priority int       `yaml:"priority"`
	Patterns []Pattern `yaml:"patterns"`
}

// Pattern is one way a cue can match.
//
//	exact:       any phrase is a substring
//	combo:       every word of any list is present
//	required:    every group has a word present
type Pattern struct {
	Type           string     `yaml:"type"`
	Phrases        []string   `yaml:"phrases,omitempty"`
	Words          [][]string `yaml:"words,omitempty"`
	RequiredGroups [][]string `yaml:"required_groups,omitempty"`
}

type Settings struct {
	CaseSensitive  bool `yaml:"case_sensitive"`
	ReloadOnChange bool `yaml:"reload_on_change"`
}

// CueMatcher finds lead cues in transcript text.
type CueMatcher struct {
	path     string
	mu       sync.RWMutex
	config   *CueConfig
	lastLoad time.Time
}

// NewCueMatcher loads cues from path.
func NewCueMatcher(path string) (*CueMatcher, error) {
	m := &CueMatcher{path: path}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to load lead cues: %w", err)
	}
	return m, nil
}

// NewCueMatcherFromConfig uses an in-memory config.
func NewCueMatcherFromConfig(cfg CueConfig) *CueMatcher {
	return &CueMatcher{config: &cfg}
}

func (m *CueMatcher) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.path, err)
	}
	var cfg CueConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.lastLoad = time.Now()
	m.mu.Unlock()

	logging.Infow("loaded lead cues", "path", m.path, "cues", len(cfg.Cues))
	return nil
}

func (m *CueMatcher) reloadIfChanged() {
	m.mu.RLock()
	reload := m.path != "" && m.config.Settings.ReloadOnChange
	last := m.lastLoad
	m.mu.RUnlock()
	if !reload {
		return
	}
	info, err := os.Stat(m.path)
	if err != nil {
		logging.Warnw("lead cue file unavailable", "path", m.path, "err", err)
		return
	}
	if info.ModTime().After(last) {
		if err := m.load(); err != nil {
			logging.Warnw("lead cue reload failed", "path", m.path, "err", err)
		}
	}
}

// Match returns the fields whose cues appear in text, highest priority
// first.
func (m *CueMatcher) Match(text string) []string {
	m.reloadIfChanged()

	m.mu.RLock()
	defer m.mu.RUnlock()

	search := text
	if !m.config.Settings.CaseSensitive {
		search = strings.ToLower(text)
	}

	var hits []Cue
	for _, cue := range m.config.Cues {
		if m.matchesCue(search, cue) {
			hits = append(hits, cue)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Priority != hits[j].Priority {
			return hits[i].Priority > hits[j].Priority
		}
		return hits[i].Field < hits[j].Field
	})

	fields := make([]string, 0, len(hits))
	seen := make(map[string]bool)
	for _, c := range hits {
		if !seen[c.Field] {
			seen[c.Field] = true
			fields = append(fields, c.Field)
		}
	}
	return fields
}

func (m *CueMatcher) matchesCue(search string, cue Cue) bool {
	for _, p := range cue.Patterns {
		switch p.Type {
		case "exact":
			if m.matchesExact(search, p.Phrases) {
				return true
			}
		case "combo":
			if m.matchesCombo(search, p.Words) {
				return true
			}
		case "required":
			if m.matchesRequired(search, p.RequiredGroups) {
				return true
			}
		default:
			logging.Warnw("unknown cue pattern type", "cue", cue.Name, "type", p.Type)
		}
	}
	return false
}

func (m *CueMatcher) norm(s string) string {
	if m.config.Settings.CaseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func (m *CueMatcher) matchesExact(search string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(search, m.norm(phrase)) {
			return true
		}
	}
	return false
}

func (m *CueMatcher) matchesCombo(search string, lists [][]string) bool {
	for _, list := range lists {
		all := len(list) > 0
		for _, w := range list {
			if !strings.Contains(search, m.norm(w)) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (m *CueMatcher) matchesRequired(search string, groups [][]string) bool {
	words := strings.Fields(search)
	for _, group := range groups {
		matched := false
		for _, want := range group {
			want = m.norm(want)
			for _, w := range words {
				if strings.Contains(w, want) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	return len(groups) > 0
}

// Cues returns a copy of the configured cues.
func (m *CueMatcher) Cues() map[string]Cue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Cue, len(m.config.Cues))
	for k, v := range m.config.Cues {
		out[k] = v
	}
	return out
}
