package rules

import (
	"fmt"
	"os"
	"strings"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/ternarybob/arbor"
)

// AllowList gates URLs against operator-maintained wildcard patterns.
// An empty list allows everything. The pattern file is CSV or
// line-separated, one pattern per non-empty non-comment line, `*` the
// only wildcard, matching case-insensitive.
type AllowList struct {
	mu       sync.RWMutex
	patterns []string
	path     string
	logger   arbor.ILogger
}

// NewAllowList loads patterns from the given file. An empty path yields
// an allow-everything list.
func NewAllowList(path string, logger arbor.ILogger) (*AllowList, error) {
	a := &AllowList{
		path:   path,
		logger: logger,
	}

	if path == "" {
		logger.Info().Msg("No allow-list file configured, allowing all URLs")
		return a, nil
	}

	patterns, err := loadPatterns(path)
	if err != nil {
		return nil, err
	}

	a.patterns = patterns
	logger.Info().Str("path", path).Int("patterns", len(patterns)).Msg("Allow-list loaded")
	return a, nil
}

// IsAllowed reports whether the URL matches any pattern. An empty pattern
// list allows everything.
func (a *AllowList) IsAllowed(url string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.patterns) == 0 {
		return true
	}

	lowered := strings.ToLower(url)
	for _, pattern := range a.patterns {
		if wildcard.Match(pattern, lowered) {
			return true
		}
	}
	return false
}

// Reload re-reads the pattern file and replaces the list atomically. A
// read failure leaves the previous patterns in place.
func (a *AllowList) Reload() error {
	if a.path == "" {
		return nil
	}

	patterns, err := loadPatterns(a.path)
	if err != nil {
		a.logger.Error().Err(err).Str("path", a.path).Msg("Allow-list reload failed, keeping previous patterns")
		return err
	}

	a.mu.Lock()
	a.patterns = patterns
	a.mu.Unlock()

	a.logger.Info().Str("path", a.path).Int("patterns", len(patterns)).Msg("Allow-list reloaded")
	return nil
}

// Patterns returns a copy of the loaded patterns
func (a *AllowList) Patterns() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, len(a.patterns))
	copy(out, a.patterns)
	return out
}

func loadPatterns(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allow-list file %s: %w", path, err)
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// CSV lines carry several patterns
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field != "" {
				patterns = append(patterns, strings.ToLower(field))
			}
		}
	}

	return patterns, nil
}
