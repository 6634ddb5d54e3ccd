package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/interfaces"
)

const (
	robotsCacheTTL     = 600 * time.Second
	robotsFetchTimeout = 5 * time.Second
	robotsKeyPrefix    = "robots:"

	// Cached marker for origins without a usable robots.txt
	robotsNullEntry = "null"
)

// robotsRules is the parsed rule set for one user-agent section
type robotsRules struct {
	Allow      []string `json:"allow,omitempty"`
	Disallow   []string `json:"disallow,omitempty"`
	CrawlDelay float64  `json:"crawl_delay,omitempty"`
}

// RobotsCache fetches and caches per-origin robots.txt decisions in the
// shared KV store. Missing robots.txt and fetch/parse errors allow the
// URL: robots is a courtesy gate, not a security boundary.
type RobotsCache struct {
	kv     interfaces.KVStore
	client *http.Client
	logger arbor.ILogger
}

// NewRobotsCache creates a robots cache over the shared KV store
func NewRobotsCache(kvStore interfaces.KVStore, logger arbor.ILogger) *RobotsCache {
	return &RobotsCache{
		kv:     kvStore,
		client: &http.Client{Timeout: robotsFetchTimeout},
		logger: logger,
	}
}

// IsAllowed reports whether the URL may be fetched for the given
// user-agent according to the origin's robots.txt. Defaults to the `*`
// section when no section matches the user-agent.
func (r *RobotsCache) IsAllowed(ctx context.Context, rawURL, userAgent string) bool {
	if userAgent == "" {
		userAgent = "*"
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	origin := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)

	rules, err := r.rulesForOrigin(ctx, origin, userAgent)
	if err != nil {
		r.logger.Warn().Err(err).Str("origin", origin).Msg("Robots lookup failed, allowing URL")
		return true
	}
	if rules == nil {
		return true
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}

	return rules.decide(path)
}

// decide applies the robots decision policy: Allow prefixes take
// precedence over Disallow prefixes.
func (rr *robotsRules) decide(path string) bool {
	for _, prefix := range rr.Allow {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, prefix := range rr.Disallow {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// rulesForOrigin returns the cached rules for an origin, fetching and
// caching them on a miss. A nil result means no restrictions.
func (r *RobotsCache) rulesForOrigin(ctx context.Context, origin, userAgent string) (*robotsRules, error) {
	cacheKey := robotsKeyPrefix + origin

	cached, err := r.kv.Get(ctx, cacheKey)
	if err == nil {
		if cached == robotsNullEntry {
			return nil, nil
		}
		var rules map[string]*robotsRules
		if jsonErr := json.Unmarshal([]byte(cached), &rules); jsonErr == nil {
			return selectSection(rules, userAgent), nil
		}
		// Unparseable cache entry; fall through to refetch
	} else if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, err
	}

	sections, fetchErr := r.fetchAndParse(ctx, origin)
	if fetchErr != nil || sections == nil {
		// Cache the negative result so every scan doesn't refetch
		if setErr := r.kv.Set(ctx, cacheKey, robotsNullEntry, robotsCacheTTL); setErr != nil {
			r.logger.Warn().Err(setErr).Str("origin", origin).Msg("Failed to cache robots null entry")
		}
		return nil, nil
	}

	data, err := json.Marshal(sections)
	if err == nil {
		if setErr := r.kv.Set(ctx, cacheKey, string(data), robotsCacheTTL); setErr != nil {
			r.logger.Warn().Err(setErr).Str("origin", origin).Msg("Failed to cache robots rules")
		}
	}

	return selectSection(sections, userAgent), nil
}

func (r *RobotsCache) fetchAndParse(ctx context.Context, origin string) (map[string]*robotsRules, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, err
	}

	return parseRobots(string(body)), nil
}

// parseRobots parses robots.txt into per-user-agent sections. Directives
// apply to every user-agent line that opened the current section.
func parseRobots(content string) map[string]*robotsRules {
	sections := make(map[string]*robotsRules)
	var activeAgents []string
	lastWasAgent := false

	for _, line := range strings.Split(content, "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		field = strings.ToLower(strings.TrimSpace(field))
		value = strings.TrimSpace(value)

		switch field {
		case "user-agent":
			agent := strings.ToLower(value)
			if lastWasAgent {
				activeAgents = append(activeAgents, agent)
			} else {
				activeAgents = []string{agent}
			}
			if _, ok := sections[agent]; !ok {
				sections[agent] = &robotsRules{}
			}
			lastWasAgent = true
		case "disallow":
			for _, agent := range activeAgents {
				sections[agent].Disallow = append(sections[agent].Disallow, value)
			}
			lastWasAgent = false
		case "allow":
			for _, agent := range activeAgents {
				sections[agent].Allow = append(sections[agent].Allow, value)
			}
			lastWasAgent = false
		case "crawl-delay":
			if delay, err := strconv.ParseFloat(value, 64); err == nil {
				for _, agent := range activeAgents {
					sections[agent].CrawlDelay = delay
				}
			}
			lastWasAgent = false
		default:
			lastWasAgent = false
		}
	}

	if len(sections) == 0 {
		return nil
	}
	return sections
}

// selectSection picks the section for a user-agent, falling back to `*`
func selectSection(sections map[string]*robotsRules, userAgent string) *robotsRules {
	if sections == nil {
		return nil
	}
	ua := strings.ToLower(userAgent)
	for agent, rules := range sections {
		if agent != "*" && strings.Contains(ua, agent) {
			return rules
		}
	}
	return sections["*"]
}
