package rules

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"
)

// MaintenanceWindow is an explicit time range during which matching URLs
// produce no alerts. Start and end are ISO-8601.
type MaintenanceWindow struct {
	Start       time.Time `yaml:"start" json:"start" validate:"required"`
	End         time.Time `yaml:"end" json:"end" validate:"required"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Rule binds overrides of the default cooldown/threshold/robots settings
// to a URL pattern. Unset fields fall back to the document defaults.
type Rule struct {
	ID                        string              `yaml:"id" json:"id" validate:"required"`
	Pattern                   string              `yaml:"pattern" json:"pattern" validate:"required"`
	CooldownSeconds           *int                `yaml:"cooldownSeconds,omitempty" json:"cooldownSeconds,omitempty"`
	LatencyMsThreshold        *int                `yaml:"latencyMsThreshold,omitempty" json:"latencyMsThreshold,omitempty"`
	RespectRobots             *bool               `yaml:"respectRobots,omitempty" json:"respectRobots,omitempty"`
	SuppressDuringMaintenance *bool               `yaml:"suppressDuringMaintenance,omitempty" json:"suppressDuringMaintenance,omitempty"`
	Maintenance               []MaintenanceWindow `yaml:"maintenance,omitempty" json:"maintenance,omitempty"`

	compiled *regexp.Regexp
}

// Defaults are the document-level effective settings
type Defaults struct {
	CooldownSeconds           int  `yaml:"cooldownSeconds" json:"cooldownSeconds" validate:"gte=0"`
	LatencyMsThreshold        int  `yaml:"latencyMsThreshold" json:"latencyMsThreshold" validate:"gte=0"`
	RespectRobots             bool `yaml:"respectRobots" json:"respectRobots"`
	SuppressDuringMaintenance bool `yaml:"suppressDuringMaintenance" json:"suppressDuringMaintenance"`
}

// rulesDocument is the on-disk rules file shape
type rulesDocument struct {
	Defaults Defaults `yaml:"defaults" json:"defaults"`
	Rules    []Rule   `yaml:"rules" json:"rules" validate:"dive"`
}

// Store holds the validated rules document and resolves effective
// settings per URL. Rules match first-wins in file order.
type Store struct {
	defaults Defaults
	rules    []Rule
	logger   arbor.ILogger

	// now is swappable for maintenance-window tests
	now func() time.Time
}

var validate = validator.New()

// NewStore loads and validates a rules file. An empty path yields a store
// with built-in defaults and no rules.
func NewStore(path string, logger arbor.ILogger) (*Store, error) {
	s := &Store{
		defaults: Defaults{
			CooldownSeconds:    300,
			LatencyMsThreshold: 2000,
			RespectRobots:      false,
		},
		logger: logger,
		now:    time.Now,
	}

	if path == "" {
		logger.Info().Msg("No rules file configured, using defaults")
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var doc rulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	for i := range doc.Rules {
		compiled, err := regexp.Compile(doc.Rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: pattern does not compile: %w", doc.Rules[i].ID, err)
		}
		doc.Rules[i].compiled = compiled
	}

	s.defaults = doc.Defaults
	s.rules = doc.Rules

	logger.Info().Str("path", path).Int("rules", len(doc.Rules)).Msg("Rules loaded")
	return s, nil
}

// validateDocument applies the checks validator tags cannot express
func validateDocument(doc *rulesDocument) error {
	seen := make(map[string]bool)
	for _, rule := range doc.Rules {
		if seen[rule.ID] {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true

		if rule.CooldownSeconds != nil && *rule.CooldownSeconds < 0 {
			return fmt.Errorf("rule %s: cooldownSeconds must be non-negative", rule.ID)
		}
		if rule.LatencyMsThreshold != nil && *rule.LatencyMsThreshold < 0 {
			return fmt.Errorf("rule %s: latencyMsThreshold must be non-negative", rule.ID)
		}
		for _, window := range rule.Maintenance {
			if !window.Start.Before(window.End) {
				return fmt.Errorf("rule %s: maintenance window start must precede end", rule.ID)
			}
		}
	}
	return nil
}

// FindMatchingRule returns the first rule whose pattern matches the URL,
// or nil
func (s *Store) FindMatchingRule(url string) *Rule {
	for i := range s.rules {
		if s.rules[i].compiled.MatchString(url) {
			return &s.rules[i]
		}
	}
	return nil
}

// EffectiveCooldown resolves the cooldown for a rule (nil rule = defaults)
func (s *Store) EffectiveCooldown(rule *Rule) time.Duration {
	if rule != nil && rule.CooldownSeconds != nil {
		return time.Duration(*rule.CooldownSeconds) * time.Second
	}
	return time.Duration(s.defaults.CooldownSeconds) * time.Second
}

// EffectiveLatencyThreshold resolves the latency alert threshold in ms
func (s *Store) EffectiveLatencyThreshold(rule *Rule) int64 {
	if rule != nil && rule.LatencyMsThreshold != nil {
		return int64(*rule.LatencyMsThreshold)
	}
	return int64(s.defaults.LatencyMsThreshold)
}

// EffectiveRespectRobots resolves whether robots.txt should gate the URL
func (s *Store) EffectiveRespectRobots(rule *Rule) bool {
	if rule != nil && rule.RespectRobots != nil {
		return *rule.RespectRobots
	}
	return s.defaults.RespectRobots
}

// IsInMaintenanceWindow reports whether the current wall-clock time lies
// in any of the rule's windows
func (s *Store) IsInMaintenanceWindow(rule *Rule) bool {
	if rule == nil {
		return false
	}
	now := s.now()
	for _, window := range rule.Maintenance {
		if !now.Before(window.Start) && now.Before(window.End) {
			return true
		}
	}
	return false
}

// ShouldSuppressDuringMaintenance reports whether the rule is in a window
// and configured to suppress during it
func (s *Store) ShouldSuppressDuringMaintenance(rule *Rule) bool {
	if !s.IsInMaintenanceWindow(rule) {
		return false
	}
	if rule.SuppressDuringMaintenance != nil {
		return *rule.SuppressDuringMaintenance
	}
	return s.defaults.SuppressDuringMaintenance
}

// Defaults returns the document defaults
func (s *Store) Defaults() Defaults {
	return s.defaults
}

// Rules returns the loaded rules
func (s *Store) Rules() []Rule {
	return s.rules
}
