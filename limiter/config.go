package limiter

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// RuleSpec is a rate limit rule as written in configuration.
type RuleSpec struct {
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`           // endpoint key, or a regex if Regex is true
	Name         string        `mapstructure:"name" yaml:"name"`                   // defaults to Endpoint
	Scope        Scope         `mapstructure:"scope" yaml:"scope"`                 // "ip", "user" or "user_resource"
	MaxTokens    uint          `mapstructure:"max_tokens" yaml:"max_tokens"`       // bucket capacity
	RefillRate   float64       `mapstructure:"refill_rate" yaml:"refill_rate"`     // tokens per RefillPeriod
	RefillPeriod time.Duration `mapstructure:"refill_period" yaml:"refill_period"` // defaults to one second
	Cost         uint          `mapstructure:"cost" yaml:"cost"`                   // defaults to 1
	Enabled      *bool         `mapstructure:"enabled" yaml:"enabled"`             // defaults to true
	Regex        bool          `mapstructure:"regex" yaml:"regex"`
}

// Rule is a validated, immutable rate limit rule.
type Rule struct {
	Endpoint   string
	Name       string
	Scope      Scope
	MaxTokens  uint
	RefillRate float64 // tokens per second
	Cost       uint
	Enabled    bool
	IsRegex    bool

	compiledRegex *regexp.Regexp
}

// Window is the time an empty bucket needs to refill completely.
func (r Rule) Window() time.Duration {
	return seconds(float64(r.MaxTokens) / r.RefillRate)
}

// WindowSeconds is Window expressed in whole seconds, rounded up.
func (r Rule) WindowSeconds() int64 {
	return int64(math.Ceil(float64(r.MaxTokens) / r.RefillRate))
}

// TTL is how long an idle bucket is kept in storage.
func (r Rule) TTL() time.Duration {
	return 2 * r.Window()
}

// Spec returns the bucket parameters the algorithm evaluates for this rule.
func (r Rule) Spec() BucketSpec {
	return BucketSpec{
		MaxTokens:  r.MaxTokens,
		RefillRate: r.RefillRate,
		TTL:        r.TTL(),
	}
}

// Config holds the limiter configuration.
type Config struct {
	StorageType string     `mapstructure:"storage_type" yaml:"storage_type"` // "memory" or "redis"
	Rules       []RuleSpec `mapstructure:"rules" yaml:"rules"`
}

// ValidateAndPrepare validates the configuration and builds the rule set.
func (c *Config) ValidateAndPrepare() (*RuleSet, error) {
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return nil, fmt.Errorf("invalid storage_type: %s, must be '%s' or '%s'", c.StorageType, StorageMemory, StorageRedis)
	}
	return NewRuleSet(c.Rules)
}

// RuleSet maps endpoint keys to rules. It is built once and only read afterwards,
// so it is safe for concurrent use without locking.
type RuleSet struct {
	ordered []Rule
	exact   map[string]int
	regex   []int
}

// NewRuleSet validates specs and builds an immutable rule set.
// The first invalid rule aborts the build with a *ConfigError.
func NewRuleSet(specs []RuleSpec) (*RuleSet, error) {
	if len(specs) == 0 {
		log.Warn().Msg("no rate limit rules defined in config")
	}

	rs := &RuleSet{
		ordered: make([]Rule, 0, len(specs)),
		exact:   make(map[string]int, len(specs)),
	}
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		rule, err := prepareRule(i, spec)
		if err != nil {
			return nil, err
		}
		if seen[rule.Endpoint] {
			return nil, &ConfigError{Rule: rule.Endpoint, Message: "duplicate endpoint definition", Err: ErrDuplicateRule}
		}
		seen[rule.Endpoint] = true

		rs.ordered = append(rs.ordered, rule)
		idx := len(rs.ordered) - 1
		if rule.IsRegex {
			rs.regex = append(rs.regex, idx)
		} else {
			rs.exact[rule.Endpoint] = idx
		}
	}

	log.Info().Int("rules", len(rs.ordered)).Int("regex_rules", len(rs.regex)).Msg("rate limit rules loaded")
	return rs, nil
}

func prepareRule(index int, spec RuleSpec) (Rule, error) {
	name := spec.Endpoint
	if name == "" {
		name = "#" + strconv.Itoa(index)
		return Rule{}, newConfigError(name, "endpoint", "must not be empty")
	}

	scope := spec.Scope
	if scope == "" {
		scope = ScopeIP
	}
	if !validScopes[scope] {
		return Rule{}, newConfigError(name, "scope", "invalid scope '%s'", scope)
	}
	if spec.MaxTokens == 0 {
		return Rule{}, newConfigError(name, "max_tokens", "must be positive")
	}
	if spec.RefillRate <= 0 || math.IsNaN(spec.RefillRate) || math.IsInf(spec.RefillRate, 0) {
		return Rule{}, newConfigError(name, "refill_rate", "invalid rate %f, must be positive", spec.RefillRate)
	}
	period := spec.RefillPeriod
	if period < 0 {
		return Rule{}, newConfigError(name, "refill_period", "must not be negative")
	}
	if period == 0 {
		period = time.Second
	}

	cost := spec.Cost
	if cost == 0 {
		cost = DefaultCost
	}
	if window := float64(spec.MaxTokens) / (spec.RefillRate / period.Seconds()); window > MaxWindow.Seconds() {
		return Rule{}, newConfigError(name, "refill_rate", "bucket takes %s to refill, longer than the %s maximum",
			seconds(window), MaxWindow)
	}
	if cost > spec.MaxTokens {
		return Rule{}, newConfigError(name, "cost", "cost %d exceeds max_tokens %d, rule can never be satisfied", cost, spec.MaxTokens)
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	rule := Rule{
		Endpoint:   spec.Endpoint,
		Name:       spec.Name,
		Scope:      scope,
		MaxTokens:  spec.MaxTokens,
		RefillRate: spec.RefillRate / period.Seconds(), // normalize to tokens per second
		Cost:       cost,
		Enabled:    enabled,
		IsRegex:    spec.Regex,
	}
	if rule.Name == "" {
		rule.Name = rule.Endpoint
	}

	if rule.IsRegex {
		re, err := regexp.Compile(rule.Endpoint)
		if err != nil {
			return Rule{}, &ConfigError{Rule: name, Field: "endpoint", Message: "failed to compile regex", Err: err}
		}
		rule.compiledRegex = re
	}
	return rule, nil
}

// Lookup returns the rule for endpoint. Exact endpoints win over regex rules,
// which are tried in the order they were declared.
func (s *RuleSet) Lookup(endpoint string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	if idx, ok := s.exact[endpoint]; ok {
		return s.ordered[idx], true
	}
	for _, idx := range s.regex {
		rule := s.ordered[idx]
		if rule.compiledRegex.MatchString(endpoint) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of all rules in declaration order.
func (s *RuleSet) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of configured rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}
