package cache

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultFreshness is the freshness window for keys matching no rule.
const DefaultFreshness = 24 * time.Hour

// Rule gives keys matching Pattern their own freshness window.
type Rule struct {
	Pattern *regexp.Regexp
	Window  time.Duration
}

// Policy decides how long an entry without a validator stays valid.
// The first matching rule wins.
type Policy struct {
	Default time.Duration
	Rules   []Rule
}

// DefaultPolicy returns a policy with a 24h window and no rules.
func DefaultPolicy() Policy {
	return Policy{Default: DefaultFreshness}
}

// Window returns the freshness window for key.
func (p Policy) Window(key string) time.Duration {
	for _, r := range p.Rules {
		if r.Pattern != nil && r.Pattern.MatchString(key) {
			return r.Window
		}
	}
	if p.Default <= 0 {
		return DefaultFreshness
	}
	return p.Default
}

// ParseRule builds a Rule from a "pattern=duration" definition, e.g.
// `^https://slow\.example\.com/=168h`.
func ParseRule(def string) (Rule, error) {
	idx := strings.LastIndexByte(def, '=')
	if idx <= 0 || idx == len(def)-1 {
		return Rule{}, fmt.Errorf("freshness rule %q: want pattern=duration", def)
	}

	window, err := time.ParseDuration(def[idx+1:])
	if err != nil {
		return Rule{}, fmt.Errorf("freshness rule %q: %w", def, err)
	}
	if window <= 0 {
		return Rule{}, fmt.Errorf("freshness rule %q: window must be positive", def)
	}
	re, err := regexp.Compile(def[:idx])
	if err != nil {
		return Rule{}, fmt.Errorf("freshness rule %q: %w", def, err)
	}
	return Rule{Pattern: re, Window: window}, nil
}
