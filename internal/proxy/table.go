package proxy

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/openoa/devserver/internal/config"
)

// Table is an ordered, immutable set of proxy rules.
type Table struct {
	rules []*Rule
}

// NewTable compiles every configured rule. Rules that fail to compile are
// skipped and reported. Literal prefixes are tried before patterns, longer
// prefixes before shorter ones, so "/api/v2" wins over "/api".
func NewTable(rules map[string]config.ProxyRule) (*Table, []error) {
	var errs []error
	compiled := make([]*Rule, 0, len(rules))
	for key, rc := range rules {
		r, err := NewRule(key, rc)
		if err != nil {
			errs = append(errs, fmt.Errorf("proxy rule %q: %w", key, err))
			continue
		}
		compiled = append(compiled, r)
	}

	slices.SortFunc(compiled, compareRules)
	slices.SortFunc(errs, func(a, b error) int {
		return strings.Compare(a.Error(), b.Error())
	})
	return &Table{rules: compiled}, errs
}

func compareRules(a, b *Rule) int {
	aPattern, bPattern := a.pattern != nil, b.pattern != nil
	if aPattern != bPattern {
		if aPattern {
			return 1
		}
		return -1
	}
	if !aPattern {
		if c := cmp.Compare(len(b.Context), len(a.Context)); c != 0 {
			return c
		}
	}
	return strings.Compare(a.Context, b.Context)
}

// Match returns the first rule matching path, or nil.
func (t *Table) Match(path string) *Rule {
	if t == nil {
		return nil
	}
	for _, r := range t.rules {
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// Rules returns the rules in match order.
func (t *Table) Rules() []*Rule {
	if t == nil {
		return nil
	}
	return slices.Clone(t.rules)
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// HasDynamicTargets reports whether any rule needs a TargetResolver.
func (t *Table) HasDynamicTargets() bool {
	if t == nil {
		return false
	}
	return slices.ContainsFunc(t.rules, (*Rule).Dynamic)
}

func (t *Table) closeIdleConnections() {
	if t == nil {
		return
	}
	for _, r := range t.rules {
		r.closeIdleConnections()
	}
}
