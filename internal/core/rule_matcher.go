package core

import (
	"reflect"
	"sort"
	"sync"
)

// RuleMatcher holds the registered auto-print rules and answers which of them
// fire for an event.
type RuleMatcher struct {
	mu    sync.RWMutex
	rules map[string]*registeredRule
	seq   uint64
}

type registeredRule struct {
	rule AutoPrintRule
	seq  uint64
}

func NewRuleMatcher() *RuleMatcher {
	return &RuleMatcher{rules: make(map[string]*registeredRule)}
}

// Register validates and stores a rule. Re-registering an id replaces the
// rule but keeps its original creation position.
func (m *RuleMatcher) Register(rule AutoPrintRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	rule.Conditions = copyDetails(rule.Conditions)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rules[rule.ID]; ok {
		existing.rule = rule
		return nil
	}
	m.seq++
	m.rules[rule.ID] = &registeredRule{rule: rule, seq: m.seq}
	return nil
}

func (m *RuleMatcher) Remove(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, ruleID)
}

func (m *RuleMatcher) Get(ruleID string) (AutoPrintRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return AutoPrintRule{}, false
	}
	return r.rule, true
}

// Match returns the active rules bound to eventCode whose conditions all hold
// for payload, highest priority first and then in creation order.
func (m *RuleMatcher) Match(eventCode string, payload map[string]any) []AutoPrintRule {
	m.mu.RLock()
	var hits []*registeredRule
	for _, r := range m.rules {
		if !r.rule.Active || r.rule.EventCode != eventCode {
			continue
		}
		if !conditionsHold(r.rule.Conditions, payload) {
			continue
		}
		hits = append(hits, r)
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if !a.rule.CreatedAt.Equal(b.rule.CreatedAt) {
			return a.rule.CreatedAt.Before(b.rule.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]AutoPrintRule, len(hits))
	for i, r := range hits {
		out[i] = r.rule
	}
	return out
}

func conditionsHold(conditions, payload map[string]any) bool {
	for key, want := range conditions {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if !valuesEqual(want, got) {
			return false
		}
	}
	return true
}

// valuesEqual compares scalars, treating all numeric kinds as one so that a
// YAML int condition matches a JSON float payload value.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if _, ok := toFloat(b); ok {
		return false
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ValidateRule checks the structural invariants a rule must satisfy before it
// can be matched. It never looks at printers or templates.
func ValidateRule(rule AutoPrintRule) error {
	if rule.ID == "" {
		return configError("rule", "", "id is required")
	}
	if rule.EventCode == "" {
		return configError("rule", rule.ID, "event code is required")
	}
	if rule.TemplateID == "" {
		return configError("rule", rule.ID, "template is required")
	}
	if rule.Target.IsZero() {
		return configError("rule", rule.ID, "exactly one of printer or printer group is required")
	}
	if !rule.Priority.Valid() {
		return configError("rule", rule.ID, "unknown priority %d", int(rule.Priority))
	}
	if rule.RetryCount < 0 {
		return configError("rule", rule.ID, "retry count must be non-negative")
	}
	if rule.RetryDelay < 0 {
		return configError("rule", rule.ID, "retry delay must be non-negative")
	}
	if rule.BatchWindow < 0 {
		return configError("rule", rule.ID, "batch window must be non-negative")
	}
	for key, v := range rule.Conditions {
		if key == "" {
			return configError("rule", rule.ID, "condition with empty key")
		}
		if !isScalar(v) {
			return configError("rule", rule.ID, "condition %q must be a scalar, got %T", key, v)
		}
	}
	return nil
}

func isScalar(v any) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	_, ok := toFloat(v)
	return ok
}

// ConditionsFromAny converts a decoded configuration value into a flat
// condition map. Anything other than a map of scalars is a configuration
// error for the owning rule.
func ConditionsFromAny(ruleID string, raw any) (map[string]any, error) {
	switch c := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return c, nil
	case map[any]any:
		out := make(map[string]any, len(c))
		for k, v := range c {
			ks, ok := k.(string)
			if !ok {
				return nil, configError("rule", ruleID, "condition key %v is not a string", k)
			}
			out[ks] = v
		}
		return out, nil
	default:
		return nil, configError("rule", ruleID, "conditions must be a map, got %T", raw)
	}
}
