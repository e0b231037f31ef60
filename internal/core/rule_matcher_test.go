package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule(id string, mutate ...func(*AutoPrintRule)) AutoPrintRule {
	r := AutoPrintRule{
		ID:         id,
		Name:       id,
		EventCode:  "sales_order_approved",
		TemplateID: "tpl-invoice",
		Target:     PrinterTarget("p1"),
		Priority:   PriorityNormal,
		AutoPrint:  true,
		Active:     true,
	}
	for _, m := range mutate {
		m(&r)
	}
	return r
}

func TestRuleMatcher_ConditionsAreConjunctiveEquality(t *testing.T) {
	m := NewRuleMatcher()
	require.NoError(t, m.Register(testRule("r1", func(r *AutoPrintRule) {
		r.Conditions = map[string]any{"warehouse": "main"}
	})))

	assert.Len(t, m.Match("sales_order_approved", map[string]any{"warehouse": "main"}), 1)
	assert.Empty(t, m.Match("sales_order_approved", map[string]any{"warehouse": "east"}))
	assert.Empty(t, m.Match("sales_order_approved", map[string]any{}))
	assert.Empty(t, m.Match("sales_order_approved", nil))
	assert.Empty(t, m.Match("purchase_order_approved", map[string]any{"warehouse": "main"}))
}

func TestRuleMatcher_AllConditionsMustHold(t *testing.T) {
	m := NewRuleMatcher()
	require.NoError(t, m.Register(testRule("r1", func(r *AutoPrintRule) {
		r.Conditions = map[string]any{"warehouse": "main", "express": true, "lines": 3}
	})))

	assert.Len(t, m.Match("sales_order_approved", map[string]any{
		"warehouse": "main", "express": true, "lines": float64(3), "extra": "ignored",
	}), 1)
	assert.Empty(t, m.Match("sales_order_approved", map[string]any{
		"warehouse": "main", "express": false, "lines": 3,
	}))
	assert.Empty(t, m.Match("sales_order_approved", map[string]any{
		"warehouse": "main", "express": true, "lines": "3",
	}))
}

func TestRuleMatcher_EmptyConditionsMatchUnconditionally(t *testing.T) {
	m := NewRuleMatcher()
	require.NoError(t, m.Register(testRule("r1")))

	assert.Len(t, m.Match("sales_order_approved", nil), 1)
	assert.Len(t, m.Match("sales_order_approved", map[string]any{"anything": 1}), 1)
}

func TestRuleMatcher_InactiveRulesNeverMatch(t *testing.T) {
	m := NewRuleMatcher()
	require.NoError(t, m.Register(testRule("r1", func(r *AutoPrintRule) { r.Active = false })))

	assert.Empty(t, m.Match("sales_order_approved", nil))
}

func TestRuleMatcher_OrdersByPriorityThenCreation(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewRuleMatcher()
	require.NoError(t, m.Register(testRule("normal-late", func(r *AutoPrintRule) {
		r.CreatedAt = base.Add(time.Hour)
	})))
	require.NoError(t, m.Register(testRule("urgent", func(r *AutoPrintRule) {
		r.Priority = PriorityUrgent
		r.CreatedAt = base.Add(2 * time.Hour)
	})))
	require.NoError(t, m.Register(testRule("normal-early", func(r *AutoPrintRule) {
		r.CreatedAt = base
	})))
	require.NoError(t, m.Register(testRule("low", func(r *AutoPrintRule) {
		r.Priority = PriorityLow
	})))

	var ids []string
	for _, r := range m.Match("sales_order_approved", nil) {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"urgent", "normal-early", "normal-late", "low"}, ids)
}

func TestRuleMatcher_RejectsMalformedRules(t *testing.T) {
	cases := map[string]func(*AutoPrintRule){
		"missing event":      func(r *AutoPrintRule) { r.EventCode = "" },
		"missing template":   func(r *AutoPrintRule) { r.TemplateID = "" },
		"no target":          func(r *AutoPrintRule) { r.Target = Target{} },
		"negative retries":   func(r *AutoPrintRule) { r.RetryCount = -1 },
		"nested condition":   func(r *AutoPrintRule) { r.Conditions = map[string]any{"a": map[string]any{"b": 1}} },
		"list condition":     func(r *AutoPrintRule) { r.Conditions = map[string]any{"a": []any{1, 2}} },
		"unknown priority":   func(r *AutoPrintRule) { r.Priority = Priority(9) },
		"negative delay":     func(r *AutoPrintRule) { r.RetryDelay = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewRuleMatcher()
			err := m.Register(testRule("bad", mutate))
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, "bad", cfgErr.ID)
			assert.Empty(t, m.Match("sales_order_approved", nil))
		})
	}
}

func TestConditionsFromAny(t *testing.T) {
	c, err := ConditionsFromAny("r1", map[string]any{"warehouse": "main"})
	require.NoError(t, err)
	assert.Equal(t, "main", c["warehouse"])

	c, err = ConditionsFromAny("r1", nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = ConditionsFromAny("r1", []any{"warehouse", "main"})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = ConditionsFromAny("r1", "warehouse=main")
	require.ErrorAs(t, err, &cfgErr)
}
