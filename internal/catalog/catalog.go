// Package catalog reads printer, template, event and rule definitions from a
// YAML file and turns them into engine configuration.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orrn/autoprint/internal/core"
)

type File struct {
	Printers  []Printer  `yaml:"printers"`
	Groups    []Group    `yaml:"groups"`
	Templates []Template `yaml:"templates"`
	Events    []Event    `yaml:"events"`
	Rules     []Rule     `yaml:"rules"`
}

type Printer struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Connection    string `yaml:"connection"`
	Address       string `yaml:"address"`
	MaxQueueDepth int    `yaml:"max_queue_depth"`
	Active        *bool  `yaml:"active"`
}

type Group struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Printers      []string `yaml:"printers"`
	LoadBalancing bool     `yaml:"load_balancing"`
	Failover      bool     `yaml:"failover"`
}

type Template struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Variables []string `yaml:"variables"`
}

type Event struct {
	Code string `yaml:"code"`
	Type string `yaml:"type"`
}

type Rule struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Event           string        `yaml:"event"`
	Template        string        `yaml:"template"`
	Printer         string        `yaml:"printer"`
	Group           string        `yaml:"group"`
	Priority        string        `yaml:"priority"`
	Conditions      any           `yaml:"conditions"`
	BatchPrinting   bool          `yaml:"batch_printing"`
	BatchWindow     time.Duration `yaml:"batch_window"`
	PreviewRequired bool          `yaml:"preview_required"`
	AutoPrint       *bool         `yaml:"auto_print"`
	RetryCount      int           `yaml:"retry_count"`
	RetryDelay      int           `yaml:"retry_delay"`
	Active          *bool         `yaml:"active"`
	CreatedAt       time.Time     `yaml:"created_at"`
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &f, nil
}

// Build converts the file into a core.Catalog. Definitions that fail
// validation are left out and reported in the returned error; everything
// else is still usable.
func (f *File) Build() (core.Catalog, error) {
	var cat core.Catalog
	var errs []error

	for _, p := range f.Printers {
		printer, err := p.toCore()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cat.Printers = append(cat.Printers, printer)
	}

	for _, g := range f.Groups {
		cat.Groups = append(cat.Groups, core.PrinterGroup{
			ID:            g.ID,
			Name:          g.Name,
			PrinterIDs:    g.Printers,
			LoadBalancing: g.LoadBalancing,
			Failover:      g.Failover,
		})
	}

	templates := make(map[string]bool, len(f.Templates))
	for _, t := range f.Templates {
		templates[t.ID] = true
	}
	events := make(map[string]bool, len(f.Events))
	for _, e := range f.Events {
		if events[e.Code] {
			errs = append(errs, &core.ConfigurationError{Kind: "event", ID: e.Code, Reason: "duplicate event code"})
			continue
		}
		events[e.Code] = true
	}

	for i, r := range f.Rules {
		rule, err := r.toCore(i)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(events) > 0 && !events[rule.EventCode] {
			errs = append(errs, &core.ConfigurationError{Kind: "rule", ID: rule.ID, Reason: fmt.Sprintf("unknown event %q", rule.EventCode)})
			continue
		}
		if len(templates) > 0 && !templates[rule.TemplateID] {
			errs = append(errs, &core.ConfigurationError{Kind: "rule", ID: rule.ID, Reason: fmt.Sprintf("unknown template %q", rule.TemplateID)})
			continue
		}
		cat.Rules = append(cat.Rules, rule)
	}

	return cat, errors.Join(errs...)
}

func (p Printer) toCore() (core.Printer, error) {
	conn := core.ConnectionKind(p.Connection)
	switch conn {
	case "":
		conn = core.ConnectionNetwork
	case core.ConnectionLocal, core.ConnectionNetwork, core.ConnectionCloud:
	default:
		return core.Printer{}, &core.ConfigurationError{Kind: "printer", ID: p.ID, Reason: fmt.Sprintf("unknown connection %q", p.Connection)}
	}
	return core.Printer{
		ID:            p.ID,
		Name:          p.Name,
		Connection:    conn,
		Address:       p.Address,
		MaxQueueDepth: p.MaxQueueDepth,
		Active:        boolOr(p.Active, true),
	}, nil
}

func (r Rule) toCore(index int) (core.AutoPrintRule, error) {
	id := r.ID
	if id == "" {
		id = fmt.Sprintf("rules[%d]", index)
	}

	var target core.Target
	switch {
	case r.Printer != "" && r.Group != "":
		return core.AutoPrintRule{}, &core.ConfigurationError{Kind: "rule", ID: id, Reason: "printer and group are mutually exclusive"}
	case r.Printer != "":
		target = core.PrinterTarget(r.Printer)
	case r.Group != "":
		target = core.GroupTarget(r.Group)
	}

	priority, err := core.ParsePriority(r.Priority)
	if err != nil {
		return core.AutoPrintRule{}, &core.ConfigurationError{Kind: "rule", ID: id, Reason: err.Error()}
	}

	conditions, err := core.ConditionsFromAny(id, r.Conditions)
	if err != nil {
		return core.AutoPrintRule{}, err
	}

	if r.RetryDelay < 0 {
		return core.AutoPrintRule{}, &core.ConfigurationError{Kind: "rule", ID: id, Reason: "retry_delay must be non-negative"}
	}

	rule := core.AutoPrintRule{
		ID:              r.ID,
		Name:            r.Name,
		EventCode:       r.Event,
		TemplateID:      r.Template,
		Target:          target,
		Priority:        priority,
		Conditions:      conditions,
		BatchPrinting:   r.BatchPrinting,
		BatchWindow:     r.BatchWindow,
		PreviewRequired: r.PreviewRequired,
		AutoPrint:       boolOr(r.AutoPrint, true),
		RetryCount:      r.RetryCount,
		RetryDelay:      time.Duration(r.RetryDelay) * time.Second,
		Active:          boolOr(r.Active, true),
		CreatedAt:       r.CreatedAt,
	}
	if err := core.ValidateRule(rule); err != nil {
		return core.AutoPrintRule{}, err
	}
	return rule, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
