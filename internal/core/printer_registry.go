package core

import (
	"fmt"
	"sort"
	"sync"
)

// PrinterRegistry holds printer and group definitions together with the
// live in-flight count of every printer. The counters are the only state
// shared between dispatcher workers, so selection and reservation happen
// under one lock.
type PrinterRegistry struct {
	mu       sync.Mutex
	printers map[string]*Printer
	groups   map[string]*PrinterGroup
	inflight map[string]int
}

type PrinterLoad struct {
	PrinterID     string `json:"printer_id"`
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	InFlight      int    `json:"in_flight"`
	MaxQueueDepth int    `json:"max_queue_depth"`
}

func NewPrinterRegistry() *PrinterRegistry {
	return &PrinterRegistry{
		printers: make(map[string]*Printer),
		groups:   make(map[string]*PrinterGroup),
		inflight: make(map[string]int),
	}
}

// RegisterPrinter adds or replaces a printer definition. The live load of a
// replaced printer is kept.
func (r *PrinterRegistry) RegisterPrinter(p Printer) error {
	if p.ID == "" {
		return configError("printer", "", "id is required")
	}
	if p.MaxQueueDepth < 0 {
		return configError("printer", p.ID, "max queue depth must be non-negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.printers[p.ID] = &p
	return nil
}

// RegisterGroup adds or replaces a group. Every member must already be
// registered.
func (r *PrinterRegistry) RegisterGroup(g PrinterGroup) error {
	if g.ID == "" {
		return configError("printer group", "", "id is required")
	}
	if len(g.PrinterIDs) == 0 {
		return configError("printer group", g.ID, "group has no printers")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(g.PrinterIDs))
	for _, id := range g.PrinterIDs {
		if _, ok := r.printers[id]; !ok {
			return configError("printer group", g.ID, "unknown printer %q", id)
		}
		if seen[id] {
			return configError("printer group", g.ID, "printer %q listed twice", id)
		}
		seen[id] = true
	}
	g.PrinterIDs = append([]string(nil), g.PrinterIDs...)
	r.groups[g.ID] = &g
	return nil
}

// HasTarget reports whether the printer or group a target names is
// registered.
func (r *PrinterRegistry) HasTarget(t Target) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.IsGroup() {
		_, ok := r.groups[t.ID()]
		return ok
	}
	_, ok := r.printers[t.ID()]
	return ok
}

// SetActive flips a printer's active flag and reports the previous value.
func (r *PrinterRegistry) SetActive(id string, active bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.printers[id]
	if !ok {
		return false, ErrPrinterNotFound
	}
	old := p.Active
	p.Active = active
	return old, nil
}

// SelectPrinter picks a concrete printer for the target and reserves one
// in-flight slot on it. The caller must Release the slot once the job leaves
// processing/printing.
//
// ErrNoAvailablePrinter is returned when no active candidate exists, and
// ErrPrinterQueueFull when active candidates exist but all are at their
// maxQueueDepth.
func (r *PrinterRegistry) SelectPrinter(t Target) (*Printer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var p *Printer
	var err error
	if t.IsGroup() {
		p, err = r.selectFromGroup(t.ID())
	} else {
		p, err = r.selectSingle(t.ID())
	}
	if err != nil {
		return nil, err
	}

	r.inflight[p.ID]++
	c := *p
	return &c, nil
}

func (r *PrinterRegistry) selectSingle(id string) (*Printer, error) {
	p, ok := r.printers[id]
	if !ok {
		return nil, fmt.Errorf("%w: printer %q is not registered", ErrNoAvailablePrinter, id)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: printer %q is inactive", ErrNoAvailablePrinter, id)
	}
	if r.saturated(p) {
		return nil, fmt.Errorf("%w: printer %q has %d jobs in flight", ErrPrinterQueueFull, id, r.inflight[id])
	}
	return p, nil
}

func (r *PrinterRegistry) selectFromGroup(id string) (*Printer, error) {
	g, ok := r.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: group %q is not registered", ErrNoAvailablePrinter, id)
	}

	candidates := g.PrinterIDs
	if !g.LoadBalancing && !g.Failover {
		// Without either policy only the primary printer is eligible.
		candidates = candidates[:1]
	}

	var active []*Printer
	for _, pid := range candidates {
		if p := r.printers[pid]; p != nil && p.Active {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: group %q has no active printer", ErrNoAvailablePrinter, id)
	}

	var chosen *Printer
	if g.LoadBalancing {
		for _, p := range active {
			if r.saturated(p) {
				continue
			}
			if chosen == nil || r.inflight[p.ID] < r.inflight[chosen.ID] {
				chosen = p
			}
		}
	} else {
		for _, p := range active {
			if !r.saturated(p) {
				chosen = p
				break
			}
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: all active printers of group %q are saturated", ErrPrinterQueueFull, id)
	}
	return chosen, nil
}

func (r *PrinterRegistry) saturated(p *Printer) bool {
	return p.MaxQueueDepth > 0 && r.inflight[p.ID] >= p.MaxQueueDepth
}

func (r *PrinterRegistry) Release(printerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[printerID] > 0 {
		r.inflight[printerID]--
	}
}

func (r *PrinterRegistry) Load(printerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[printerID]
}

func (r *PrinterRegistry) Loads() []PrinterLoad {
	r.mu.Lock()
	defer r.mu.Unlock()

	loads := make([]PrinterLoad, 0, len(r.printers))
	for _, p := range r.printers {
		loads = append(loads, PrinterLoad{
			PrinterID:     p.ID,
			Name:          p.Name,
			Active:        p.Active,
			InFlight:      r.inflight[p.ID],
			MaxQueueDepth: p.MaxQueueDepth,
		})
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].PrinterID < loads[j].PrinterID })
	return loads
}
