package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWith(t *testing.T, printers ...Printer) *PrinterRegistry {
	t.Helper()
	r := NewPrinterRegistry()
	for _, p := range printers {
		require.NoError(t, r.RegisterPrinter(p))
	}
	return r
}

func activePrinter(id string, depth int) Printer {
	return Printer{ID: id, Name: id, Connection: ConnectionNetwork, MaxQueueDepth: depth, Active: true}
}

func TestPrinterRegistry_LoadBalancingPicksLeastLoaded(t *testing.T) {
	r := registryWith(t, activePrinter("a", 0), activePrinter("b", 0), activePrinter("c", 0))
	require.NoError(t, r.RegisterGroup(PrinterGroup{ID: "g", PrinterIDs: []string{"a", "b", "c"}, LoadBalancing: true}))

	for _, id := range []string{"a", "a", "c"} {
		_, err := r.SelectPrinter(PrinterTarget(id))
		require.NoError(t, err)
	}

	p, err := r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)
	assert.Equal(t, 1, r.Load("b"))
}

func TestPrinterRegistry_LoadBalancingTiesBrokenByGroupOrder(t *testing.T) {
	r := registryWith(t, activePrinter("a", 0), activePrinter("b", 0))
	require.NoError(t, r.RegisterGroup(PrinterGroup{ID: "g", PrinterIDs: []string{"b", "a"}, LoadBalancing: true}))

	p, err := r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)

	p, err = r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "a", p.ID)
}

func TestPrinterRegistry_FailoverPicksFirstActive(t *testing.T) {
	off1, off2 := activePrinter("a", 0), activePrinter("b", 0)
	off1.Active, off2.Active = false, false
	r := registryWith(t, off1, off2, activePrinter("c", 0))
	require.NoError(t, r.RegisterGroup(PrinterGroup{ID: "g", PrinterIDs: []string{"a", "b", "c"}, Failover: true}))

	p, err := r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "c", p.ID)

	_, err = r.SetActive("c", false)
	require.NoError(t, err)
	_, err = r.SelectPrinter(GroupTarget("g"))
	assert.ErrorIs(t, err, ErrNoAvailablePrinter)
}

func TestPrinterRegistry_SaturatedPrintersAreSkipped(t *testing.T) {
	r := registryWith(t, activePrinter("a", 1), activePrinter("b", 1))
	require.NoError(t, r.RegisterGroup(PrinterGroup{ID: "g", PrinterIDs: []string{"a", "b"}, Failover: true}))

	p, err := r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "a", p.ID)

	p, err = r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)

	_, err = r.SelectPrinter(GroupTarget("g"))
	assert.ErrorIs(t, err, ErrPrinterQueueFull)
	assert.NotErrorIs(t, err, ErrNoAvailablePrinter)

	r.Release("b")
	p, err = r.SelectPrinter(GroupTarget("g"))
	require.NoError(t, err)
	assert.Equal(t, "b", p.ID)
}

func TestPrinterRegistry_SinglePrinterTarget(t *testing.T) {
	inactive := activePrinter("off", 0)
	inactive.Active = false
	r := registryWith(t, activePrinter("p", 1), inactive)

	_, err := r.SelectPrinter(PrinterTarget("p"))
	require.NoError(t, err)

	_, err = r.SelectPrinter(PrinterTarget("p"))
	assert.ErrorIs(t, err, ErrPrinterQueueFull)

	_, err = r.SelectPrinter(PrinterTarget("off"))
	assert.ErrorIs(t, err, ErrNoAvailablePrinter)

	_, err = r.SelectPrinter(PrinterTarget("missing"))
	assert.ErrorIs(t, err, ErrNoAvailablePrinter)
}

func TestPrinterRegistry_GroupWithoutPolicyUsesPrimaryOnly(t *testing.T) {
	primary := activePrinter("a", 0)
	primary.Active = false
	r := registryWith(t, primary, activePrinter("b", 0))
	require.NoError(t, r.RegisterGroup(PrinterGroup{ID: "g", PrinterIDs: []string{"a", "b"}}))

	_, err := r.SelectPrinter(GroupTarget("g"))
	assert.ErrorIs(t, err, ErrNoAvailablePrinter)
}

func TestPrinterRegistry_RejectsBadGroups(t *testing.T) {
	r := registryWith(t, activePrinter("a", 0))

	var cfgErr *ConfigurationError
	require.ErrorAs(t, r.RegisterGroup(PrinterGroup{ID: "empty"}), &cfgErr)
	require.ErrorAs(t, r.RegisterGroup(PrinterGroup{ID: "ghost", PrinterIDs: []string{"a", "zzz"}}), &cfgErr)
	require.ErrorAs(t, r.RegisterGroup(PrinterGroup{ID: "dup", PrinterIDs: []string{"a", "a"}}), &cfgErr)
	assert.False(t, r.HasTarget(GroupTarget("ghost")))
}

func TestPrinterRegistry_ReleaseNeverGoesNegative(t *testing.T) {
	r := registryWith(t, activePrinter("a", 0))
	r.Release("a")
	assert.Equal(t, 0, r.Load("a"))

	loads := r.Loads()
	require.Len(t, loads, 1)
	assert.Equal(t, PrinterLoad{PrinterID: "a", Name: "a", Active: true}, loads[0])
}
