package contract_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cellcore/pkg/cellcore/contract"
	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
)

func TestRegistry_EnforceTopology_Valid(t *testing.T) {
	reg := contract.NewRegistry()
	require.NoError(t, reg.Register(contract.Contract{
		CellID:   "inventory",
		Emits:    []string{"inventory.reserved"},
		Consumes: []string{"sales.order.created"},
	}))
	require.NoError(t, reg.Register(contract.Contract{
		CellID: "sales",
		Emits:  []string{"sales.order.created"},
	}))
	require.NoError(t, reg.Register(contract.Contract{
		CellID:   "audit",
		Consumes: []string{contract.Wildcard},
	}))

	assert.False(t, reg.Enforced())
	require.NoError(t, reg.EnforceTopology())
	assert.True(t, reg.Enforced())
	assert.NotPanics(t, reg.MustEnforce)
}

func TestRegistry_EnforceTopology_ReportsEveryViolation(t *testing.T) {
	reg := contract.NewRegistry()
	require.NoError(t, reg.Register(contract.Contract{
		CellID:   "shipping",
		Consumes: []string{"sales.order.paid", "sales.order.paid", "inventory.reserved"},
	}))
	require.NoError(t, reg.Register(contract.Contract{
		CellID:   "billing",
		Consumes: []string{"sales.order.created"},
	}))
	require.NoError(t, reg.Register(contract.Contract{
		CellID: "inventory",
		Emits:  []string{"inventory.reserved"},
	}))

	err := reg.EnforceTopology()
	var terr *contract.TopologyError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, []contract.Violation{
		{CellID: "billing", Topic: "sales.order.created"},
		{CellID: "shipping", Topic: "sales.order.paid"},
	}, terr.Violations)
	assert.Contains(t, err.Error(), `shipping consumes "sales.order.paid"`)
	assert.False(t, reg.Enforced())
	assert.Panics(t, reg.MustEnforce)
}

func TestRegistry_RegisterReclosesGate(t *testing.T) {
	reg := contract.NewRegistry()
	require.NoError(t, reg.Register(contract.Contract{CellID: "sales", Emits: []string{"a"}}))
	require.NoError(t, reg.EnforceTopology())
	require.True(t, reg.Enforced())

	require.NoError(t, reg.Register(contract.Contract{CellID: "late", Consumes: []string{"a"}}))
	assert.False(t, reg.Enforced())
	require.NoError(t, reg.EnforceTopology())
	assert.True(t, reg.Enforced())
}

func TestTopologyError_IsFatal(t *testing.T) {
	reg := contract.NewRegistry()
	require.NoError(t, reg.Register(contract.Contract{
		CellID:   "finance",
		Consumes: []string{"sales.order.paid"},
	}))

	err := reg.EnforceTopology()
	require.Error(t, err)
	assert.Equal(t, cerrors.CategoryTopology, cerrors.Categorize(err))
	assert.True(t, cerrors.IsFatal(err))
	assert.False(t, cerrors.IsRetryable(err))
}

func TestRegistry_ConcurrentRegisterKeepsGateShut(t *testing.T) {
	for i := 0; i < 200; i++ {
		reg := contract.NewRegistry()
		require.NoError(t, reg.Register(contract.Contract{CellID: "sales", Emits: []string{"sales.order.created"}}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.EnforceTopology()
		}()
		go func() {
			defer wg.Done()
			_ = reg.Register(contract.Contract{CellID: "orphan", Consumes: []string{"ghost.topic"}})
		}()
		wg.Wait()

		require.False(t, reg.Enforced(), "gate opened over an unvalidated contract (iteration %d)", i)
	}
}

func TestRegistry_RegisterReplacesAndRejectsEmptyID(t *testing.T) {
	reg := contract.NewRegistry()
	assert.ErrorIs(t, reg.Register(contract.Contract{}), contract.ErrEmptyCellID)

	require.NoError(t, reg.Register(contract.Contract{CellID: "sales", Version: "1", Emits: []string{"a"}}))
	require.NoError(t, reg.Register(contract.Contract{CellID: "sales", Version: "2", Emits: []string{"b"}}))

	got, ok := reg.Get("sales")
	require.True(t, ok)
	assert.Equal(t, "2", got.Version)
	assert.Len(t, reg.Contracts(), 1)
}

func TestRegistry_Introspection(t *testing.T) {
	reg := contract.NewRegistry()
	require.NoError(t, reg.Register(contract.Contract{CellID: "sales", Emits: []string{"a"}}))
	require.NoError(t, reg.Register(contract.Contract{CellID: "pos", Emits: []string{"a"}}))
	require.NoError(t, reg.Register(contract.Contract{CellID: "inventory", Consumes: []string{"a"}}))
	require.NoError(t, reg.Register(contract.Contract{CellID: "audit", Consumes: []string{contract.Wildcard}}))

	assert.Equal(t, []string{"pos", "sales"}, reg.Emitters("a"))
	assert.Equal(t, []string{"audit", "inventory"}, reg.Consumers("a"))
	assert.Equal(t, []string{"audit"}, reg.Consumers("zzz"))

	ids := make([]string, 0, 4)
	for _, c := range reg.Contracts() {
		ids = append(ids, c.CellID)
	}
	assert.Equal(t, []string{"audit", "inventory", "pos", "sales"}, ids)
}

func TestLoadManifests(t *testing.T) {
	manifest := `
contracts:
  - cell_id: sales
    version: "1.2.0"
    emits: [sales.order.created]
  - cell_id: inventory
    emits: [inventory.reserved]
    consumes: [sales.order.created]
`
	reg := contract.NewRegistry()
	n, err := reg.LoadManifests(strings.NewReader(manifest))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sales, ok := reg.Get("sales")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", sales.Version)
	require.NoError(t, reg.EnforceTopology())
}

func TestLoadManifests_Errors(t *testing.T) {
	reg := contract.NewRegistry()

	_, err := reg.LoadManifests(strings.NewReader("contracts:\n  - emits: [a]\n"))
	assert.ErrorIs(t, err, contract.ErrEmptyCellID)

	_, err = reg.LoadManifests(strings.NewReader("contracts:\n  - cell_id: a\n    produces: [x]\n"))
	assert.Error(t, err, "unknown fields are rejected")

	n, err := reg.LoadManifests(strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = reg.LoadManifestFile("/nonexistent/contracts.yaml")
	assert.Error(t, err)
}
