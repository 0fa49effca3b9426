package contract

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	cerrors "github.com/randalmurphal/cellcore/pkg/cellcore/errors"
	"github.com/randalmurphal/cellcore/pkg/cellcore/event"
	"github.com/randalmurphal/cellcore/pkg/cellcore/registry"
)

// Wildcard in Consumes means "every topic" and needs no emitter.
const Wildcard = event.AllTopics

// ErrEmptyCellID is returned when registering a contract without a cell id.
var ErrEmptyCellID = errors.New("contract cell_id is required")

// Contract is a cell's declared message surface.
type Contract struct {
	CellID   string   `yaml:"cell_id" json:"cell_id"`
	Version  string   `yaml:"version,omitempty" json:"version,omitempty"`
	Emits    []string `yaml:"emits" json:"emits"`
	Consumes []string `yaml:"consumes" json:"consumes"`
}

// Violation is one consumed topic that nobody emits.
type Violation struct {
	CellID string
	Topic  string
}

// TopologyError lists every violation found by EnforceTopology.
type TopologyError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *TopologyError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s consumes %q", v.CellID, v.Topic)
	}
	return fmt.Sprintf("topology violation: no emitter for %d consumed topic(s): %s",
		len(e.Violations), strings.Join(parts, "; "))
}

// Category marks topology violations as fatal at startup.
func (e *TopologyError) Category() cerrors.Category {
	return cerrors.CategoryTopology
}

// Registry holds cell contracts and gates the event bridge.
type Registry struct {
	contracts *registry.Registry[string, Contract]

	// gen counts registrations. enforcedAt is gen+1 as of the snapshot the
	// last successful EnforceTopology validated, zero when the gate is shut.
	gen        atomic.Uint64
	enforcedAt atomic.Uint64
}

var _ event.Gate = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		contracts: registry.New[string, Contract](),
	}
}

// Register adds c, replacing any contract with the same cell id. Contracts
// are not validated here so registration order does not matter.
// Registering closes the gate until EnforceTopology runs again.
func (r *Registry) Register(c Contract) error {
	if c.CellID == "" {
		return ErrEmptyCellID
	}
	c.Emits = slices.Clone(c.Emits)
	c.Consumes = slices.Clone(c.Consumes)
	r.contracts.Store(c.CellID, c)
	r.gen.Add(1)
	return nil
}

// Get returns the contract for cellID.
func (r *Registry) Get(cellID string) (Contract, bool) {
	return r.contracts.Load(cellID)
}

// Contracts returns every registered contract sorted by cell id.
func (r *Registry) Contracts() []Contract {
	snap := r.contracts.Snapshot()
	out := make([]Contract, 0, len(snap))
	for _, id := range slices.Sorted(maps.Keys(snap)) {
		out = append(out, snap[id])
	}
	return out
}

// EnforceTopology checks that every non-wildcard consumed topic has an
// emitter. On success the gate opens; on failure it returns a
// *TopologyError naming every violation, sorted by cell and topic.
func (r *Registry) EnforceTopology() error {
	gen := r.gen.Load()
	contracts := r.Contracts()

	emitted := make(map[string]struct{})
	for _, c := range contracts {
		for _, t := range c.Emits {
			emitted[t] = struct{}{}
		}
	}

	var violations []Violation
	for _, c := range contracts {
		seen := make(map[string]struct{}, len(c.Consumes))
		for _, t := range c.Consumes {
			if t == Wildcard {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			if _, ok := emitted[t]; !ok {
				violations = append(violations, Violation{CellID: c.CellID, Topic: t})
			}
		}
	}

	if len(violations) > 0 {
		slices.SortFunc(violations, func(a, b Violation) int {
			if c := strings.Compare(a.CellID, b.CellID); c != 0 {
				return c
			}
			return strings.Compare(a.Topic, b.Topic)
		})
		r.enforcedAt.Store(0)
		return &TopologyError{Violations: violations}
	}

	// A Register racing with the snapshot bumps gen, leaving the gate shut.
	r.enforcedAt.Store(gen + 1)
	return nil
}

// MustEnforce is EnforceTopology for process bring-up. It panics on violation.
func (r *Registry) MustEnforce() {
	if err := r.EnforceTopology(); err != nil {
		panic(err)
	}
}

// Enforced reports whether the last EnforceTopology succeeded and no
// contract has been registered since.
func (r *Registry) Enforced() bool {
	return r.enforcedAt.Load() == r.gen.Load()+1
}

// Emitters returns the sorted cell ids that emit topic.
func (r *Registry) Emitters(topic string) []string {
	return r.cellsWhere(func(c Contract) bool { return slices.Contains(c.Emits, topic) })
}

// Consumers returns the sorted cell ids that consume topic, including
// wildcard consumers.
func (r *Registry) Consumers(topic string) []string {
	return r.cellsWhere(func(c Contract) bool {
		return slices.Contains(c.Consumes, topic) || slices.Contains(c.Consumes, Wildcard)
	})
}

func (r *Registry) cellsWhere(match func(Contract) bool) []string {
	var out []string
	for _, c := range r.Contracts() {
		if match(c) {
			out = append(out, c.CellID)
		}
	}
	return out
}
