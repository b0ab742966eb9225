package loop

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wehubfusion/todloop/pkg/routine"
	"github.com/wehubfusion/todloop/pkg/store"
)

// ValidateWiring checks that every input declared by a routine is produced
// by an earlier routine or is in preloaded. Routines that do not implement
// routine.Wired are opaque: they are not checked and produce nothing.
// All missing inputs are reported in a single *WiringError.
func ValidateWiring(routines []routine.Routine, preloaded []store.Key) error {
	available := make(map[store.Key]struct{}, len(preloaded))
	for _, k := range preloaded {
		available[k] = struct{}{}
	}

	var missing []MissingInput
	for _, r := range routines {
		w, ok := r.(routine.Wired)
		if !ok {
			continue
		}
		inputs := w.Inputs()
		for _, logical := range inputs.Names() {
			key := inputs[logical]
			if _, ok := available[key]; !ok {
				missing = append(missing, MissingInput{Routine: r.Name(), Logical: logical, Key: key})
			}
		}
		for _, key := range w.Outputs().Keys() {
			available[key] = struct{}{}
		}
	}

	if len(missing) > 0 {
		return &WiringError{Missing: missing}
	}
	return nil
}

// node is a routine in the dependency graph.
type node struct {
	index      int
	routine    routine.Routine
	inDegree   int
	dependents []*node
}

// TopologicalOrder returns the routines ordered so that every producer of a
// key comes before its consumers. Independent routines keep their relative
// registration order. A routine reading a key it writes itself depends only
// on the other producers of that key.
func TopologicalOrder(routines []routine.Routine) ([]routine.Routine, error) {
	nodes := make([]*node, len(routines))
	producers := make(map[store.Key][]*node)
	for i, r := range routines {
		nodes[i] = &node{index: i, routine: r}
		if w, ok := r.(routine.Wired); ok {
			for _, key := range w.Outputs().Keys() {
				producers[key] = append(producers[key], nodes[i])
			}
		}
	}

	for _, n := range nodes {
		w, ok := n.routine.(routine.Wired)
		if !ok {
			continue
		}
		seen := make(map[int]struct{})
		for _, key := range w.Inputs().Keys() {
			for _, p := range producers[key] {
				if p == n {
					continue
				}
				if _, dup := seen[p.index]; dup {
					continue
				}
				seen[p.index] = struct{}{}
				p.dependents = append(p.dependents, n)
				n.inDegree++
			}
		}
	}

	// Kahn's algorithm; the ready set is kept sorted by registration index.
	var ready []*node
	for _, n := range nodes {
		if n.inDegree == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]routine.Routine, 0, len(nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n.routine)

		for _, d := range n.dependents {
			d.inDegree--
			if d.inDegree == 0 {
				ready = append(ready, d)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
	}

	if len(order) != len(nodes) {
		var cyclic []string
		for _, n := range nodes {
			if n.inDegree > 0 {
				cyclic = append(cyclic, n.routine.Name())
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cyclic, ", "))
	}
	return order, nil
}
