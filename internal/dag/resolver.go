// Package dag turns a flat list of unit configurations into ordered layers
// whose members may run concurrently.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

const op = "resolve dependencies"

// CycleError lists the units that could not be placed in any layer.
type CycleError struct {
	Remaining []int
}

func (e *CycleError) Error() string {
	ids := make([]string, 0, len(e.Remaining))
	for _, id := range e.Remaining {
		ids = append(ids, fmt.Sprint(id))
	}
	return "circular dependency among units " + strings.Join(ids, ",")
}

// Resolve groups units into layers. Layer i holds every unit whose
// dependencies all sit in layers 0..i-1; inside a layer units keep their
// input order. A cycle returns a structural error wrapping *CycleError and
// no layers.
func Resolve(units []domain.TaskConfig) ([][]domain.TaskConfig, error) {
	known := make(map[int]struct{}, len(units))
	for _, unit := range units {
		if _, dup := known[unit.UnitID]; dup {
			return nil, failure.Validation(op, "duplicate unit id %d", unit.UnitID)
		}
		known[unit.UnitID] = struct{}{}
	}
	for _, unit := range units {
		for _, dep := range unit.Dependencies {
			if _, ok := known[dep]; !ok {
				return nil, failure.Validation(op, "unit %d depends on unknown unit %d", unit.UnitID, dep)
			}
		}
	}

	placed := make(map[int]struct{}, len(units))
	remaining := append([]domain.TaskConfig(nil), units...)
	layers := make([][]domain.TaskConfig, 0)

	for len(remaining) > 0 {
		layer := make([]domain.TaskConfig, 0)
		blocked := make([]domain.TaskConfig, 0, len(remaining))
		for _, unit := range remaining {
			if dependenciesPlaced(unit, placed) {
				layer = append(layer, unit)
			} else {
				blocked = append(blocked, unit)
			}
		}
		if len(layer) == 0 {
			ids := make([]int, 0, len(blocked))
			for _, unit := range blocked {
				ids = append(ids, unit.UnitID)
			}
			sort.Ints(ids)
			return nil, failure.Structural(op, &CycleError{Remaining: ids})
		}
		for _, unit := range layer {
			placed[unit.UnitID] = struct{}{}
		}
		layers = append(layers, layer)
		remaining = blocked
	}
	return layers, nil
}

func dependenciesPlaced(unit domain.TaskConfig, placed map[int]struct{}) bool {
	for _, dep := range unit.Dependencies {
		if _, ok := placed[dep]; !ok {
			return false
		}
	}
	return true
}

// Dependents maps each unit to the units that depend on it directly.
func Dependents(units []domain.TaskConfig) map[int][]int {
	dependents := make(map[int][]int, len(units))
	for _, unit := range units {
		for _, dep := range unit.Dependencies {
			dependents[dep] = append(dependents[dep], unit.UnitID)
		}
	}
	return dependents
}
