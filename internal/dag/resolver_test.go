package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

func unit(id int, deps ...int) domain.TaskConfig {
	return domain.TaskConfig{UnitID: id, Dependencies: deps, TargetSize: 1000}
}

func ids(layers [][]domain.TaskConfig) [][]int {
	out := make([][]int, 0, len(layers))
	for _, layer := range layers {
		row := make([]int, 0, len(layer))
		for _, u := range layer {
			row = append(row, u.UnitID)
		}
		out = append(out, row)
	}
	return out
}

func TestResolveFiveUnitExample(t *testing.T) {
	layers, err := Resolve([]domain.TaskConfig{
		unit(1),
		unit(2),
		unit(3, 1, 2),
		unit(4),
		unit(5, 3, 4),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2, 4}, {3}, {5}}, ids(layers))
}

func TestResolveLayerInvariant(t *testing.T) {
	units := []domain.TaskConfig{
		unit(6, 5),
		unit(2),
		unit(5, 2, 3),
		unit(3, 2),
		unit(1),
		unit(4, 1, 3),
	}
	layers, err := Resolve(units)
	require.NoError(t, err)

	layerOf := map[int]int{}
	for i, layer := range layers {
		for _, u := range layer {
			layerOf[u.UnitID] = i
		}
	}
	assert.Len(t, layerOf, len(units))
	for _, u := range units {
		for _, dep := range u.Dependencies {
			assert.Less(t, layerOf[dep], layerOf[u.UnitID], "unit %d must follow dependency %d", u.UnitID, dep)
		}
	}
	assert.Equal(t, [][]int{{2, 1}, {3}, {5, 4}, {6}}, ids(layers))
}

func TestResolveIndependentUnitsShareOneLayer(t *testing.T) {
	layers, err := Resolve([]domain.TaskConfig{unit(1), unit(2), unit(3)})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2, 3}}, ids(layers))
}

func TestResolveCycleFailsFast(t *testing.T) {
	layers, err := Resolve([]domain.TaskConfig{unit(1, 2), unit(2, 1)})
	require.Error(t, err)
	assert.Empty(t, layers)
	assert.Equal(t, failure.KindStructural, failure.KindOf(err))

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []int{1, 2}, cycle.Remaining)
}

func TestResolveCycleBehindValidPrefix(t *testing.T) {
	layers, err := Resolve([]domain.TaskConfig{unit(1), unit(2, 1, 3), unit(3, 2)})
	require.Error(t, err)
	assert.Nil(t, layers)

	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []int{2, 3}, cycle.Remaining)
}

func TestResolveRejectsUnknownDependency(t *testing.T) {
	_, err := Resolve([]domain.TaskConfig{unit(1, 9)})
	require.Error(t, err)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}

func TestResolveRejectsDuplicateIDs(t *testing.T) {
	_, err := Resolve([]domain.TaskConfig{unit(1), unit(1)})
	require.Error(t, err)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}

func TestResolveEmptyInput(t *testing.T) {
	layers, err := Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestDependents(t *testing.T) {
	dependents := Dependents([]domain.TaskConfig{unit(1), unit(2, 1), unit(3, 1)})
	assert.Equal(t, []int{2, 3}, dependents[1])
	assert.Empty(t, dependents[2])
}
