package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/longform/internal/dag"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

func units(ids ...int) []domain.TaskConfig {
	out := make([]domain.TaskConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.TaskConfig{UnitID: id})
	}
	return out
}

func completed(unit domain.TaskConfig) domain.UnitRecord {
	return domain.UnitRecord{UnitID: unit.UnitID, Status: domain.UnitStatusCompleted}
}

type applyLog struct {
	mu      sync.Mutex
	applied []int
}

func (l *applyLog) apply(_ context.Context, unit domain.TaskConfig, _ domain.UnitRecord, _ error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, unit.UnitID)
	return nil
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		current := inFlight.Add(1)
		for {
			old := peak.Load()
			if current <= old || peak.CompareAndSwap(old, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return completed(unit), nil
	}
	log := &applyLog{}

	err := New(2, nil).Run(context.Background(), [][]domain.TaskConfig{units(1, 2, 3, 4, 5)}, work, log.apply, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, log.applied)
}

func TestRunKeepsBarrierBetweenLayers(t *testing.T) {
	layers, err := dag.Resolve([]domain.TaskConfig{
		{UnitID: 1},
		{UnitID: 2},
		{UnitID: 3, Dependencies: []int{1, 2}},
		{UnitID: 4},
		{UnitID: 5, Dependencies: []int{3, 4}},
	})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []string
		done   = map[int]bool{}
	)
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		mu.Lock()
		events = append(events, "start")
		mu.Unlock()
		time.Sleep(time.Duration(unit.UnitID) * time.Millisecond)
		return completed(unit), nil
	}
	apply := func(_ context.Context, unit domain.TaskConfig, _ domain.UnitRecord, _ error) error {
		mu.Lock()
		defer mu.Unlock()
		for _, dep := range map[int][]int{3: {1, 2}, 5: {3, 4}}[unit.UnitID] {
			if !done[dep] {
				t.Errorf("unit %d applied before dependency %d", unit.UnitID, dep)
			}
		}
		done[unit.UnitID] = true
		return nil
	}

	require.NoError(t, New(3, nil).Run(context.Background(), layers, work, apply, nil))
	assert.Len(t, events, 5)
	assert.Len(t, done, 5)
}

func TestRunStartsLayerOnlyAfterPreviousSettled(t *testing.T) {
	var (
		mu       sync.Mutex
		finished = map[int]bool{}
	)
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		if unit.UnitID == 3 {
			mu.Lock()
			ok := finished[1] && finished[2]
			mu.Unlock()
			if !ok {
				return domain.UnitRecord{}, errors.New("started before previous layer settled")
			}
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		finished[unit.UnitID] = true
		mu.Unlock()
		return completed(unit), nil
	}
	log := &applyLog{}

	err := New(4, nil).Run(context.Background(), [][]domain.TaskConfig{units(1, 2), units(3)}, work, log.apply, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, log.applied[2])
}

func TestRunStopsAfterFailedLayerButFinishesSiblings(t *testing.T) {
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		switch unit.UnitID {
		case 2:
			return domain.UnitRecord{UnitID: 2, Status: domain.UnitStatusFailed}, failure.Exhausted("chapter", 3, errors.New("timeout"))
		case 4:
			return domain.UnitRecord{UnitID: 4, Status: domain.UnitStatusNeedsRevision}, nil
		}
		return completed(unit), nil
	}
	log := &applyLog{}

	err := New(2, nil).Run(context.Background(), [][]domain.TaskConfig{units(1, 2, 4), units(3)}, work, log.apply, nil)
	require.Error(t, err)

	var layerErr *LayerError
	require.True(t, errors.As(err, &layerErr))
	assert.Equal(t, 0, layerErr.Layer)
	assert.Equal(t, []int{2, 4}, layerErr.Failed)
	assert.Contains(t, layerErr.Errs, 2)
	assert.ElementsMatch(t, []int{1, 2, 4}, log.applied)
}

func TestRunSkipsSettledUnits(t *testing.T) {
	var calls atomic.Int32
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		calls.Add(1)
		return completed(unit), nil
	}
	log := &applyLog{}
	skip := func(unit domain.TaskConfig) bool { return unit.UnitID != 3 }

	err := New(2, nil).Run(context.Background(), [][]domain.TaskConfig{units(1, 2), units(3)}, work, log.apply, skip)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []int{3}, log.applied)
}

func TestRunCancellationStopsNewLaunches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		calls.Add(1)
		if unit.UnitID == 1 {
			cancel()
			time.Sleep(10 * time.Millisecond)
		}
		return completed(unit), nil
	}
	log := &applyLog{}

	err := New(1, nil).Run(ctx, [][]domain.TaskConfig{units(1, 2, 3), units(4)}, work, log.apply, nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindCanceled, failure.KindOf(err))
	assert.Equal(t, []int{1}, log.applied)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunPropagatesApplyError(t *testing.T) {
	work := func(_ context.Context, unit domain.TaskConfig) (domain.UnitRecord, error) {
		return completed(unit), nil
	}
	apply := func(context.Context, domain.TaskConfig, domain.UnitRecord, error) error {
		return errors.New("checkpoint store down")
	}

	err := New(2, nil).Run(context.Background(), [][]domain.TaskConfig{units(1, 2), units(3)}, work, apply, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint store down")
}
