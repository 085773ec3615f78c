// Package coordinator runs dependency layers of units with bounded
// parallelism and a barrier between layers.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

// Work produces the outcome of one unit. It runs on a pool goroutine and
// must not touch shared job state.
type Work func(ctx context.Context, unit domain.TaskConfig) (domain.UnitRecord, error)

// Apply folds one outcome into the job state. It is always called from the
// goroutine that called Run, one result at a time.
type Apply func(ctx context.Context, unit domain.TaskConfig, record domain.UnitRecord, err error) error

// Skip reports units that already finished in an earlier run.
type Skip func(unit domain.TaskConfig) bool

// LayerError reports the units of a layer that did not complete.
type LayerError struct {
	Layer  int
	Failed []int
	Errs   map[int]error
}

func (e *LayerError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, id := range e.Failed {
		ids = append(ids, fmt.Sprint(id))
	}
	return fmt.Sprintf("layer %d incomplete: units %s", e.Layer, strings.Join(ids, ","))
}

type Coordinator struct {
	limit  int
	logger *log.Logger
}

func New(limit int, logger *log.Logger) *Coordinator {
	if limit <= 0 {
		limit = 3
	}
	return &Coordinator{limit: limit, logger: logger}
}

func (c *Coordinator) Limit() int {
	return c.limit
}

type outcome struct {
	unit   domain.TaskConfig
	record domain.UnitRecord
	err    error
}

// Run executes layers in order. A layer starts only after every unit of the
// previous layer settled. When a layer ends with failed or needs_revision
// units, Run stops and returns *LayerError. Once ctx is canceled no new unit
// is launched; units already running finish and are applied.
func (c *Coordinator) Run(ctx context.Context, layers [][]domain.TaskConfig, work Work, apply Apply, skip Skip) error {
	for index, layer := range layers {
		if err := c.RunLayer(ctx, index, layer, work, apply, skip); err != nil {
			return err
		}
	}
	return nil
}

// RunLayer runs a single layer. Callers that need a fresh view of the job
// between layers drive the barrier themselves with it.
func (c *Coordinator) RunLayer(ctx context.Context, index int, layer []domain.TaskConfig, work Work, apply Apply, skip Skip) error {
	pending := make([]domain.TaskConfig, 0, len(layer))
	for _, unit := range layer {
		if skip != nil && skip(unit) {
			continue
		}
		pending = append(pending, unit)
	}
	if len(pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return failure.FromContext(fmt.Sprintf("layer %d", index), err)
	}
	c.logf("layer start index=%d units=%d limit=%d", index, len(pending), c.limit)
	return c.runLayer(ctx, index, pending, work, apply)
}

func (c *Coordinator) runLayer(ctx context.Context, index int, units []domain.TaskConfig, work Work, apply Apply) error {
	results := make(chan outcome, len(units))

	go func() {
		var group errgroup.Group
		group.SetLimit(c.limit)
		for _, unit := range units {
			if ctx.Err() != nil {
				break
			}
			unit := unit
			group.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				record, err := work(ctx, unit)
				results <- outcome{unit: unit, record: record, err: err}
				return nil
			})
		}
		_ = group.Wait()
		close(results)
	}()

	layerErr := &LayerError{Layer: index, Errs: map[int]error{}}
	var applyErr error
	settled := 0
	for result := range results {
		settled++
		if err := apply(ctx, result.unit, result.record, result.err); err != nil && applyErr == nil {
			applyErr = err
		}
		if result.err != nil || result.record.Status != domain.UnitStatusCompleted {
			layerErr.Failed = append(layerErr.Failed, result.unit.UnitID)
			if result.err != nil {
				layerErr.Errs[result.unit.UnitID] = result.err
			}
		}
	}

	if applyErr != nil {
		return fmt.Errorf("apply layer %d result: %w", index, applyErr)
	}
	if settled < len(units) {
		return failure.FromContext(fmt.Sprintf("layer %d", index), ctx.Err())
	}
	if len(layerErr.Failed) > 0 {
		sort.Ints(layerErr.Failed)
		c.logf("layer incomplete index=%d failed=%v", index, layerErr.Failed)
		return layerErr
	}
	c.logf("layer done index=%d", index)
	return nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
