package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrEngineUnavailable marks any raster backend fault. Callers fall back to
// vector output on it.
var ErrEngineUnavailable = errors.New("raster engine unavailable")

// InitFunc performs the one-time backend setup.
type InitFunc func(ctx context.Context) (Rasterizer, error)

// EngineState is the lifecycle position of the raster engine.
type EngineState int

const (
	EngineUninitialized EngineState = iota
	EngineReady
	EngineUnavailable
)

func (s EngineState) String() string {
	switch s {
	case EngineReady:
		return "ready"
	case EngineUnavailable:
		return "unavailable"
	default:
		return "uninitialized"
	}
}

// Engine is the process-wide raster engine. The first caller triggers
// initialization; concurrent callers share that attempt and its outcome.
// A failed initialization is permanent for the life of the Engine.
type Engine struct {
	init  InitFunc
	group singleflight.Group

	mu      sync.RWMutex
	state   EngineState
	raster  Rasterizer
	initErr error
}

func NewEngine(init InitFunc) *Engine {
	return &Engine{init: init}
}

// State reports the engine state without triggering initialization.
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Ready initializes the engine if needed. It returns an error wrapping
// ErrEngineUnavailable once initialization has failed, or ctx's error if the
// caller gave up waiting.
func (e *Engine) Ready(ctx context.Context) (Rasterizer, error) {
	e.mu.RLock()
	state, raster, initErr := e.state, e.raster, e.initErr
	e.mu.RUnlock()
	switch state {
	case EngineReady:
		return raster, nil
	case EngineUnavailable:
		return nil, initErr
	}

	// The shared attempt must not die with whichever request started it.
	initCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan("init", func() (any, error) {
		return e.initialize(initCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Rasterizer), nil
	}
}

func (e *Engine) initialize(ctx context.Context) (r Rasterizer, err error) {
	e.mu.RLock()
	state, raster, initErr := e.state, e.raster, e.initErr
	e.mu.RUnlock()
	switch state {
	case EngineReady:
		return raster, nil
	case EngineUnavailable:
		return nil, initErr
	}

	defer func() {
		if p := recover(); p != nil {
			r, err = nil, fmt.Errorf("panic: %v", p)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil || r == nil {
			if err == nil {
				err = errors.New("initializer returned no rasterizer")
			}
			err = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
			e.state, e.initErr = EngineUnavailable, err
			return
		}
		e.state, e.raster = EngineReady, r
	}()
	return e.init(ctx)
}

// Rasterize converts svg through the engine. Every backend failure, panics
// included, is reported as ErrEngineUnavailable; only initialization failures
// are sticky.
func (e *Engine) Rasterize(ctx context.Context, svg []byte, width, height int) (png []byte, err error) {
	raster, err := e.Ready(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if p := recover(); p != nil {
			png, err = nil, fmt.Errorf("%w: panic: %v", ErrEngineUnavailable, p)
		}
	}()
	png, err = raster.Rasterize(ctx, svg, width, height)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return png, nil
}

var _ Rasterizer = (*Engine)(nil)
