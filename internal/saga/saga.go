// Package saga ejecuta secuencias de pasos con compensacion: si un paso
// falla, los pasos ya completados se deshacen en orden inverso.
package saga

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trailpass/internal/observe"
)

// Step es un paso de la saga. Compensate recibe el estado que produjo Do y
// puede ser nil si el paso no tiene efectos externos.
type Step[S any] struct {
	Name       string
	Do         func(ctx context.Context, state S) (S, error)
	Compensate func(ctx context.Context, state S) error
}

type Saga[S any] struct {
	name     string
	steps    []Step[S]
	reporter observe.Reporter
}

func New[S any](name string, reporter observe.Reporter, steps ...Step[S]) *Saga[S] {
	if reporter == nil {
		reporter = observe.Nop{}
	}
	return &Saga[S]{name: name, steps: steps, reporter: reporter}
}

// Run ejecuta los pasos en orden. Ante un fallo compensa los pasos completados
// y devuelve el error original; los fallos de compensacion solo se reportan.
func (s *Saga[S]) Run(ctx context.Context, state S) (S, error) {
	done := make([]S, 0, len(s.steps))
	for _, step := range s.steps {
		next, err := step.Do(ctx, state)
		if err != nil {
			s.compensate(ctx, done)
			return state, err
		}
		done = append(done, next)
		state = next
	}
	return state, nil
}

func (s *Saga[S]) compensate(ctx context.Context, done []S) {
	// Las compensaciones corren aunque el request original se haya cancelado.
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := s.safeCompensate(ctx, step, done[i]); err != nil {
			s.reporter.Report(ctx, err,
				zap.String("saga", s.name),
				zap.String("step", step.Name),
			)
		}
	}
}

func (s *Saga[S]) safeCompensate(ctx context.Context, step Step[S], state S) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("compensate %s panicked: %v", step.Name, p)
		}
	}()
	if err := step.Compensate(ctx, state); err != nil {
		return fmt.Errorf("compensate %s: %w", step.Name, err)
	}
	return nil
}
