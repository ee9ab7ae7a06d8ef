package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-service/pkg/logger"
)

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// saga records how to undo each completed step. A compensation is recorded
// as soon as its step succeeds and before the next step starts.
type saga struct {
	steps []compensation
	log   logger.Logger
}

func newSaga(log logger.Logger) *saga {
	return &saga{log: log}
}

func (s *saga) add(name string, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, undo: undo})
}

// compensate runs every recorded compensation in reverse order. A failing
// compensation does not stop the rest.
func (s *saga) compensate(ctx context.Context) error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.undo(ctx); err != nil {
			s.log.WithContext(ctx).Error("compensation failed", logger.String("step", step.name), logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		s.log.WithContext(ctx).Info("compensation applied", logger.String("step", step.name))
	}
	s.steps = nil
	return errors.Join(errs...)
}

func (s *saga) names() []string {
	out := make([]string, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.name
	}
	return out
}
