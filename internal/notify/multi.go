package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
)

// Sink is one external notification channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env models.Envelope) error
}

// Multi fans an envelope out to every sink. One failing sink does not stop
// the others; all failures are joined into the returned error.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Deliver(ctx context.Context, env models.Envelope) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Deliver(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
