package checkout

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// State is the step a checkout attempt is in.
type State string

const (
	StateValidating        State = "validating"
	StateStockChecking     State = "stock_checking"
	StateReserving         State = "reserving"
	StateOrderPersisting   State = "order_persisting"
	StatePaymentInitiating State = "payment_initiating"
	StateCompensating      State = "compensating"
	StateCompleted         State = "completed"
)

const compensationTimeout = 10 * time.Second

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// saga is the stack of undo actions for the side effects committed so far.
type saga struct {
	steps []compensation
	state State
	log   *zap.Logger
}

func newSaga(log *zap.Logger) *saga {
	return &saga{state: StateValidating, log: log}
}

func (s *saga) enter(st State) {
	s.state = st
	s.log.Debug("checkout state", zap.String("state", string(st)))
}

func (s *saga) push(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, fn: fn})
}

// replace swaps the compensation registered under name.
func (s *saga) replace(name, newName string, fn func(ctx context.Context) error) {
	for i := range s.steps {
		if s.steps[i].name == name {
			s.steps[i] = compensation{name: newName, fn: fn}
			return
		}
	}
	s.push(newName, fn)
}

// compensate runs the undo actions in reverse. It uses a context detached
// from the request so a cancelled client does not leave stock held.
func (s *saga) compensate(ctx context.Context, cause error) {
	failedIn := s.state
	s.enter(StateCompensating)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		if err := c.fn(ctx); err != nil {
			s.log.Error("compensation failed",
				zap.String("step", c.name),
				zap.String("failed_in", string(failedIn)),
				zap.NamedError("cause", cause),
				zap.Error(err))
			continue
		}
		s.log.Info("compensated", zap.String("step", c.name), zap.String("failed_in", string(failedIn)))
	}
	s.steps = nil
}
