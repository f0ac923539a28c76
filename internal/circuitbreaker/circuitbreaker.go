package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/email"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// State of a breaker. The numeric value is exported as a gauge.
//
//	Closed -> Open:      MaxFailures consecutive provider faults
//	Open -> HalfOpen:    Cooldown elapsed, trial sends admitted
//	HalfOpen -> Closed:  a trial send succeeds
//	HalfOpen -> Open:    a trial send faults
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen matches every rejection made by a breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned by Execute when the call was not attempted.
type OpenError struct {
	Name string
	// RetryAt is the earliest time another call may be admitted.
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s unavailable until %s", ErrCircuitOpen, e.Name, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// ProviderFault reports whether err says the email provider is unhealthy.
// A message that fails validation or that the provider refuses on its own
// merits is the message's problem, and a cancelled caller is nobody's.
func ProviderFault(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, email.ErrInvalidMessage), errors.Is(err, email.ErrRejected):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the breaker in logs and metrics, e.g. "ses".
	Name string

	// MaxFailures is the number of consecutive faults that opens the circuit.
	MaxFailures int

	// Cooldown is how long the circuit stays open before trial sends.
	Cooldown time.Duration

	// TrialSends bounds concurrent calls while half-open.
	TrialSends int

	// IsFault classifies call errors. Defaults to ProviderFault.
	IsFault func(error) bool
}

// DefaultConfig returns the settings used for the email provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		TrialSends:  1,
		IsFault:     ProviderFault,
	}
}

// CircuitBreaker stops calling a failing provider for Cooldown after
// MaxFailures consecutive faults, then admits TrialSends calls to test it.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	faults   int
	openedAt time.Time
	trials   int
	// generation changes on every transition; results of calls admitted under
	// an older generation are discarded.
	generation uint64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.TrialSends <= 0 {
		cfg.TrialSends = def.TrialSends
	}
	if cfg.IsFault == nil {
		cfg.IsFault = def.IsFault
	}

	metrics.SetCircuitBreakerState(cfg.Name, int(StateClosed))
	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("cooldown", cfg.Cooldown),
	)

	return &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current state. An open circuit whose cooldown has elapsed
// still reads as open until the next call is admitted.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the circuit admits it and classifies the result.
// A rejected call returns an *OpenError without running fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.settle(gen, err)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	retryAt := cb.openedAt.Add(cb.config.Cooldown)

	if cb.state == StateOpen && !now.Before(retryAt) {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		return 0, &OpenError{Name: cb.config.Name, RetryAt: retryAt}
	case StateHalfOpen:
		if cb.trials >= cb.config.TrialSends {
			return 0, &OpenError{Name: cb.config.Name, RetryAt: now}
		}
		cb.trials++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) settle(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	fault := err != nil && cb.config.IsFault(err)

	switch cb.state {
	case StateClosed:
		switch {
		case fault:
			cb.faults++
			if cb.faults >= cb.config.MaxFailures {
				cb.trip(err)
			}
		case err == nil:
			cb.faults = 0
		}

	case StateHalfOpen:
		cb.trials--
		switch {
		case fault:
			cb.trip(err)
		case err == nil:
			cb.setState(StateClosed)
			cb.logger.Info("circuit breaker closed, provider recovered",
				zap.String("name", cb.config.Name),
			)
		}
	}
}

// trip opens the circuit. Callers hold the lock.
func (cb *CircuitBreaker) trip(cause error) {
	from := cb.state
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
	cb.logger.Warn("circuit breaker opened",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.Int("faults", cb.faults),
		zap.Time("retry_at", cb.openedAt.Add(cb.config.Cooldown)),
		zap.Error(cause),
	)
}

// setState moves to s and starts a new generation. Callers hold the lock.
func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	cb.state = s
	cb.generation++
	cb.trials = 0
	if s == StateClosed {
		cb.faults = 0
	}
	metrics.SetCircuitBreakerState(cb.config.Name, int(s))
}
