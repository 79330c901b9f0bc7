// Package resilience provides circuit breaker and rate limiter primitives.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LotLogicAI/lotlogic/pkg/fn"
)

// Circuit breaker states.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripping, reject calls
	StateHalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// Name identifies the wrapped provider in metrics and logs.
	Name string
	// FailThreshold is how many failures in CLOSED trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before entering half-open.
	Timeout time.Duration
	// SuccessThreshold is how many successes in HALF_OPEN close the breaker.
	SuccessThreshold int
	// Adaptive lowers FailThreshold while the recent failure rate is high.
	Adaptive bool
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	Name:             "default",
	FailThreshold:    5,
	Timeout:          30 * time.Second,
	SuccessThreshold: 3,
}

// Per-provider breaker defaults.
var (
	VectorBreakerOpts = BreakerOpts{Name: "vector", FailThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 3}
	ChatBreakerOpts   = BreakerOpts{Name: "chat", FailThreshold: 3, Timeout: 20 * time.Second, SuccessThreshold: 2}
	EmbedBreakerOpts  = BreakerOpts{Name: "embedding", FailThreshold: 5, Timeout: 30 * time.Second, SuccessThreshold: 3}
	DMSBreakerOpts    = BreakerOpts{Name: "dms", FailThreshold: 5, Timeout: 60 * time.Second, SuccessThreshold: 3}
)

// adaptiveWindow is how far back failures count toward the adaptive threshold.
const adaptiveWindow = 60 * time.Second

// adaptiveTrigger is the window size beyond which the threshold is lowered.
const adaptiveTrigger = 10

// BreakerMetrics is a snapshot of breaker counters.
type BreakerMetrics struct {
	TotalCalls      int64 `json:"total_calls"`
	SuccessfulCalls int64 `json:"successful_calls"`
	FailedCalls     int64 `json:"failed_calls"`
	CircuitOpens    int64 `json:"circuit_opens"`
	CircuitCloses   int64 `json:"circuit_closes"`
}

// Breaker implements a circuit breaker with closed/open/half-open states.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOpts
	baseThreshold int
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	failureTimes  []time.Time
	metrics       BreakerMetrics
	now           func() time.Time // for testing
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.Name == "" {
		opts.Name = DefaultBreakerOpts.Name
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultBreakerOpts.SuccessThreshold
	}
	return &Breaker{opts: opts, baseThreshold: opts.FailThreshold, now: time.Now}
}

// Name returns the breaker's provider name.
func (b *Breaker) Name() string { return b.opts.Name }

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Metrics returns a snapshot of the breaker counters.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Reset forces the breaker back to CLOSED, clearing all counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.failureTimes = nil
	b.opts.FailThreshold = b.baseThreshold
}

// currentState returns state, transitioning open→half-open once the timeout
// since the last failure has elapsed. Must hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.opts.Timeout {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// adjustThreshold applies the adaptive policy. Must hold mu.
func (b *Breaker) adjustThreshold() {
	if !b.opts.Adaptive {
		return
	}
	cutoff := b.now().Add(-adaptiveWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept

	if len(b.failureTimes) > adaptiveTrigger {
		lowered := b.baseThreshold - 2
		if lowered < 3 {
			lowered = 3
		}
		b.opts.FailThreshold = lowered
	} else {
		b.opts.FailThreshold = b.baseThreshold
	}
}

// admit decides whether a call may proceed. Must hold mu.
func (b *Breaker) admit() error {
	if b.currentState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// recordSuccess updates state after a successful call. Must hold mu.
func (b *Breaker) recordSuccess() {
	b.metrics.TotalCalls++
	b.metrics.SuccessfulCalls++
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.opts.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.metrics.CircuitCloses++
		}
	case StateClosed:
		b.failures = 0
	}
}

// recordFailure updates state after a failed call. Must hold mu.
func (b *Breaker) recordFailure() {
	b.metrics.TotalCalls++
	b.metrics.FailedCalls++
	b.failures++
	b.lastFailure = b.now()
	b.failureTimes = append(b.failureTimes, b.lastFailure)
	b.adjustThreshold()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		b.metrics.CircuitOpens++
	case StateClosed:
		if b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.metrics.CircuitOpens++
		}
	}
}

// Call executes f through the circuit breaker.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// CallResult is a generic version of Call that works with fn.Result.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return fn.Err[T](err)
	}
	b.mu.Unlock()

	result := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if result.IsErr() {
		b.recordFailure()
		return result
	}
	b.recordSuccess()
	return result
}

// BreakerStage wraps an fn.Stage with circuit breaker protection.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		return CallResult(b, ctx, func(ctx context.Context) fn.Result[Out] {
			return stage(ctx, in)
		})
	}
}

// StateValue maps the current state to its gauge encoding:
// 0=closed, 1=open, 2=half_open.
func (b *Breaker) StateValue() int {
	switch b.State() {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// RenderPrometheus emits the breaker's state gauge and counters as
// Prometheus sample lines. Callers emit the HELP/TYPE headers once via
// RenderPrometheusHeader so multiple breakers share one metric family.
func (b *Breaker) RenderPrometheus() string {
	m := b.Metrics()
	var out strings.Builder
	fmt.Fprintf(&out, "circuit_breaker_state{name=%q} %d\n", b.opts.Name, b.StateValue())
	fmt.Fprintf(&out, "circuit_breaker_total_calls{name=%q} %d\n", b.opts.Name, m.TotalCalls)
	fmt.Fprintf(&out, "circuit_breaker_failed_calls{name=%q} %d\n", b.opts.Name, m.FailedCalls)
	fmt.Fprintf(&out, "circuit_breaker_opens{name=%q} %d\n", b.opts.Name, m.CircuitOpens)
	return out.String()
}

// RenderPrometheusHeader emits the HELP/TYPE lines for the breaker family.
func RenderPrometheusHeader() string {
	return "# HELP circuit_breaker_state Current state (0=closed, 1=open, 2=half_open)\n" +
		"# TYPE circuit_breaker_state gauge\n" +
		"# TYPE circuit_breaker_total_calls counter\n" +
		"# TYPE circuit_breaker_failed_calls counter\n" +
		"# TYPE circuit_breaker_opens counter\n"
}
