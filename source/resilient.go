package source

import (
	"context"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/logger"
)

// Backoff computes the delay before retry attempt n (1-indexed)
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max)
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max
func (e Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Policy configures the Resilient decorator
type Policy struct {
	Timeout           time.Duration // per attempt
	RequestsPerSecond float64       // 0 = unlimited
	BreakerFailures   uint32        // consecutive transient failures that open the breaker
	BreakerCooldown   time.Duration // open state duration before a probe is let through
	Attempts          int           // total attempts per Search call
	Backoff           Backoff
}

// PolicyFromAM derives the resilience policy from source configuration
func PolicyFromAM(cfg am.SourceConfig) Policy {
	return Policy{
		Timeout:           cfg.Timeout(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		BreakerFailures:   uint32(max(cfg.BreakerFailures, 1)),
		BreakerCooldown:   time.Duration(cfg.BreakerCooldownSec) * time.Second,
		Attempts:          2,
		Backoff:           Exponential{Initial: time.Second, Max: 30 * time.Second},
	}
}

// Resilient decorates a Client. Transient failures are retried with backoff
// behind a rate limiter and a circuit breaker; whatever is left when attempts
// run out is marked errors.ErrReadSource. Cancellation of the caller's context
// is returned unmarked.
type Resilient struct {
	next    Client
	policy  Policy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ Client = (*Resilient)(nil)

// NewResilient wraps next with policy
func NewResilient(next Client, policy Policy, log *zap.SugaredLogger) *Resilient {
	if log == nil {
		log = logger.Logger
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = Exponential{Initial: time.Second, Max: 30 * time.Second}
	}

	limit := rate.Inf
	if policy.RequestsPerSecond > 0 {
		limit = rate.Limit(policy.RequestsPerSecond)
	}

	r := &Resilient{
		next:    next,
		policy:  policy,
		limiter: rate.NewLimiter(limit, 1),
		logger:  log.Named("source"),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "fhir-source",
		Timeout: policy.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= max(policy.BreakerFailures, 1)
		},
		// permanent errors say nothing about the server's health
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warnw("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

// Search runs next.Search under the policy
func (r *Resilient) Search(ctx context.Context, req SearchRequest) (*Page, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if attempt > 1 {
			delay := r.policy.Backoff.Delay(attempt - 1)
			r.logger.Debugw("Retrying source search",
				logger.FieldResourceType, req.ResourceType,
				"attempt", attempt,
				"delay", delay,
				logger.FieldError, lastErr)
			select {
			case <-ctx.Done():
				return nil, errors.Wrapf(ctx.Err(), "%s search interrupted", req.ResourceType)
			case <-time.After(delay):
			}
		}

		page, err := r.attempt(ctx, req)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s search interrupted", req.ResourceType)
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	err := errors.Wrapf(lastErr, "%s search failed", req.ResourceType)
	return nil, errors.Mark(err, errors.ErrReadSource)
}

func (r *Resilient) attempt(ctx context.Context, req SearchRequest) (*Page, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	actx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	out, err := r.breaker.Execute(func() (interface{}, error) {
		page, err := r.next.Search(actx, req)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			// the per attempt timeout fired, not the caller's deadline
			err = transient(err)
		}
		return page, err
	})
	if err != nil {
		return nil, err
	}
	return out.(*Page), nil
}

// retryable reports whether another attempt may succeed
func retryable(err error) bool {
	return errors.IsAny(err, ErrTransient, gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests)
}

// State exposes the breaker state
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}
