package transport

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"math"
	"math/big"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
	"github.com/ajitpratap0/mcp-session-go/pkg/logging"
)

// ReliabilityMiddleware retries Open on ConnectError with exponential
// backoff and trips a circuit breaker after repeated failures. An
// authentication challenge is never retried.
type ReliabilityMiddleware struct {
	config         ReliabilityConfig
	circuitBreaker *reliabilityCircuitBreaker
	logger         logging.Logger
}

// NewReliabilityMiddleware creates a new reliability middleware
func NewReliabilityMiddleware(config ReliabilityConfig, logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.Nop()
	}
	rm := &ReliabilityMiddleware{
		config: config,
		logger: logger.WithFields(logging.String("component", "reliability")),
	}
	if config.CircuitBreaker.Enabled {
		rm.circuitBreaker = newReliabilityCircuitBreaker(config.CircuitBreaker)
	}
	return rm
}

// Wrap implements the Middleware interface
func (rm *ReliabilityMiddleware) Wrap(next Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, endpoint string, opts OpenOptions) (Conn, error) {
		return rm.open(ctx, next, endpoint, opts)
	})
}

func (rm *ReliabilityMiddleware) open(ctx context.Context, next Dialer, endpoint string, opts OpenOptions) (Conn, error) {
	if rm.circuitBreaker != nil && !rm.circuitBreaker.canMakeCall() {
		return nil, mcperrors.ConnectError("reliability", endpoint, errors.New("circuit breaker is open"))
	}

	var lastErr error
	maxAttempts := rm.config.MaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(rm.config, attempt)
			rm.logger.Debug("retrying open",
				logging.Int("attempt", attempt),
				logging.Int("max_retries", rm.config.MaxRetries),
				logging.Duration("delay", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, mcperrors.ConnectError("reliability", endpoint, ctx.Err())
			}
		}

		conn, err := next.Open(ctx, endpoint, opts)
		if err == nil {
			if rm.circuitBreaker != nil {
				rm.circuitBreaker.recordSuccess()
			}
			return conn, nil
		}
		lastErr = err

		if !isRetryableOpenError(err) {
			// the server answered, so the endpoint is healthy
			if rm.circuitBreaker != nil && errors.Is(err, mcperrors.ErrAuthRequired) {
				rm.circuitBreaker.recordSuccess()
			}
			return nil, err
		}
		if rm.circuitBreaker != nil {
			rm.circuitBreaker.recordFailure()
		}
		rm.logger.WithError(err).Debug("open failed",
			logging.Int("attempt", attempt+1),
			logging.Int("max_attempts", maxAttempts),
		)
		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func isRetryableOpenError(err error) bool {
	if errors.Is(err, mcperrors.ErrAuthRequired) {
		return false
	}
	return mcperrors.IsRetryableError(err)
}

// Backoff returns the delay before retry attempt (1-based) under config,
// with ±10% jitter
func Backoff(config ReliabilityConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := config.RetryBackoffFactor
	if factor < 1 {
		factor = 1
	}
	backoff := float64(config.InitialRetryDelay) * math.Pow(factor, float64(attempt-1))
	if config.MaxRetryDelay > 0 && backoff > float64(config.MaxRetryDelay) {
		backoff = float64(config.MaxRetryDelay)
	}
	if randFloat, err := secureRandFloat64(); err == nil {
		backoff += backoff * 0.1 * (randFloat*2 - 1)
	}
	return time.Duration(backoff)
}

// secureRandFloat64 generates a cryptographically secure random float64 in [0, 1)
func secureRandFloat64() (float64, error) {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(1<<53), nil
}

type reliabilityCircuitBreaker struct {
	config    CircuitBreakerConfig
	state     circuitState
	failures  int
	successes int
	lastError time.Time
	mu        sync.Mutex
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func newReliabilityCircuitBreaker(config CircuitBreakerConfig) *reliabilityCircuitBreaker {
	return &reliabilityCircuitBreaker{config: config, state: circuitClosed}
}

func (cb *reliabilityCircuitBreaker) canMakeCall() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed, circuitHalfOpen:
		return true
	case circuitOpen:
		if time.Since(cb.lastError) > cb.config.Timeout {
			cb.state = circuitHalfOpen
			cb.successes = 0
			return true
		}
	}
	return false
}

func (cb *reliabilityCircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == circuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = circuitClosed
		}
	}
}

func (cb *reliabilityCircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = time.Now()
	cb.failures++
	if cb.state == circuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = circuitOpen
	}
}
