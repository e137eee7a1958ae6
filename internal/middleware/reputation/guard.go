package reputation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edgegate/edgegate/internal/logging"
)

// guard hardens an adapter against a misbehaving upstream. Layers from the
// outside in: circuit breaker, outbound-rate throttle, bounded retry. An
// open breaker fails the call immediately; adapters tag non-retryable
// upstream answers with backoff.Permanent.
type guard struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker[Result]
	limiter *rate.Limiter
}

// Guard wraps adapter with the protective layers. maxRPS bounds outbound
// calls per second toward the provider.
func Guard(adapter Adapter, maxRPS int) Adapter {
	if maxRPS < 1 {
		maxRPS = 1
	}
	settings := gobreaker.Settings{
		Name:        adapter.Name(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("reputation adapter breaker state change",
				zap.String("adapter", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &guard{
		inner:   adapter,
		breaker: gobreaker.NewCircuitBreaker[Result](settings),
		limiter: rate.NewLimiter(rate.Limit(maxRPS), maxRPS),
	}
}

func (g *guard) Name() string { return g.inner.Name() }

func (g *guard) Check(ctx context.Context, ip string) (Result, error) {
	return g.breaker.Execute(func() (Result, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}

		var res Result
		op := func() error {
			var err error
			res, err = g.inner.Check(ctx, ip)
			return err
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(100*time.Millisecond),
				backoff.WithMaxInterval(time.Second),
			), 2), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return Result{}, err
		}
		return res, nil
	})
}
